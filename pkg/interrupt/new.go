// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package interrupt

import (
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

type Options struct {
	// Strategy forces an interrupt strategy. Empty selects the platform
	// default.
	Strategy string
	// Signal is the signal number of the signal strategy. Zero selects
	// DefaultSignal.
	Signal int
	// Window is the number of stack bytes copied above the stack pointer.
	Window int
	// Timeout bounds the wait for the interrupted thread.
	Timeout time.Duration
}

// New returns the interrupter selected by opts.
func New(logger log.Logger, reg prometheus.Registerer, opts Options) (Interrupter, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = defaultStrategy
	}
	logger = log.With(logger, "strategy", strategy)

	switch strategy {
	case StrategySignal:
		return newSignal(logger, reg, opts)
	case StrategyPtrace:
		return newPtrace(logger, reg)
	default:
		return nil, fmt.Errorf("unknown interrupt strategy %q", strategy)
	}
}

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

//go:build !(linux && cgo)

package interrupt

import (
	"fmt"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
)

// Without cgo there is no async-signal-safe handler to install; the
// suspend strategy remains for threads of other processes.
const defaultStrategy = StrategyPtrace

func newSignal(log.Logger, prometheus.Registerer, Options) (Interrupter, error) {
	return nil, fmt.Errorf("%w: %s requires linux and cgo", ErrUnsupported, StrategySignal)
}

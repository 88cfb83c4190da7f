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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/promreg"
)

type metrics struct {
	slotsAbandoned prometheus.Counter
	resumeErrors   prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, strategy string) *metrics {
	return &metrics{
		slotsAbandoned: promreg.Register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "stack_sampler_interrupt_slots_abandoned_total",
				Help:        "Total number of capture slots given up on because the handler did not complete.",
				ConstLabels: map[string]string{"strategy": strategy},
			},
		)),
		resumeErrors: promreg.Register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name:        "stack_sampler_interrupt_resume_errors_total",
				Help:        "Total number of failures to resume a suspended thread.",
				ConstLabels: map[string]string{"strategy": strategy},
			},
		)),
	}
}

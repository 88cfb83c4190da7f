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

package capturer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/promreg"
)

const (
	resultSuccess  = "success"
	resultEmpty    = "empty"
	resultTimeout  = "timeout"
	resultDeliver  = "deliver_error"
	resultSuspend  = "suspend_error"
	resultNoTarget = "no_target"
	resultNoBounds = "no_bounds"
	resultError    = "error"
)

type metrics struct {
	attempts *prometheus.CounterVec
	duration prometheus.Observer
}

func newMetrics(reg prometheus.Registerer, strategy string) *metrics {
	m := &metrics{
		attempts: promreg.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "stack_sampler_capture_attempts_total",
				Help:        "Total number of stack capture attempts.",
				ConstLabels: prometheus.Labels{"strategy": strategy},
			},
			[]string{"result"},
		)),
		duration: promreg.Register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "stack_sampler_capture_duration_seconds",
				Help:                        "Time taken to interrupt a thread and walk its stack.",
				ConstLabels:                 prometheus.Labels{"strategy": strategy},
				NativeHistogramBucketFactor: 1.1,
			},
		)),
	}
	for _, r := range []string{resultSuccess, resultEmpty, resultTimeout, resultDeliver, resultSuspend, resultNoTarget, resultNoBounds, resultError} {
		m.attempts.WithLabelValues(r)
	}
	return m
}

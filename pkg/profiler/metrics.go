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

package profiler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelSuccess = "success"
	labelError   = "error"
)

type metrics struct {
	threads         prometheus.Gauge
	attachAttempts  *prometheus.CounterVec
	profileAttempts *prometheus.CounterVec
	profileDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		threads: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "stack_sampler_profiler_threads",
			Help: "Number of threads with an attached capturer.",
		}),
		attachAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_sampler_profiler_attach_attempts_total",
				Help: "Total number of attempts to attach a capturer to a thread.",
			},
			[]string{"result"},
		),
		profileAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_sampler_profiler_profile_attempts_total",
				Help: "Total number of attempts to build a profile.",
			},
			[]string{"result"},
		),
		profileDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "stack_sampler_profiler_profile_duration_seconds",
				Help:                        "The duration it takes to build a profile from the buffered samples.",
				NativeHistogramBucketFactor: 1.1,
			},
		),
	}
	for _, r := range []string{labelSuccess, labelError} {
		m.attachAttempts.WithLabelValues(r)
		m.profileAttempts.WithLabelValues(r)
	}
	return m
}

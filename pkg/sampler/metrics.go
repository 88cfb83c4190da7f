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

package sampler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/parca-dev/stack-sampler/pkg/promreg"
)

const (
	labelCaptured   = "captured"
	labelEmpty      = "empty"
	labelError      = "error"
	labelGateClosed = "gate_closed"
)

type metrics struct {
	samples     *prometheus.CounterVec
	overwritten prometheus.Counter
	frames      prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samples: promreg.Register(reg, prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stack_sampler_samples_total",
				Help: "Total number of sampling ticks by outcome.",
			},
			[]string{"result"},
		)),
		overwritten: promreg.Register(reg, prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "stack_sampler_samples_overwritten_total",
				Help: "Total number of buffered samples overwritten before they were collected.",
			},
		)),
		frames: promreg.Register(reg, prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stack_sampler_frames",
				Help:    "Number of frames per captured sample.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 11),
			},
		)),
	}
	m.samples.WithLabelValues(labelCaptured)
	m.samples.WithLabelValues(labelEmpty)
	m.samples.WithLabelValues(labelError)
	m.samples.WithLabelValues(labelGateClosed)

	return m
}

// Copyright 2024 The Traceprof Authors
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

package heap

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	newSamples      prometheus.Counter
	evictedSamples  prometheus.Counter
	collectDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		newSamples: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "traceprof_agent_profiler_heap_new_samples_total",
				Help:        "Total number of newly observed allocation samples.",
				ConstLabels: map[string]string{"type": "heap"},
			},
		),
		evictedSamples: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "traceprof_agent_profiler_heap_evicted_samples_total",
				Help:        "Total number of tracked sample ids the VM has forgotten.",
				ConstLabels: map[string]string{"type": "heap"},
			},
		),
		collectDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Name:                        "traceprof_agent_profiler_heap_collect_duration_seconds",
				Help:                        "The duration of a heap collect cycle.",
				ConstLabels:                 map[string]string{"type": "heap"},
				NativeHistogramBucketFactor: 1.1,
			},
		),
	}
}

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

package cpu

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	labelSampleDropReasonCutoff    = "cutoff"
	labelSampleDropReasonDecimated = "decimated"
	labelSampleDropReasonUnmatched = "unmatched"

	labelActivationDropReasonOOM      = "arena_oom"
	labelActivationDropReasonFiltered = "filtered"

	labelStageStart   = "start"
	labelStageStop    = "stop"
	labelStageProcess = "process"
)

type metrics struct {
	samplesKept    *prometheus.CounterVec
	sampleDrop     *prometheus.CounterVec
	activationDrop *prometheus.CounterVec
	invalidIDs     prometheus.Counter
	stageDuration  *prometheus.HistogramVec
	arenaUsedBytes *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		samplesKept: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "traceprof_agent_profiler_samples_kept_total",
				Help:        "Total number of samples kept after cutoff, decimation and filtering.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"profiler"},
		),
		sampleDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "traceprof_agent_profiler_sample_drop_total",
				Help:        "Total number of samples dropped from the profile.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"profiler", "reason"},
		),
		activationDrop: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name:        "traceprof_agent_profiler_activation_drop_total",
				Help:        "Total number of span activations dropped at ingest.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"profiler", "reason"},
		),
		invalidIDs: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name:        "traceprof_agent_profiler_invalid_id_total",
				Help:        "Total number of enter calls rejected for malformed trace or span ids.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
		),
		stageDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:                        "traceprof_agent_profiler_collect_stage_duration_seconds",
				Help:                        "The duration of each stage of a collect cycle.",
				ConstLabels:                 map[string]string{"type": "cpu"},
				NativeHistogramBucketFactor: 1.1,
			},
			[]string{"stage"},
		),
		arenaUsedBytes: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name:        "traceprof_agent_profiler_arena_used_bytes",
				Help:        "Arena bytes used by the cycle that just ended.",
				ConstLabels: map[string]string{"type": "cpu"},
			},
			[]string{"profiler"},
		),
	}

	m.stageDuration.WithLabelValues(labelStageStart)
	m.stageDuration.WithLabelValues(labelStageStop)
	m.stageDuration.WithLabelValues(labelStageProcess)

	return m
}

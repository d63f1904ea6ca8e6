/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sources label where a tone request came from.
const (
	SourceWave = "wave"
	SourceNATS = "nats"
	SourceHTTP = "http"
)

// Gauges
var (
	UploadedBuffers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loqa_tone_engine_uploaded_buffers",
		Help: "Number of sample buffers currently held by the audio engine",
	})
	ActivePlaybacks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "loqa_tone_engine_active_playbacks",
		Help: "Number of sample buffers currently being played",
	})
)

// Counters
var (
	BuffersGeneratedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loqa_tone_buffers_generated_total",
		Help: "Total sine buffers generated by request source",
	}, []string{"source"})
	SamplesGeneratedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loqa_tone_samples_generated_total",
		Help: "Total PCM samples generated",
	})
	InvalidRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loqa_tone_invalid_requests_total",
		Help: "Tone requests rejected for invalid parameters by source",
	}, []string{"source"})
	PlaybacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loqa_tone_engine_playbacks_total",
		Help: "Total playbacks by outcome",
	}, []string{"outcome"})
	PlaybackQueueDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "loqa_tone_playback_queue_dropped_total",
		Help: "Tone buffers dropped because the playback queue was full",
	})
)

// Histograms
var (
	GenerateDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "loqa_tone_generate_duration_ms",
		Help:    "Time to generate one sine buffer in milliseconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500},
	})
)

// ObserveGenerated records one generated buffer of n samples.
func ObserveGenerated(source string, n int, ms float64) {
	BuffersGeneratedTotal.WithLabelValues(source).Inc()
	SamplesGeneratedTotal.Add(float64(n))
	GenerateDuration.Observe(ms)
}

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

package tone

import (
	"fmt"
	"math"
	"time"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/metrics"
)

// Request is the wire form of a tone request shared by the NATS and HTTP front ends.
type Request struct {
	ID         string  `json:"request_id,omitempty"`
	Frequency  float64 `json:"frequency"`
	Amplitude  float64 `json:"amplitude"`
	SampleRate float64 `json:"sample_rate"`
	Length     int     `json:"length"`
	StartAngle float64 `json:"start_angle"`
	Play       bool    `json:"play"`
}

// Spec converts the request to a generator spec.
func (r Request) Spec() SineWaveSpec {
	return SineWaveSpec{
		Frequency:  r.Frequency,
		Amplitude:  r.Amplitude,
		SampleRate: r.SampleRate,
		Length:     r.Length,
		StartAngle: r.StartAngle,
	}
}

// Rendered is a generated buffer, optionally uploaded to an engine.
type Rendered struct {
	Spec    SineWaveSpec
	Samples []float32
	Format  audio.SampleFormat
	Handle  audio.Handle // zero when not uploaded
	Peak    float32
}

// Render generates the spec and uploads it when uploader is non-nil.
// source labels the metrics.
func Render(spec SineWaveSpec, uploader SampleUploader, source string) (*Rendered, error) {
	started := time.Now()
	samples, err := Generate(spec)
	if err != nil {
		metrics.InvalidRequestsTotal.WithLabelValues(source).Inc()
		return nil, err
	}
	metrics.ObserveGenerated(source, len(samples), float64(time.Since(started).Microseconds())/1000)

	r := &Rendered{
		Spec:    spec,
		Samples: samples,
		Format:  audio.MonoFloat32(spec.SampleRate),
		Peak:    Peak(samples),
	}

	if uploader != nil {
		h, err := uploader.UploadSamples(samples, r.Format)
		if err != nil {
			return nil, fmt.Errorf("failed to upload samples: %w", err)
		}
		r.Handle = h
	}
	return r, nil
}

// Peak returns the largest absolute sample value.
func Peak(samples []float32) float32 {
	var peak float64
	for _, s := range samples {
		peak = math.Max(peak, math.Abs(float64(s)))
	}
	return float32(peak)
}

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

// Package tone generates sine-wave PCM sample buffers.
package tone

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidParameter is returned when a SineWaveSpec cannot produce a buffer.
var ErrInvalidParameter = errors.New("invalid tone parameter")

const twoPi = 2 * math.Pi

// MaxLength caps a single buffer at one minute of 192 kHz audio.
const MaxLength = 192000 * 60

// SineWaveSpec describes one buffer of a sine wave.
type SineWaveSpec struct {
	Frequency  float64 // Hz
	Amplitude  float64 // linear scale factor, usually within [-1, 1]
	SampleRate float64 // Hz, must be > 0
	Length     int     // samples, must be >= 0
	StartAngle float64 // radians
}

// DefaultSpec returns one second of a 440 Hz tone at half scale, sampled at 44.1 kHz.
func DefaultSpec() SineWaveSpec {
	return SineWaveSpec{
		Frequency:  440.0,
		Amplitude:  0.5,
		SampleRate: 44100.0,
		Length:     44100,
		StartAngle: 0,
	}
}

// Validate reports whether the spec can be generated.
func (s SineWaveSpec) Validate() error {
	if s.SampleRate <= 0 || math.IsNaN(s.SampleRate) || math.IsInf(s.SampleRate, 0) {
		return fmt.Errorf("%w: sample rate must be a positive finite number, got %v", ErrInvalidParameter, s.SampleRate)
	}
	if s.Length < 0 {
		return fmt.Errorf("%w: length must not be negative, got %d", ErrInvalidParameter, s.Length)
	}
	if s.Length > MaxLength {
		return fmt.Errorf("%w: length must not exceed %d samples, got %d", ErrInvalidParameter, MaxLength, s.Length)
	}
	if !isFinite(s.Frequency) {
		return fmt.Errorf("%w: frequency must be finite, got %v", ErrInvalidParameter, s.Frequency)
	}
	if !isFinite(s.Amplitude) {
		return fmt.Errorf("%w: amplitude must be finite, got %v", ErrInvalidParameter, s.Amplitude)
	}
	if !isFinite(s.StartAngle) {
		return fmt.Errorf("%w: start angle must be finite, got %v", ErrInvalidParameter, s.StartAngle)
	}
	return nil
}

// AngleStep is the phase advance per sample in radians.
func (s SineWaveSpec) AngleStep() float64 {
	return s.Frequency / s.SampleRate * twoPi
}

// EndAngle is the wrapped running angle after Length samples, i.e. the start
// angle of the buffer that continues this one without a phase jump.
func (s SineWaveSpec) EndAngle() float64 {
	step := s.AngleStep()
	angle := s.StartAngle
	for i := 0; i < s.Length; i++ {
		angle = wrapAngle(angle + step)
	}
	return angle
}

// Next returns the spec of the buffer that follows s with continuous phase.
func (s SineWaveSpec) Next() SineWaveSpec {
	next := s
	next.StartAngle = s.EndAngle()
	return next
}

// Duration is the buffer length in seconds.
func (s SineWaveSpec) Duration() float64 {
	if s.SampleRate <= 0 {
		return 0
	}
	return float64(s.Length) / s.SampleRate
}

// Generate returns a fresh buffer of exactly spec.Length samples.
func Generate(spec SineWaveSpec) ([]float32, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	buffer := make([]float32, spec.Length)
	fill(buffer, spec)
	return buffer, nil
}

func fill(buffer []float32, spec SineWaveSpec) {
	step := spec.AngleStep()
	angle := spec.StartAngle

	for i := range buffer {
		buffer[i] = float32(math.Sin(angle) * spec.Amplitude)
		angle = wrapAngle(angle + step)
	}
}

// wrapAngle keeps the running phase within [-π, π]. Angles already in range
// are returned untouched so short buffers see no rounding from the wrap.
func wrapAngle(angle float64) float64 {
	if angle > math.Pi || angle < -math.Pi {
		angle = math.Mod(angle+math.Pi, twoPi)
		if angle < 0 {
			angle += twoPi
		}
		angle -= math.Pi
	}
	return angle
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

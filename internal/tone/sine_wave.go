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
	"sync"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/metrics"
)

// SampleUploader is the part of the audio engine a SineWave needs.
type SampleUploader interface {
	UploadSamples(buf []float32, format audio.SampleFormat) (audio.Handle, error)
	FreeSamples(h audio.Handle) error
}

// SineWave keeps a generated buffer in sync with its parameters. Every setter
// regenerates the whole buffer and re-uploads it before returning. A setter
// that fails leaves the previous parameters, buffer and handle in place.
type SineWave struct {
	mu       sync.Mutex
	spec     SineWaveSpec
	samples  []float32
	handle   audio.Handle
	uploader SampleUploader
	logger   *zap.Logger
}

// NewSineWave generates spec and uploads it. uploader may be nil, in which
// case the wave only generates samples and Handle stays zero.
func NewSineWave(spec SineWaveSpec, uploader SampleUploader, logger *zap.Logger) (*SineWave, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &SineWave{
		uploader: uploader,
		logger:   logger,
	}
	if err := w.regenerate(spec); err != nil {
		return nil, err
	}
	return w, nil
}

// Spec returns the current parameters.
func (w *SineWave) Spec() SineWaveSpec {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.spec
}

func (w *SineWave) Frequency() float64 { return w.Spec().Frequency }
func (w *SineWave) Amplitude() float64 { return w.Spec().Amplitude }
func (w *SineWave) SampleRate() float64 { return w.Spec().SampleRate }
func (w *SineWave) Length() int { return w.Spec().Length }
func (w *SineWave) StartAngle() float64 { return w.Spec().StartAngle }

// Samples returns a copy of the current buffer.
func (w *SineWave) Samples() []float32 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]float32, len(w.samples))
	copy(out, w.samples)
	return out
}

// Handle returns the engine handle of the current buffer.
func (w *SineWave) Handle() audio.Handle {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.handle
}

func (w *SineWave) SetFrequency(hz float64) error {
	return w.update(func(s *SineWaveSpec) { s.Frequency = hz })
}

func (w *SineWave) SetAmplitude(amplitude float64) error {
	return w.update(func(s *SineWaveSpec) { s.Amplitude = amplitude })
}

func (w *SineWave) SetSampleRate(hz float64) error {
	return w.update(func(s *SineWaveSpec) { s.SampleRate = hz })
}

func (w *SineWave) SetLength(samples int) error {
	return w.update(func(s *SineWaveSpec) { s.Length = samples })
}

func (w *SineWave) SetStartAngle(radians float64) error {
	return w.update(func(s *SineWaveSpec) { s.StartAngle = radians })
}

// SetSpec replaces all five parameters with a single regeneration.
func (w *SineWave) SetSpec(spec SineWaveSpec) error {
	return w.update(func(s *SineWaveSpec) { *s = spec })
}

// Advance moves the wave to the buffer that follows the current one with
// continuous phase.
func (w *SineWave) Advance() error {
	return w.update(func(s *SineWaveSpec) { *s = s.Next() })
}

// Close releases the uploaded buffer.
func (w *SineWave) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.uploader == nil || w.handle == 0 {
		return nil
	}
	h := w.handle
	w.handle = 0
	if err := w.uploader.FreeSamples(h); err != nil {
		return fmt.Errorf("failed to free sine wave samples: %w", err)
	}
	return nil
}

func (w *SineWave) update(mutate func(*SineWaveSpec)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	candidate := w.spec
	mutate(&candidate)
	return w.regenerateLocked(candidate)
}

func (w *SineWave) regenerate(spec SineWaveSpec) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.regenerateLocked(spec)
}

func (w *SineWave) regenerateLocked(spec SineWaveSpec) error {
	rendered, err := Render(spec, w.uploader, metrics.SourceWave)
	if err != nil {
		return err
	}

	previous := w.handle
	w.spec = spec
	w.samples = rendered.Samples
	w.handle = rendered.Handle

	if w.uploader != nil && previous != 0 {
		if err := w.uploader.FreeSamples(previous); err != nil {
			w.logger.Warn("failed to free previous sine wave samples",
				zap.Uint32("handle", uint32(previous)),
				zap.Error(err),
			)
		}
	}
	return nil
}

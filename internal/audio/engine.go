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

package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/metrics"
)

// DefaultFramesPerBuffer is the playback chunk size in frames.
const DefaultFramesPerBuffer = 1024

type sampleData struct {
	data   []float32
	format SampleFormat
}

// Engine holds uploaded sample buffers and plays them through an AudioBackend.
// The engine is created by the application and passed to whoever needs it.
type Engine struct {
	mu              sync.Mutex
	backend         AudioBackend
	logger          *zap.Logger
	framesPerBuffer int
	samples         map[Handle]*sampleData
	lastHandle      Handle
	closed          bool
}

// NewEngine initializes the backend and returns a ready engine.
func NewEngine(backend AudioBackend, logger *zap.Logger, framesPerBuffer int) (*Engine, error) {
	if backend == nil {
		return nil, fmt.Errorf("audio backend is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if framesPerBuffer <= 0 {
		framesPerBuffer = DefaultFramesPerBuffer
	}

	if err := backend.Initialize(); err != nil {
		return nil, fmt.Errorf("failed to initialize audio backend: %w", err)
	}

	return &Engine{
		backend:         backend,
		logger:          logger,
		framesPerBuffer: framesPerBuffer,
		samples:         make(map[Handle]*sampleData),
	}, nil
}

// UploadSamples copies buf into the engine and returns a handle to it.
func (e *Engine) UploadSamples(buf []float32, format SampleFormat) (Handle, error) {
	if err := format.Validate(); err != nil {
		return 0, err
	}
	if len(buf)%format.Channels != 0 {
		return 0, fmt.Errorf("%w: %d samples is not a whole number of %d-channel frames",
			ErrUnsupportedFormat, len(buf), format.Channels)
	}

	data := make([]float32, len(buf))
	copy(data, buf)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, ErrEngineClosed
	}

	e.lastHandle++
	if e.lastHandle == 0 {
		e.lastHandle++
	}
	h := e.lastHandle
	e.samples[h] = &sampleData{data: data, format: format}
	metrics.UploadedBuffers.Inc()

	e.logger.Debug("samples uploaded",
		zap.Uint32("handle", uint32(h)),
		zap.Int("samples", len(data)),
		zap.Float64("sample_rate", format.SampleRate),
	)
	return h, nil
}

// FreeSamples releases the buffer behind h.
func (e *Engine) FreeSamples(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.samples[h]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	delete(e.samples, h)
	metrics.UploadedBuffers.Dec()
	return nil
}

// Samples returns a copy of the buffer behind h and its format.
func (e *Engine) Samples(h Handle) ([]float32, SampleFormat, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sd, ok := e.samples[h]
	if !ok {
		return nil, SampleFormat{}, fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	out := make([]float32, len(sd.data))
	copy(out, sd.data)
	return out, sd.format, nil
}

// Count returns the number of buffers currently held.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.samples)
}

// Play writes the buffer behind h to a fresh output stream, blocking until
// the last chunk is written or ctx is done. The stream is always stopped and
// closed before Play returns.
func (e *Engine) Play(ctx context.Context, h Handle) (err error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	sd, ok := e.samples[h]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}

	// The map entry is never mutated, only replaced or deleted, so sd.data
	// stays valid after FreeSamples.
	data, format := sd.data, sd.format

	metrics.ActivePlaybacks.Inc()
	defer metrics.ActivePlaybacks.Dec()
	defer func() {
		outcome := "ok"
		switch {
		case err != nil && ctx.Err() != nil:
			outcome = "cancelled"
		case err != nil:
			outcome = "error"
		}
		metrics.PlaybacksTotal.WithLabelValues(outcome).Inc()
	}()

	stream, err := e.backend.CreateOutputStream(format.SampleRate, format.Channels, e.framesPerBuffer)
	if err != nil {
		return fmt.Errorf("failed to create output stream: %w", err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			e.logger.Warn("failed to close output stream", zap.Error(cerr))
		}
	}()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	defer func() {
		if serr := stream.Stop(); serr != nil {
			e.logger.Warn("failed to stop output stream", zap.Error(serr))
		}
	}()

	started := time.Now()
	chunkSize := e.framesPerBuffer * format.Channels
	chunk := make([]float32, chunkSize)

	for offset := 0; offset < len(data); offset += chunkSize {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("playback interrupted: %w", err)
		}

		n := copy(chunk, data[offset:])
		clear(chunk[n:])
		if err := stream.Write(chunk); err != nil {
			return fmt.Errorf("failed to write samples: %w", err)
		}
	}

	e.logger.Debug("playback finished",
		zap.Uint32("handle", uint32(h)),
		zap.Int("samples", len(data)),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}

// RunPlayback plays queued handles one at a time and frees each once played.
// It returns when the queue is closed or ctx is done.
func (e *Engine) RunPlayback(ctx context.Context, queue <-chan Handle) {
	for {
		select {
		case <-ctx.Done():
			return
		case h, ok := <-queue:
			if !ok {
				return
			}
			if err := e.Play(ctx, h); err != nil {
				e.logger.Warn("queued playback failed", zap.Uint32("handle", uint32(h)), zap.Error(err))
			}
			if err := e.FreeSamples(h); err != nil {
				e.logger.Debug("queued samples already released", zap.Uint32("handle", uint32(h)), zap.Error(err))
			}
		}
	}
}

// Close frees every buffer and terminates the backend. Further calls are no-ops.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	metrics.UploadedBuffers.Sub(float64(len(e.samples)))
	e.samples = make(map[Handle]*sampleData)
	e.mu.Unlock()

	if err := e.backend.Terminate(); err != nil {
		return fmt.Errorf("failed to terminate audio backend: %w", err)
	}
	return nil
}

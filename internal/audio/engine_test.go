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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func newTestEngine(t *testing.T, framesPerBuffer int) (*Engine, *MockAudioBackend) {
	t.Helper()
	backend := NewMockAudioBackend()
	engine, err := NewEngine(backend, zap.NewNop(), framesPerBuffer)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine, backend
}

func ramp(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i) / float32(n)
	}
	return out
}

func TestNewEngine(t *testing.T) {
	t.Run("initializes_backend", func(t *testing.T) {
		backend := NewMockAudioBackend()
		engine, err := NewEngine(backend, nil, 0)
		require.NoError(t, err)
		assert.True(t, backend.IsInitialized())
		assert.Equal(t, DefaultFramesPerBuffer, engine.framesPerBuffer)

		require.NoError(t, engine.Close())
		assert.False(t, backend.IsInitialized(), "close terminates the backend")
	})

	t.Run("init_error", func(t *testing.T) {
		backend := NewMockAudioBackend()
		backend.SetInitError(errors.New("no device"))

		engine, err := NewEngine(backend, nil, 0)
		assert.Nil(t, engine)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no device")
	})

	t.Run("nil_backend", func(t *testing.T) {
		_, err := NewEngine(nil, nil, 0)
		assert.Error(t, err)
	})
}

func TestEngine_UploadSamples(t *testing.T) {
	engine, _ := newTestEngine(t, 64)

	buf := ramp(100)
	h, err := engine.UploadSamples(buf, MonoFloat32(8000))
	require.NoError(t, err)
	assert.NotZero(t, h)
	assert.Equal(t, 1, engine.Count())

	// The engine keeps its own copy
	buf[0] = 42
	stored, format, err := engine.Samples(h)
	require.NoError(t, err)
	assert.Equal(t, float32(0), stored[0])
	assert.Equal(t, MonoFloat32(8000), format)

	h2, err := engine.UploadSamples(buf, MonoFloat32(8000))
	require.NoError(t, err)
	assert.NotEqual(t, h, h2, "handles are unique")
}

func TestEngine_UploadSamplesFormat(t *testing.T) {
	engine, _ := newTestEngine(t, 64)

	tests := []struct {
		name   string
		buf    []float32
		format SampleFormat
	}{
		{"int16_width", ramp(10), SampleFormat{Width: SampleWidthInt16, Channels: 1, SampleRate: 8000}},
		{"no_channels", ramp(10), SampleFormat{Width: SampleWidthFloat32, Channels: 0, SampleRate: 8000}},
		{"zero_rate", ramp(10), SampleFormat{Width: SampleWidthFloat32, Channels: 1, SampleRate: 0}},
		{"partial_frame", ramp(11), SampleFormat{Width: SampleWidthFloat32, Channels: 2, SampleRate: 8000}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := engine.UploadSamples(tt.buf, tt.format)
			assert.Zero(t, h)
			assert.ErrorIs(t, err, ErrUnsupportedFormat)
		})
	}
	assert.Zero(t, engine.Count())
}

func TestEngine_FreeSamples(t *testing.T) {
	engine, _ := newTestEngine(t, 64)

	h, err := engine.UploadSamples(ramp(10), MonoFloat32(8000))
	require.NoError(t, err)

	require.NoError(t, engine.FreeSamples(h))
	assert.Zero(t, engine.Count())

	assert.ErrorIs(t, engine.FreeSamples(h), ErrUnknownHandle)
	_, _, err = engine.Samples(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestEngine_Play(t *testing.T) {
	engine, backend := newTestEngine(t, 64)

	buf := ramp(150)
	h, err := engine.UploadSamples(buf, MonoFloat32(8000))
	require.NoError(t, err)

	require.NoError(t, engine.Play(context.Background(), h))

	chunks := backend.GetPlaybackAudioData()
	require.Len(t, chunks, 3, "150 samples in 64-frame chunks")
	for _, c := range chunks {
		assert.Len(t, c, 64)
	}

	played := backend.PlayedSamples()
	assert.Equal(t, buf, played[:150])
	for i, v := range played[150:] {
		assert.Zero(t, v, "padding sample %d", i)
	}
	assert.Zero(t, backend.OpenStreams(), "stream closed after playback")
}

func TestEngine_PlayEmptyBuffer(t *testing.T) {
	engine, backend := newTestEngine(t, 64)

	h, err := engine.UploadSamples(nil, MonoFloat32(8000))
	require.NoError(t, err)

	require.NoError(t, engine.Play(context.Background(), h))
	assert.Empty(t, backend.GetPlaybackAudioData())
	assert.Zero(t, backend.OpenStreams())
}

func TestEngine_PlayUnknownHandle(t *testing.T) {
	engine, _ := newTestEngine(t, 64)
	assert.ErrorIs(t, engine.Play(context.Background(), 99), ErrUnknownHandle)
}

func TestEngine_PlayCancelled(t *testing.T) {
	engine, backend := newTestEngine(t, 64)
	backend.SetSimulateRealTiming(true)

	// Two seconds of audio at 8 kHz
	h, err := engine.UploadSamples(make([]float32, 16000), MonoFloat32(8000))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	err = engine.Play(ctx, h)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(started), time.Second)
	assert.Zero(t, backend.OpenStreams(), "stream released on cancellation")
}

func TestEngine_PlayStreamErrors(t *testing.T) {
	t.Run("create_error", func(t *testing.T) {
		engine, backend := newTestEngine(t, 64)
		backend.SetCreateStreamError(errors.New("device busy"))

		h, err := engine.UploadSamples(ramp(10), MonoFloat32(8000))
		require.NoError(t, err)

		err = engine.Play(context.Background(), h)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "device busy")
	})

	t.Run("write_error_releases_stream", func(t *testing.T) {
		backend := &faultyStreamBackend{MockAudioBackend: NewMockAudioBackend(), writeErr: errors.New("underrun")}
		engine, err := NewEngine(backend, zap.NewNop(), 64)
		require.NoError(t, err)
		defer func() { _ = engine.Close() }()

		h, err := engine.UploadSamples(ramp(10), MonoFloat32(8000))
		require.NoError(t, err)

		err = engine.Play(context.Background(), h)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "underrun")
		assert.Zero(t, backend.OpenStreams())
	})

	t.Run("stop_and_close_errors_are_logged", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		backend := &faultyStreamBackend{
			MockAudioBackend: NewMockAudioBackend(),
			stopErr:          errors.New("stop timeout"),
			closeErr:         errors.New("close timeout"),
		}
		engine, err := NewEngine(backend, zap.New(core), 64)
		require.NoError(t, err)
		defer func() { _ = engine.Close() }()

		h, err := engine.UploadSamples(ramp(100), MonoFloat32(8000))
		require.NoError(t, err)

		require.NoError(t, engine.Play(context.Background(), h), "teardown failures do not fail playback")
		assert.Len(t, backend.PlayedSamples(), 128)

		require.Equal(t, 2, logs.Len())
		entries := logs.All()
		assert.Equal(t, "failed to stop output stream", entries[0].Message)
		assert.Equal(t, "failed to close output stream", entries[1].Message)
	})
}

// faultyStreamBackend hands out streams that fail the configured operations
type faultyStreamBackend struct {
	*MockAudioBackend
	writeErr error
	stopErr  error
	closeErr error
}

func (f *faultyStreamBackend) CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error) {
	stream, err := f.MockAudioBackend.CreateOutputStream(sampleRate, channels, bufferSize)
	if err != nil {
		return nil, err
	}
	mock := stream.(*MockStream)
	if f.writeErr != nil {
		mock.SetWriteError(f.writeErr)
	}
	if f.stopErr != nil {
		mock.SetStopError(f.stopErr)
	}
	if f.closeErr != nil {
		mock.SetCloseError(f.closeErr)
	}
	return mock, nil
}

func TestEngine_Close(t *testing.T) {
	backend := NewMockAudioBackend()
	engine, err := NewEngine(backend, nil, 64)
	require.NoError(t, err)

	h, err := engine.UploadSamples(ramp(10), MonoFloat32(8000))
	require.NoError(t, err)

	require.NoError(t, engine.Close())
	assert.Zero(t, engine.Count())
	assert.NoError(t, engine.Close(), "second close is a no-op")

	_, err = engine.UploadSamples(ramp(10), MonoFloat32(8000))
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, engine.Play(context.Background(), h), ErrEngineClosed)
}

func TestEngine_CloseTerminateError(t *testing.T) {
	backend := NewMockAudioBackend()
	engine, err := NewEngine(backend, nil, 64)
	require.NoError(t, err)

	backend.SetTerminateError(errors.New("stuck"))
	err = engine.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stuck")
}

func TestSampleWidthString(t *testing.T) {
	assert.Equal(t, "float32", SampleWidthFloat32.String())
	assert.Equal(t, "int16", SampleWidthInt16.String())
	assert.Equal(t, "SampleWidth(9)", SampleWidth(9).String())
}

func TestEngine_RunPlayback(t *testing.T) {
	engine, backend := newTestEngine(t, 32)

	queue := make(chan Handle, 4)
	for i := 0; i < 3; i++ {
		h, err := engine.UploadSamples(ramp(32), MonoFloat32(8000))
		require.NoError(t, err)
		queue <- h
	}
	queue <- 999 // unknown handles are logged and skipped
	close(queue)

	done := make(chan struct{})
	go func() {
		engine.RunPlayback(context.Background(), queue)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunPlayback did not return after the queue closed")
	}

	assert.Len(t, backend.GetPlaybackAudioData(), 3)
	assert.Zero(t, engine.Count(), "played buffers are freed")
}

func TestEngine_RunPlaybackStopsOnContext(t *testing.T) {
	engine, _ := newTestEngine(t, 32)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.RunPlayback(ctx, make(chan Handle))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunPlayback ignored cancellation")
	}
}

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
	"errors"
	"fmt"
)

// AudioBackend provides an abstraction layer for audio output.
// This enables dependency injection and makes testing hardware-independent
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// CreateOutputStream creates an output stream for playback
	CreateOutputStream(sampleRate float64, channels, bufferSize int) (StreamInterface, error)
}

// StreamInterface abstracts audio output stream operations
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// Write one buffer of interleaved samples to the stream
	Write(data []float32) error

	// IsActive returns true if the stream is currently active
	IsActive() bool
}

// SampleWidth is the storage type of a single PCM sample.
type SampleWidth uint8

const (
	SampleWidthFloat32 SampleWidth = iota + 1
	SampleWidthInt16
)

func (w SampleWidth) String() string {
	switch w {
	case SampleWidthFloat32:
		return "float32"
	case SampleWidthInt16:
		return "int16"
	default:
		return fmt.Sprintf("SampleWidth(%d)", uint8(w))
	}
}

// SampleFormat declares how an uploaded buffer is to be interpreted.
type SampleFormat struct {
	Width      SampleWidth
	Channels   int
	SampleRate float64
}

// MonoFloat32 is the format produced by the tone generator.
func MonoFloat32(sampleRate float64) SampleFormat {
	return SampleFormat{
		Width:      SampleWidthFloat32,
		Channels:   1,
		SampleRate: sampleRate,
	}
}

// Validate checks that the engine can play the format.
func (f SampleFormat) Validate() error {
	if f.Width != SampleWidthFloat32 {
		return fmt.Errorf("%w: sample width %s", ErrUnsupportedFormat, f.Width)
	}
	if f.Channels < 1 {
		return fmt.Errorf("%w: %d channels", ErrUnsupportedFormat, f.Channels)
	}
	if f.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %v", ErrUnsupportedFormat, f.SampleRate)
	}
	return nil
}

// Handle identifies a sample buffer held by an Engine. Zero is never a valid handle.
type Handle uint32

var (
	ErrUnsupportedFormat = errors.New("unsupported sample format")
	ErrUnknownHandle     = errors.New("unknown sample handle")
	ErrEngineClosed      = errors.New("audio engine closed")
)

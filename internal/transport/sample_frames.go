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

package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
)

// SamplesPerFrame is the number of float32 samples that fit in one frame.
const SamplesPerFrame = MaxDataSize / 4

// endPayloadSize is the size of the format descriptor carried by FrameTypeSamplesEnd.
const endPayloadSize = 16

// ErrRemote wraps the message of an error frame.
var ErrRemote = errors.New("remote error")

// EncodeSamples splits samples into FrameTypeSamples frames followed by one
// FrameTypeSamplesEnd frame describing the format and total sample count.
// Samples are little-endian IEEE-754 float32.
func EncodeSamples(requestID uint32, timestamp uint64, samples []float32, format audio.SampleFormat) ([]*Frame, error) {
	if err := format.Validate(); err != nil {
		return nil, err
	}
	if uint64(len(samples)) > math.MaxUint32 {
		return nil, fmt.Errorf("too many samples to encode: %d", len(samples))
	}

	frameCount := (len(samples) + SamplesPerFrame - 1) / SamplesPerFrame
	frames := make([]*Frame, 0, frameCount+1)

	var seq uint32
	for offset := 0; offset < len(samples); offset += SamplesPerFrame {
		end := min(offset+SamplesPerFrame, len(samples))
		chunk := samples[offset:end]

		data := make([]byte, 4*len(chunk))
		for i, s := range chunk {
			binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(s))
		}
		frames = append(frames, NewFrame(FrameTypeSamples, requestID, seq, timestamp, data))
		seq++
	}

	end := make([]byte, endPayloadSize)
	binary.BigEndian.PutUint64(end[0:8], math.Float64bits(format.SampleRate))
	binary.BigEndian.PutUint16(end[8:10], uint16(format.Channels)) //nolint:gosec // G115: channel counts are small
	end[10] = uint8(format.Width)
	binary.BigEndian.PutUint32(end[12:16], uint32(len(samples))) //nolint:gosec // G115: checked above
	frames = append(frames, NewFrame(FrameTypeSamplesEnd, requestID, seq, timestamp, end))

	return frames, nil
}

// EncodeError builds an error frame carrying msg, truncated to fit one frame.
func EncodeError(requestID uint32, timestamp uint64, msg string) *Frame {
	data := []byte(msg)
	if len(data) > MaxDataSize {
		data = data[:MaxDataSize]
	}
	return NewFrame(FrameTypeError, requestID, 0, timestamp, data)
}

// SampleAssembler reassembles the frames of one request in arrival order.
type SampleAssembler struct {
	requestID uint32
	started   bool
	next      uint32
	samples   []float32
	format    audio.SampleFormat
	done      bool
}

// Add consumes one frame. It returns true once the end frame has been accepted.
func (a *SampleAssembler) Add(frame *Frame) (bool, error) {
	if a.done {
		return true, fmt.Errorf("frame %d after end of request %d", frame.Sequence, a.requestID)
	}
	if !a.started {
		a.requestID = frame.RequestID
		a.started = true
	} else if frame.RequestID != a.requestID {
		return false, fmt.Errorf("frame for request %d mixed into request %d", frame.RequestID, a.requestID)
	}

	if frame.Type == FrameTypeError {
		return false, fmt.Errorf("%w: %s", ErrRemote, string(frame.Data))
	}

	if frame.Sequence != a.next {
		return false, fmt.Errorf("out of order frame: got sequence %d, expected %d", frame.Sequence, a.next)
	}

	switch frame.Type {
	case FrameTypeSamples:
		if len(frame.Data)%4 != 0 {
			return false, fmt.Errorf("sample frame %d has %d bytes, not a multiple of 4", frame.Sequence, len(frame.Data))
		}
		for i := 0; i < len(frame.Data); i += 4 {
			a.samples = append(a.samples, math.Float32frombits(binary.LittleEndian.Uint32(frame.Data[i:])))
		}
	case FrameTypeSamplesEnd:
		if len(frame.Data) != endPayloadSize {
			return false, fmt.Errorf("end frame payload is %d bytes (expected %d)", len(frame.Data), endPayloadSize)
		}
		a.format = audio.SampleFormat{
			SampleRate: math.Float64frombits(binary.BigEndian.Uint64(frame.Data[0:8])),
			Channels:   int(binary.BigEndian.Uint16(frame.Data[8:10])),
			Width:      audio.SampleWidth(frame.Data[10]),
		}
		total := binary.BigEndian.Uint32(frame.Data[12:16])
		if uint64(total) != uint64(len(a.samples)) {
			return false, fmt.Errorf("sample count mismatch: end frame says %d, received %d", total, len(a.samples))
		}
		a.done = true
	default:
		return false, fmt.Errorf("unexpected frame type %s", frame.Type)
	}

	a.next++
	return a.done, nil
}

// Result returns the reassembled samples once the end frame was seen.
func (a *SampleAssembler) Result() ([]float32, audio.SampleFormat, error) {
	if !a.done {
		return nil, audio.SampleFormat{}, fmt.Errorf("request %d incomplete after %d frames", a.requestID, a.next)
	}
	if a.samples == nil {
		return []float32{}, a.format, nil
	}
	return a.samples, a.format, nil
}

// DecodeSamples reassembles a complete, ordered list of frames.
func DecodeSamples(frames []*Frame) ([]float32, audio.SampleFormat, error) {
	var a SampleAssembler
	for _, frame := range frames {
		if _, err := a.Add(frame); err != nil {
			return nil, audio.SampleFormat{}, err
		}
	}
	return a.Result()
}

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

package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/tone"
	"github.com/loqalabs/loqa-tone-go/internal/transport"
)

type fakeQueue struct {
	capacity int
	handles  []audio.Handle
}

func (q *fakeQueue) Offer(h audio.Handle) bool {
	if len(q.handles) >= q.capacity {
		return false
	}
	q.handles = append(q.handles, h)
	return true
}

func newTestServer(t *testing.T, queue Queue) (*httptest.Server, *audio.Engine) {
	t.Helper()
	engine, err := audio.NewEngine(audio.NewMockAudioBackend(), zap.NewNop(), 64)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	ts := httptest.NewServer(New(engine, queue, zap.NewNop()).Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

func postTone(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/v1/tones", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode[map[string]string](t, resp)["status"])
}

func TestMetrics(t *testing.T) {
	ts, _ := newTestServer(t, nil)
	postTone(t, ts, `{"frequency":440,"amplitude":0.5,"sample_rate":8000,"length":80}`)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body bytes.Buffer
	_, err = body.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body.String(), "loqa_tone_samples_generated_total")
}

func TestCreateTone(t *testing.T) {
	ts, engine := newTestServer(t, nil)

	resp := postTone(t, ts, `{"request_id":"abc","frequency":1000,"amplitude":0.5,"sample_rate":4000,"length":400}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode[toneResponse](t, resp)
	assert.Equal(t, "abc", body.RequestID)
	assert.NotZero(t, body.Handle)
	assert.Equal(t, 400, body.Samples)
	assert.Equal(t, 4000.0, body.SampleRate)
	assert.Equal(t, 1, body.Channels)
	assert.Equal(t, "float32", body.Width)
	assert.InDelta(t, 0.5, body.Peak, 1e-6)
	assert.InDelta(t, 100.0, body.DurationMS, 1e-9)
	assert.False(t, body.Queued)

	stored, _, err := engine.Samples(audio.Handle(body.Handle))
	require.NoError(t, err)
	expected, err := tone.Generate(tone.SineWaveSpec{Frequency: 1000, Amplitude: 0.5, SampleRate: 4000, Length: 400})
	require.NoError(t, err)
	assert.Equal(t, expected, stored)
}

func TestCreateTone_AssignsRequestID(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postTone(t, ts, `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":0}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode[toneResponse](t, resp)
	assert.Len(t, body.RequestID, 36)
	assert.Zero(t, body.Samples)
}

func TestCreateTone_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed_json", `{"frequency":`},
		{"zero_sample_rate", `{"frequency":440,"amplitude":1,"sample_rate":0,"length":10}`},
		{"negative_sample_rate", `{"frequency":440,"amplitude":1,"sample_rate":-8000,"length":10}`},
		{"negative_length", `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":-5}`},
		{"length_over_max", `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":1000000000}`},
		{"oversized_body", `{"request_id":"` + strings.Repeat("x", maxRequestBytes) + `","frequency":440,"amplitude":1,"sample_rate":8000,"length":10}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, engine := newTestServer(t, nil)

			resp := postTone(t, ts, tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])
			assert.Zero(t, engine.Count())
		})
	}
}

func TestCreateTone_Play(t *testing.T) {
	t.Run("queued", func(t *testing.T) {
		queue := &fakeQueue{capacity: 1}
		ts, _ := newTestServer(t, queue)

		resp := postTone(t, ts, `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":10,"play":true}`)
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		body := decode[toneResponse](t, resp)
		assert.True(t, body.Queued)
		assert.Equal(t, []audio.Handle{audio.Handle(body.Handle)}, queue.handles)
	})

	t.Run("queue_full", func(t *testing.T) {
		queue := &fakeQueue{capacity: 0}
		ts, engine := newTestServer(t, queue)

		resp := postTone(t, ts, `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":10,"play":true}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Zero(t, engine.Count(), "dropped tone is released")
	})

	t.Run("no_queue", func(t *testing.T) {
		ts, engine := newTestServer(t, nil)

		resp := postTone(t, ts, `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":10,"play":true}`)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Zero(t, engine.Count())
	})
}

func TestGetTone(t *testing.T) {
	ts, engine := newTestServer(t, nil)
	h, err := engine.UploadSamples([]float32{0, 0.25, -0.75}, audio.MonoFloat32(3000))
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/v1/tones/%d", ts.URL, h))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[toneResponse](t, resp)
	assert.Equal(t, uint32(h), body.Handle)
	assert.Equal(t, 3, body.Samples)
	assert.InDelta(t, 0.75, body.Peak, 1e-6)
	assert.InDelta(t, 1.0, body.DurationMS, 1e-9)
}

func TestGetTone_Errors(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	tests := []struct {
		path   string
		status int
	}{
		{"/v1/tones/999", http.StatusNotFound},
		{"/v1/tones/0", http.StatusBadRequest},
		{"/v1/tones/abc", http.StatusBadRequest},
		{"/v1/tones/99999999999", http.StatusBadRequest},
		{"/v1/tones/999/frames", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestGetFrames(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	created := decode[toneResponse](t, postTone(t, ts, `{"frequency":440,"amplitude":0.8,"sample_rate":16000,"length":2000}`))

	resp, err := http.Get(fmt.Sprintf("%s/v1/tones/%d/frames", ts.URL, created.Handle))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/octet-stream", resp.Header.Get("Content-Type"))

	var assembler transport.SampleAssembler
	for {
		frame, err := transport.ReadFrame(resp.Body)
		require.NoError(t, err)
		done, err := assembler.Add(frame)
		require.NoError(t, err)
		if done {
			break
		}
	}
	samples, format, err := assembler.Result()
	require.NoError(t, err)

	expected, err := tone.Generate(tone.SineWaveSpec{Frequency: 440, Amplitude: 0.8, SampleRate: 16000, Length: 2000})
	require.NoError(t, err)
	assert.Equal(t, expected, samples)
	assert.Equal(t, audio.MonoFloat32(16000), format)
}

func TestDeleteTone(t *testing.T) {
	ts, engine := newTestServer(t, nil)
	h, err := engine.UploadSamples([]float32{1}, audio.MonoFloat32(8000))
	require.NoError(t, err)

	del := func() int {
		req, err := http.NewRequest(http.MethodDelete, fmt.Sprintf("%s/v1/tones/%d", ts.URL, h), nil)
		require.NoError(t, err)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNoContent, del())
	assert.Zero(t, engine.Count())
	assert.Equal(t, http.StatusNotFound, del(), "second delete finds nothing")
}

func TestEngineClosed(t *testing.T) {
	ts, engine := newTestServer(t, nil)
	require.NoError(t, engine.Close())

	resp := postTone(t, ts, `{"frequency":440,"amplitude":1,"sample_rate":8000,"length":10}`)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/v1/tones", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

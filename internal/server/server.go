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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/metrics"
	"github.com/loqalabs/loqa-tone-go/internal/tone"
	"github.com/loqalabs/loqa-tone-go/internal/transport"
)

// SampleStore is the part of the engine the HTTP API needs.
type SampleStore interface {
	tone.SampleUploader
	Samples(h audio.Handle) ([]float32, audio.SampleFormat, error)
}

// Queue accepts uploaded handles for playback without blocking.
type Queue interface {
	Offer(h audio.Handle) bool
}

// maxRequestBytes bounds a tone request body.
const maxRequestBytes = 64 << 10

// Server exposes tone generation over HTTP.
type Server struct {
	store  SampleStore
	queue  Queue
	logger *zap.Logger
}

type toneResponse struct {
	RequestID  string  `json:"request_id,omitempty"`
	Handle     uint32  `json:"handle"`
	Samples    int     `json:"samples"`
	SampleRate float64 `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Width      string  `json:"width"`
	Peak       float32 `json:"peak"`
	DurationMS float64 `json:"duration_ms"`
	Queued     bool    `json:"queued,omitempty"`
}

// New creates a server. queue may be nil, in which case play requests are rejected.
func New(store SampleStore, queue Queue, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, queue: queue, logger: logger}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)
	r.Use(s.logRequests)
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1/tones", func(r chi.Router) {
		r.Post("/", s.createTone)
		r.Route("/{handle}", func(r chi.Router) {
			r.Get("/", s.getTone)
			r.Get("/frames", s.getFrames)
			r.Delete("/", s.deleteTone)
		})
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		started := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(started)),
			zap.String("request_id", chimw.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createTone handles POST /v1/tones.
func (s *Server) createTone(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var req tone.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.InvalidRequestsTotal.WithLabelValues(metrics.SourceHTTP).Inc()
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Play && s.queue == nil {
		writeError(w, http.StatusServiceUnavailable, "playback is not available")
		return
	}

	rendered, err := tone.Render(req.Spec(), s.store, metrics.SourceHTTP)
	switch {
	case errors.Is(err, tone.ErrInvalidParameter):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("failed to render tone", zap.String("request_id", req.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to render tone")
		return
	}

	resp := describe(rendered.Handle, rendered.Samples, rendered.Format)
	resp.RequestID = req.ID

	if req.Play {
		if !s.queue.Offer(rendered.Handle) {
			metrics.PlaybackQueueDroppedTotal.Inc()
			if err := s.store.FreeSamples(rendered.Handle); err != nil {
				s.logger.Warn("failed to free dropped tone", zap.Error(err))
			}
			writeError(w, http.StatusServiceUnavailable, "playback queue full")
			return
		}
		resp.Queued = true
	}

	s.logger.Info("created tone",
		zap.String("request_id", req.ID),
		zap.Uint32("handle", uint32(rendered.Handle)),
		zap.Int("samples", resp.Samples),
		zap.Bool("queued", resp.Queued),
	)
	writeJSON(w, http.StatusCreated, resp)
}

// getTone handles GET /v1/tones/{handle}.
func (s *Server) getTone(w http.ResponseWriter, r *http.Request) {
	h, samples, format, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describe(h, samples, format))
}

// getFrames handles GET /v1/tones/{handle}/frames, streaming the samples
// in the binary frame format.
func (s *Server) getFrames(w http.ResponseWriter, r *http.Request) {
	h, samples, format, ok := s.lookup(w, r)
	if !ok {
		return
	}
	frames, err := transport.EncodeSamples(uint32(h), uint64(time.Now().UnixMicro()), samples, format) //nolint:gosec // G115: wall clock is after 1970
	if err != nil {
		s.logger.Error("failed to encode frames", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to encode frames")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if err := transport.WriteFrames(w, frames); err != nil {
		s.logger.Warn("failed to write frames", zap.Error(err))
	}
}

// deleteTone handles DELETE /v1/tones/{handle}.
func (s *Server) deleteTone(w http.ResponseWriter, r *http.Request) {
	h, ok := parseHandle(w, r)
	if !ok {
		return
	}
	if err := s.store.FreeSamples(h); err != nil {
		s.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (audio.Handle, []float32, audio.SampleFormat, bool) {
	h, ok := parseHandle(w, r)
	if !ok {
		return 0, nil, audio.SampleFormat{}, false
	}
	samples, format, err := s.store.Samples(h)
	if err != nil {
		s.writeStoreError(w, err)
		return 0, nil, audio.SampleFormat{}, false
	}
	return h, samples, format, true
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audio.ErrUnknownHandle):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, audio.ErrEngineClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("sample store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseHandle(w http.ResponseWriter, r *http.Request) (audio.Handle, bool) {
	raw := chi.URLParam(r, "handle")
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || v == 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid handle %q", raw))
		return 0, false
	}
	return audio.Handle(v), true
}

func describe(h audio.Handle, samples []float32, format audio.SampleFormat) toneResponse {
	resp := toneResponse{
		Handle:     uint32(h),
		Samples:    len(samples),
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Width:      format.Width.String(),
		Peak:       tone.Peak(samples),
	}
	if format.SampleRate > 0 && format.Channels > 0 {
		resp.DurationMS = float64(len(samples)/format.Channels) / format.SampleRate * 1000
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

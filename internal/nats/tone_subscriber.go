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

package nats

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/metrics"
	"github.com/loqalabs/loqa-tone-go/internal/tone"
	"github.com/loqalabs/loqa-tone-go/internal/transport"
)

// BroadcastSubject receives tone requests addressed to every service.
const BroadcastSubject = "tone.broadcast"

// ServiceSubject returns the subject for requests addressed to one service.
func ServiceSubject(serviceID string) string {
	return fmt.Sprintf("tone.%s", serviceID)
}

// ToneNATSConnection interface for dependency injection
type ToneNATSConnection interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
	Publish(subject string, data []byte) error
	Close()
}

// ToneNATSConnectionAdapter adapts *nats.Conn to ToneNATSConnection interface
type ToneNATSConnectionAdapter struct {
	conn *nats.Conn
}

func NewToneNATSConnectionAdapter(conn *nats.Conn) *ToneNATSConnectionAdapter {
	return &ToneNATSConnectionAdapter{conn: conn}
}

func (r *ToneNATSConnectionAdapter) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	return r.conn.Subscribe(subject, cb)
}

func (r *ToneNATSConnectionAdapter) Publish(subject string, data []byte) error {
	return r.conn.Publish(subject, data)
}

func (r *ToneNATSConnectionAdapter) Close() {
	r.conn.Close()
}

// PlaybackQueue carries uploaded tone handles to the playback worker
type PlaybackQueue struct {
	playbackCh chan audio.Handle
	capacity   int
}

// NewPlaybackQueue creates a new playback queue
func NewPlaybackQueue(capacity int) *PlaybackQueue {
	return &PlaybackQueue{
		playbackCh: make(chan audio.Handle, capacity),
		capacity:   capacity,
	}
}

// GetPlaybackChannel returns the channel for tone playback
func (q *PlaybackQueue) GetPlaybackChannel() <-chan audio.Handle {
	return q.playbackCh
}

// Offer queues h without blocking and reports whether it was accepted
func (q *PlaybackQueue) Offer(h audio.Handle) bool {
	select {
	case q.playbackCh <- h:
		return true
	default:
		return false
	}
}

// ToneSubscriber handles NATS subscriptions for tone requests
type ToneSubscriber struct {
	natsConn  ToneNATSConnection
	serviceID string
	queue     *PlaybackQueue
	uploader  tone.SampleUploader
	logger    *zap.Logger
	frameID   atomic.Uint32
}

// NewToneSubscriber connects to NATS, retrying a few times, and returns a subscriber
func NewToneSubscriber(natsURL, serviceID string, queueCapacity int, uploader tone.SampleUploader, logger *zap.Logger) (*ToneSubscriber, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var nc *nats.Conn
	var err error

	for i := 0; i < 5; i++ {
		nc, err = nats.Connect(natsURL, nats.Name("loqa-tone-"+serviceID))
		if err == nil {
			break
		}
		logger.Warn("failed to connect to NATS",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", 5),
			zap.Error(err),
		)
		time.Sleep(2 * time.Second)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after 5 attempts: %w", err)
	}

	logger.Info("connected to NATS", zap.String("url", natsURL))

	return NewToneSubscriberWithConnection(NewToneNATSConnectionAdapter(nc), serviceID, queueCapacity, uploader, logger), nil
}

// NewToneSubscriberWithConnection creates a subscriber over an existing connection (for testing)
func NewToneSubscriberWithConnection(natsConn ToneNATSConnection, serviceID string, queueCapacity int, uploader tone.SampleUploader, logger *zap.Logger) *ToneSubscriber {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToneSubscriber{
		natsConn:  natsConn,
		serviceID: serviceID,
		queue:     NewPlaybackQueue(queueCapacity),
		uploader:  uploader,
		logger:    logger,
	}
}

// Start begins listening for tone requests
func (ts *ToneSubscriber) Start() error {
	serviceTopic := ServiceSubject(ts.serviceID)
	if _, err := ts.natsConn.Subscribe(serviceTopic, ts.handleToneRequest); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", serviceTopic, err)
	}

	if _, err := ts.natsConn.Subscribe(BroadcastSubject, ts.handleToneRequest); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", BroadcastSubject, err)
	}

	ts.logger.Info("subscribed to tone topics",
		zap.String("service", serviceTopic),
		zap.String("broadcast", BroadcastSubject),
	)
	return nil
}

// handleToneRequest generates the requested tone, queues it for playback if
// asked to, and answers on the reply subject with sample frames.
func (ts *ToneSubscriber) handleToneRequest(msg *nats.Msg) {
	frameID := ts.frameID.Add(1)

	var req tone.Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		metrics.InvalidRequestsTotal.WithLabelValues(metrics.SourceNATS).Inc()
		ts.logger.Warn("failed to unmarshal tone request", zap.String("subject", msg.Subject), zap.Error(err))
		ts.replyError(msg.Reply, frameID, fmt.Errorf("malformed tone request: %w", err))
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	var uploader tone.SampleUploader
	if req.Play && ts.uploader != nil {
		uploader = ts.uploader
	}

	rendered, err := tone.Render(req.Spec(), uploader, metrics.SourceNATS)
	if err != nil {
		ts.logger.Warn("rejected tone request", zap.String("request_id", req.ID), zap.Error(err))
		ts.replyError(msg.Reply, frameID, err)
		return
	}

	ts.logger.Info("generated tone",
		zap.String("request_id", req.ID),
		zap.String("subject", msg.Subject),
		zap.Float64("frequency", req.Frequency),
		zap.Int("samples", len(rendered.Samples)),
		zap.Float64("duration_s", rendered.Spec.Duration()),
		zap.Bool("play", req.Play),
	)

	if rendered.Handle != 0 {
		ts.enqueue(req.ID, rendered.Handle)
	}

	if msg.Reply != "" {
		ts.replySamples(msg.Reply, frameID, rendered)
	}
}

func (ts *ToneSubscriber) enqueue(requestID string, h audio.Handle) {
	if ts.queue.Offer(h) {
		ts.logger.Debug("queued tone for playback", zap.String("request_id", requestID))
		return
	}
	metrics.PlaybackQueueDroppedTotal.Inc()
	ts.logger.Warn("playback queue full, dropping tone", zap.String("request_id", requestID))
	if err := ts.uploader.FreeSamples(h); err != nil {
		ts.logger.Warn("failed to free dropped tone", zap.Error(err))
	}
}

func (ts *ToneSubscriber) replySamples(reply string, frameID uint32, rendered *tone.Rendered) {
	frames, err := transport.EncodeSamples(frameID, nowMicros(), rendered.Samples, rendered.Format)
	if err != nil {
		ts.replyError(reply, frameID, err)
		return
	}
	for _, frame := range frames {
		if !ts.publishFrame(reply, frame) {
			return
		}
	}
}

func (ts *ToneSubscriber) replyError(reply string, frameID uint32, cause error) {
	if reply == "" {
		return
	}
	ts.publishFrame(reply, transport.EncodeError(frameID, nowMicros(), cause.Error()))
}

func (ts *ToneSubscriber) publishFrame(subject string, frame *transport.Frame) bool {
	data, err := frame.Serialize()
	if err != nil {
		ts.logger.Error("failed to serialize reply frame", zap.Error(err))
		return false
	}
	if err := ts.natsConn.Publish(subject, data); err != nil {
		ts.logger.Warn("failed to publish reply frame",
			zap.String("subject", subject),
			zap.Uint32("sequence", frame.Sequence),
			zap.Error(err),
		)
		return false
	}
	return true
}

// GetPlaybackQueue returns the queue the playback worker drains
func (ts *ToneSubscriber) GetPlaybackQueue() *PlaybackQueue {
	return ts.queue
}

// Close closes the NATS connection
func (ts *ToneSubscriber) Close() {
	if ts.natsConn != nil {
		ts.natsConn.Close()
		ts.logger.Info("NATS connection closed")
	}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro()) //nolint:gosec // G115: wall clock is after 1970
}

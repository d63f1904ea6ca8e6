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

// Package app wires the tone generator, audio engine and front ends together.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/config"
	"github.com/loqalabs/loqa-tone-go/internal/nats"
	"github.com/loqalabs/loqa-tone-go/internal/server"
	"github.com/loqalabs/loqa-tone-go/internal/tone"
)

const shutdownTimeout = 5 * time.Second

// Run starts the service and blocks until ctx is cancelled or a front end
// fails. With neither NATS nor HTTP configured it returns once the startup
// tone has played.
func Run(ctx context.Context, cfg *config.Config, backend audio.AudioBackend, logger *zap.Logger) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var ln net.Listener
	if cfg.ListenAddr != "" {
		var err error
		ln, err = net.Listen("tcp", cfg.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
		}
	}
	return run(ctx, cfg, backend, logger, ln)
}

// run serves HTTP on ln when it is non-nil and owns closing it.
func run(ctx context.Context, cfg *config.Config, backend audio.AudioBackend, logger *zap.Logger, ln net.Listener) error {
	if ln != nil {
		defer ln.Close()
	}

	engine, err := audio.NewEngine(backend, logger, cfg.FramesPerBuffer)
	if err != nil {
		return err
	}
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("failed to close audio engine", zap.Error(err))
		}
	}()

	wave, err := tone.NewSineWave(cfg.Tone, engine, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := wave.Close(); err != nil {
			logger.Warn("failed to release tone", zap.Error(err))
		}
	}()

	logger.Info("tone ready",
		zap.Float64("frequency", wave.Frequency()),
		zap.Float64("amplitude", wave.Amplitude()),
		zap.Float64("sample_rate", wave.SampleRate()),
		zap.Int("length", wave.Length()),
		zap.Float64("duration_s", wave.Spec().Duration()),
		zap.Uint32("handle", uint32(wave.Handle())),
	)

	if cfg.Play {
		if err := PlayContinuous(ctx, engine, wave, cfg.Repeat); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	if cfg.NATSURL == "" && ln == nil {
		return nil
	}

	queue := nats.NewPlaybackQueue(cfg.QueueCapacity)
	if cfg.NATSURL != "" {
		sub, err := nats.NewToneSubscriber(cfg.NATSURL, cfg.ServiceID, cfg.QueueCapacity, engine, logger)
		if err != nil {
			return err
		}
		defer sub.Close()
		if err := sub.Start(); err != nil {
			return err
		}
		queue = sub.GetPlaybackQueue()
	}

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.RunPlayback(runCtx, queue.GetPlaybackChannel())
	}()

	if ln == nil {
		<-runCtx.Done()
		logger.Info("shutting down")
		return nil
	}

	srv := &http.Server{
		Handler:      server.New(engine, queue, logger).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 20 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP API listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-runCtx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("HTTP API failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", zap.Error(err))
	}
	return nil
}

// PlayContinuous plays wave repeat times, advancing its start angle after
// each buffer so consecutive buffers join without a phase jump.
func PlayContinuous(ctx context.Context, player Player, wave *tone.SineWave, repeat int) error {
	for i := 0; i < repeat; i++ {
		if err := player.Play(ctx, wave.Handle()); err != nil {
			return err
		}
		if i == repeat-1 {
			break
		}
		if err := wave.Advance(); err != nil {
			return err
		}
	}
	return nil
}

// Player plays uploaded buffers.
type Player interface {
	Play(ctx context.Context, h audio.Handle) error
}

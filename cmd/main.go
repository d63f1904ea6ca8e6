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

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-tone-go/internal/app"
	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/audio/hardware"
	"github.com/loqalabs/loqa-tone-go/internal/config"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		os.Exit(2)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting Loqa tone service",
		zap.String("id", cfg.ServiceID),
		zap.String("nats", cfg.NATSURL),
		zap.String("listen", cfg.ListenAddr),
		zap.Bool("mock_audio", cfg.Mock),
	)

	var backend audio.AudioBackend = hardware.NewPortAudioBackend()
	if cfg.Mock {
		backend = audio.NewMockAudioBackend()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg, backend, logger); err != nil {
		logger.Error("tone service failed", zap.Error(err))
		stop()
		_ = logger.Sync()
		os.Exit(1)
	}
	logger.Info("tone service stopped")
}

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

package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/loqalabs/loqa-tone-go/internal/audio"
	"github.com/loqalabs/loqa-tone-go/internal/tone"
)

// Config holds the service settings. Flags override environment variables,
// which override the defaults.
type Config struct {
	NATSURL         string
	ServiceID       string
	ListenAddr      string
	Tone            tone.SineWaveSpec
	Mock            bool
	Play            bool
	Repeat          int
	QueueCapacity   int
	FramesPerBuffer int
}

// Load parses args (without the program name) on top of environment defaults.
func Load(args []string) (*Config, error) {
	defaults := tone.DefaultSpec()
	cfg := &Config{}

	fs := flag.NewFlagSet("loqa-tone", flag.ContinueOnError)
	fs.StringVar(&cfg.NATSURL, "nats", getEnv("NATS_URL", ""), "NATS server URL (empty disables NATS)")
	fs.StringVar(&cfg.ServiceID, "id", getEnv("TONE_ID", "tone-001"), "Service ID used in the tone.<id> subject")
	fs.StringVar(&cfg.ListenAddr, "listen", getEnv("LISTEN_ADDR", ":8090"), "HTTP listen address (empty disables HTTP)")
	fs.Float64Var(&cfg.Tone.Frequency, "freq", getEnvFloat("TONE_FREQUENCY", defaults.Frequency), "Tone frequency in Hz")
	fs.Float64Var(&cfg.Tone.Amplitude, "amp", getEnvFloat("TONE_AMPLITUDE", defaults.Amplitude), "Tone amplitude")
	fs.Float64Var(&cfg.Tone.SampleRate, "rate", getEnvFloat("TONE_SAMPLE_RATE", defaults.SampleRate), "Sample rate in Hz")
	fs.IntVar(&cfg.Tone.Length, "length", getEnvInt("TONE_LENGTH", defaults.Length), "Tone length in samples")
	fs.Float64Var(&cfg.Tone.StartAngle, "angle", getEnvFloat("TONE_START_ANGLE", defaults.StartAngle), "Start angle in radians")
	fs.BoolVar(&cfg.Mock, "mock", getEnvBool("TONE_MOCK", false), "Use the in-memory audio backend instead of PortAudio")
	fs.BoolVar(&cfg.Play, "play", getEnvBool("TONE_PLAY", false), "Play the configured tone at startup")
	fs.IntVar(&cfg.Repeat, "repeat", getEnvInt("TONE_REPEAT", 1), "Number of phase-continuous buffers to play with -play")
	fs.IntVar(&cfg.QueueCapacity, "queue", getEnvInt("TONE_QUEUE", 10), "Playback queue capacity")
	fs.IntVar(&cfg.FramesPerBuffer, "frames", getEnvInt("TONE_FRAMES_PER_BUFFER", audio.DefaultFramesPerBuffer), "Frames per output buffer")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the tone and the service settings.
func (c *Config) Validate() error {
	if err := c.Tone.Validate(); err != nil {
		return err
	}
	if c.ServiceID == "" {
		return errors.New("service id must not be empty")
	}
	if c.Repeat < 1 {
		return fmt.Errorf("repeat must be at least 1, got %d", c.Repeat)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue capacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.FramesPerBuffer < 1 {
		return fmt.Errorf("frames per buffer must be at least 1, got %d", c.FramesPerBuffer)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for kernel components.
//
// Every component logs through an injected *Logger rather than a package
// global, so request-scoped attributes (request_id, stream_id, client_id)
// can be attached with With and threaded down call stacks.
//
// Default output is JSON on stderr. File logging is optional and additive:
// when LogDir is set, entries go to both stderr and a dated file under that
// directory.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Level is a logging verbosity level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

func (l Level) toSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls Logger construction.
type Config struct {
	// Level is the minimum level emitted.
	Level Level
	// LogDir, if non-empty, enables an additional file destination.
	// Supports a leading "~" for the user's home directory.
	LogDir string
	// Service names the process in every emitted record.
	Service string
	// Quiet suppresses the stderr destination (file-only logging).
	Quiet bool
}

// Logger wraps slog.Logger with an optional second file destination.
//
// Thread safety: Logger is safe for concurrent use. The file handle is
// protected by a mutex; the underlying slog handlers are themselves
// concurrency-safe.
type Logger struct {
	slog    *slog.Logger
	file    *os.File
	mu      sync.Mutex
	service string
}

// New builds a Logger from cfg. The returned Logger should be Close'd if
// cfg.LogDir is set, to flush and release the file handle.
func New(cfg Config) *Logger {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	l := &Logger{service: cfg.Service}

	if cfg.LogDir != "" {
		dir := expandPath(cfg.LogDir)
		if err := os.MkdirAll(dir, 0o755); err == nil {
			name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().UTC().Format("2006-01-02"))
			if f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				l.file = f
				writers = append(writers, f)
			}
		}
	}

	if len(writers) == 0 {
		writers = append(writers, io.Discard)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(writers...), &slog.HandlerOptions{
		Level: cfg.Level.toSlogLevel(),
	})
	l.slog = slog.New(handler).With("service", cfg.Service)
	return l
}

// Default returns a Logger at LevelInfo writing JSON to stderr only.
func Default() *Logger {
	return New(Config{Level: LevelInfo, Service: "kernel"})
}

func (l *Logger) Debug(msg string, args ...any) { l.slog.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.slog.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.slog.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.slog.Error(msg, args...) }

// With returns a Logger that attaches args to every subsequent record.
func (l *Logger) With(args ...any) *Logger {
	l.mu.Lock()
	defer l.mu.Unlock()
	return &Logger{slog: l.slog.With(args...), file: l.file, service: l.service}
}

// Slog exposes the underlying *slog.Logger for libraries that want it
// directly (e.g. a gin middleware adapter).
func (l *Logger) Slog() *slog.Logger { return l.slog }

// Close flushes and releases the file destination, if one was opened.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package logger provides structured logging utilities for vaultops.
// It defines standard log fields, builds the zap-backed logr.Logger used by the
// CLI, and wraps per-stage logging with elapsed-time helpers.
package logger

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Standard log field keys for consistent structured logging across the pipeline.
const (
	// KeyRunID identifies one bootstrap run
	KeyRunID = "runID"

	// KeyStage identifies the pipeline stage
	KeyStage = "stage"

	// KeyNode identifies the node a call targets
	KeyNode = "node"

	// KeyAddress is the API address of a node
	KeyAddress = "address"

	// KeyState is the classified node state
	KeyState = "state"

	// KeyVaultPath identifies the Vault path being accessed
	KeyVaultPath = "vaultPath"

	// KeyVaultPolicy identifies the Vault policy name
	KeyVaultPolicy = "vaultPolicy"

	// KeyOperation identifies the operation being performed
	KeyOperation = "operation"

	// KeyDuration records the time taken for an operation
	KeyDuration = "duration"

	// KeyResult is the tagged outcome of a stage
	KeyResult = "result"

	// KeyError includes error details
	KeyError = "error"

	// KeyRetryCount tracks retry attempts
	KeyRetryCount = "retryCount"
)

// Output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects the zap encoder and level.
type Config struct {
	// Level is one of debug, info, warn, error, or trace (V(2) and below).
	Level string
	// Format is console or json.
	Format string
}

// New builds a logr.Logger backed by zap.
func New(cfg Config) (logr.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return logr.Discard(), err
	}

	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case FormatJSON:
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	case "", FormatConsole:
		zcfg = zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zcfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		zcfg.DisableStacktrace = true
	default:
		return logr.Discard(), fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	zl, err := zcfg.Build()
	if err != nil {
		return logr.Discard(), fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// ParseLevel converts a level name to a zap level. logr V(n) maps to zap level -n.
func ParseLevel(lvl string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "trace":
		return zapcore.Level(-2), nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", lvl)
	}
}

// StageLogger wraps a logr.Logger with the stage name and its start time.
type StageLogger struct {
	logr.Logger
	startTime time.Time
}

// NewStageLogger creates a logger scoped to one pipeline stage.
func NewStageLogger(l logr.Logger, stage string) *StageLogger {
	return &StageLogger{
		Logger:    l.WithValues(KeyStage, stage),
		startTime: time.Now(),
	}
}

// WithNode returns a new logger with node context added.
func (s *StageLogger) WithNode(node string) *StageLogger {
	return &StageLogger{
		Logger:    s.Logger.WithValues(KeyNode, node),
		startTime: s.startTime,
	}
}

// Duration returns the elapsed time since the logger was created.
func (s *StageLogger) Duration() time.Duration {
	return time.Since(s.startTime)
}

// InfoWithDuration logs an info message with the elapsed duration.
func (s *StageLogger) InfoWithDuration(msg string, keysAndValues ...interface{}) {
	s.Info(msg, append(keysAndValues, KeyDuration, s.Duration().String())...)
}

// ErrorWithDuration logs an error with the elapsed duration.
func (s *StageLogger) ErrorWithDuration(err error, msg string, keysAndValues ...interface{}) {
	s.Error(err, msg, append(keysAndValues, KeyDuration, s.Duration().String())...)
}

// WithOperation adds operation context to an existing logger.
func WithOperation(l logr.Logger, op string) logr.Logger {
	return l.WithValues(KeyOperation, op)
}

// WithVaultPath adds Vault path context to an existing logger.
func WithVaultPath(l logr.Logger, path string) logr.Logger {
	return l.WithValues(KeyVaultPath, path)
}

// WithNode adds node context to an existing logger.
func WithNode(l logr.Logger, node string) logr.Logger {
	return l.WithValues(KeyNode, node)
}

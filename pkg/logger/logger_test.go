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

package logger

import (
	"errors"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"info", zapcore.InfoLevel, false},
		{"DEBUG", zapcore.DebugLevel, false},
		{"trace", zapcore.Level(-2), false},
		{" warning ", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"console default", Config{}, false},
		{"json debug", Config{Level: "debug", Format: FormatJSON}, false},
		{"unknown format", Config{Format: "xml"}, true},
		{"unknown level", Config{Level: "loud"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			l.Info("test message")
		})
	}
}

func TestStageLogger(t *testing.T) {
	l := NewStageLogger(logr.Discard(), "unseal")
	if l.startTime.IsZero() {
		t.Error("expected startTime to be set")
	}

	nodeLogger := l.WithNode("vault-1")
	if nodeLogger == l {
		t.Error("WithNode should return a new logger")
	}
	if nodeLogger.startTime != l.startTime {
		t.Error("WithNode should preserve startTime")
	}

	time.Sleep(time.Millisecond)
	if l.Duration() <= 0 {
		t.Errorf("expected duration > 0, got %v", l.Duration())
	}

	nodeLogger.InfoWithDuration("node unsealed")
	nodeLogger.ErrorWithDuration(errors.New("boom"), "node failed")
}

func TestHelperFunctions(t *testing.T) {
	base := logr.Discard()
	WithOperation(base, "init").Info("test message")
	WithVaultPath(base, "sys/init").Info("test message")
	WithNode(base, "vault-1").Info("test message")
}

/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package logging holds the process-wide zap logger shared by every package
// of the module. The level defaults to warn and can be changed with the
// BROTHER_LOG_LEVEL environment variable or SetLevel.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogLevel is read once at init.
const EnvLogLevel = "BROTHER_LOG_LEVEL"

// TraceLevel sits below zap's debug level and is used for per-round
// protocol traces.
const TraceLevel = zapcore.DebugLevel - 1

// OffLevel disables every message.
const OffLevel = zapcore.FatalLevel + 1

var (
	level = zap.NewAtomicLevelAt(zapcore.WarnLevel)

	mu   sync.RWMutex
	root *zap.Logger
)

func init() {
	if v := os.Getenv(EnvLogLevel); v != "" {
		if l, err := ParseLevel(v); err == nil {
			level.SetLevel(l)
		}
	}
}

// Config defines logger configuration.
type Config struct {
	Level       string // "trace", "debug", "info", "warn", "error", "off" or 0..5
	Development bool
	OutputPaths []string
}

// DefaultConfig returns the configuration used by L when nothing was set up.
// An empty Level keeps the current process-wide level.
func DefaultConfig() Config {
	return Config{
		OutputPaths: []string{"stderr"},
	}
}

// ParseLevel accepts zap level names, "trace", "off", and the numeric levels
// 0 (trace) to 5 (off).
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if n < 0 || n > 5 {
			return zapcore.InfoLevel, fmt.Errorf("log level %d out of range [0,5]", n)
		}
		if n == 5 {
			return OffLevel, nil
		}
		return TraceLevel + zapcore.Level(n), nil
	}
	switch s {
	case "trace":
		return TraceLevel, nil
	case "off", "none":
		return OffLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

// SetLevel changes the level of every logger derived from L.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// Level returns the current level.
func Level() zapcore.Level {
	return level.Level()
}

// New builds a logger sharing the process-wide atomic level. The level in
// cfg, when set, replaces the current one.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Level != "" {
		l, err := ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level.SetLevel(l)
	}
	if len(cfg.OutputPaths) == 0 {
		cfg.OutputPaths = []string{"stderr"}
	}

	encoding := "json"
	if cfg.Development {
		encoding = "console"
	}
	zapCfg := zap.Config{
		Level:             level,
		Development:       cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig(cfg.Development),
		OutputPaths:       cfg.OutputPaths,
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.Development,
	}
	return zapCfg.Build(zap.Fields(zap.Int("pid", os.Getpid())))
}

// Setup builds a logger from cfg and installs it as the root logger.
func Setup(cfg Config) (*zap.Logger, error) {
	l, err := New(cfg)
	if err != nil {
		return nil, err
	}
	ReplaceRoot(l)
	return l, nil
}

// ReplaceRoot installs l as the logger returned by L and Named.
func ReplaceRoot(l *zap.Logger) {
	mu.Lock()
	root = l
	mu.Unlock()
}

// L returns the root logger, building the default one on first use.
func L() *zap.Logger {
	mu.RLock()
	l := root
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if root == nil {
		built, err := New(Config{OutputPaths: []string{"stderr"}})
		if err != nil {
			built = zap.NewNop()
		}
		root = built
	}
	return root
}

// Trace writes msg at TraceLevel.
func Trace(l *zap.Logger, msg string, fields ...zap.Field) {
	if ce := l.Check(TraceLevel, msg); ce != nil {
		ce.Write(fields...)
	}
}

// Named returns a child of the root logger.
func Named(name string) *zap.Logger {
	return L().Named(name)
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder, color bool) {
	if l == TraceLevel {
		if color {
			enc.AppendString("\x1b[95mTRACE\x1b[0m")
		} else {
			enc.AppendString("trace")
		}
		return
	}
	if color {
		zapcore.CapitalColorLevelEncoder(l, enc)
		return
	}
	zapcore.LowercaseLevelEncoder(l, enc)
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		return zapcore.EncoderConfig{
			TimeKey:       "T",
			LevelKey:      "L",
			NameKey:       "N",
			CallerKey:     "C",
			FunctionKey:   zapcore.OmitKey,
			MessageKey:    "M",
			StacktraceKey: "S",
			LineEnding:    zapcore.DefaultLineEnding,
			EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
				encodeLevel(l, enc, true)
			},
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}
	}
	return zapcore.EncoderConfig{
		TimeKey:       "timestamp",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		FunctionKey:   zapcore.OmitKey,
		MessageKey:    "message",
		StacktraceKey: "stacktrace",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeLevel: func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
			encodeLevel(l, enc, false)
		},
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
}

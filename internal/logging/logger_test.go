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

package logging

import (
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type LoggerTestSuite struct {
	suite.Suite
	saved zapcore.Level
}

func (s *LoggerTestSuite) SetupTest() {
	s.saved = Level()
}

func (s *LoggerTestSuite) TearDownTest() {
	SetLevel(s.saved)
}

func (s *LoggerTestSuite) TestParseLevel() {
	cases := map[string]zapcore.Level{
		"trace": TraceLevel,
		"0":     TraceLevel,
		"1":     zapcore.DebugLevel,
		"2":     zapcore.InfoLevel,
		"3":     zapcore.WarnLevel,
		"4":     zapcore.ErrorLevel,
		"5":     OffLevel,
		"off":   OffLevel,
		"DEBUG": zapcore.DebugLevel,
		" warn": zapcore.WarnLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		s.Require().NoError(err, in)
		s.Equal(want, got, in)
	}

	_, err := ParseLevel("6")
	s.Error(err)
	_, err = ParseLevel("loud")
	s.Error(err)
}

func (s *LoggerTestSuite) TestTraceRespectsLevel() {
	core, logs := observer.New(level)
	l := zap.New(core)

	SetLevel(zapcore.DebugLevel)
	Trace(l, "hidden")
	s.Equal(0, logs.Len())

	SetLevel(TraceLevel)
	Trace(l, "shown", zap.Int("round", 1))
	s.Require().Equal(1, logs.Len())
	entry := logs.All()[0]
	s.Equal("shown", entry.Message)
	s.Equal(TraceLevel, entry.Level)
}

func (s *LoggerTestSuite) TestNewSharesLevel() {
	l, err := New(Config{Level: "error", Development: true})
	s.Require().NoError(err)
	s.Equal(zapcore.ErrorLevel, Level())
	s.False(l.Core().Enabled(zapcore.WarnLevel))

	SetLevel(zapcore.InfoLevel)
	s.True(l.Core().Enabled(zapcore.InfoLevel))
}

func (s *LoggerTestSuite) TestNamedUsesRoot() {
	core, logs := observer.New(zapcore.DebugLevel)
	ReplaceRoot(zap.New(core))
	defer ReplaceRoot(nil)

	Named("shm").Info("this is info")
	s.Require().Equal(1, logs.Len())
	s.Equal("shm", logs.All()[0].LoggerName)
}

func TestLoggerTestSuite(t *testing.T) {
	suite.Run(t, new(LoggerTestSuite))
}

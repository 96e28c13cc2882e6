// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		enabled zapcore.Level
		muted   zapcore.Level
	}{
		{"default", nil, zapcore.InfoLevel, zapcore.DebugLevel},
		{"debug terminal", &Config{Level: "debug", Style: StyleTerminal}, zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"warn json", &Config{Level: "WARN", Style: StyleJSON}, zapcore.WarnLevel, zapcore.InfoLevel},
		{"bad level", &Config{Level: "loud"}, zapcore.InfoLevel, zapcore.DebugLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.cfg)
			assert.True(t, logger.Core().Enabled(tt.enabled))
			assert.False(t, logger.Core().Enabled(tt.muted))
		})
	}
}

func TestNewLogger_Noop(t *testing.T) {
	logger := NewLogger(&Config{Style: StyleNoop})
	assert.False(t, logger.Core().Enabled(zapcore.ErrorLevel))
}

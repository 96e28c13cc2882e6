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

package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/antflydb/bertsum/pkg/bertsum"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/logging"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// session holds what a command works with. Its context is cancelled by
// SIGINT or SIGTERM.
type session struct {
	ctx    context.Context
	logger *zap.Logger
	runner *bertsum.Runner
	stop   func()
}

func newSession() (*session, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	// Create logger from config
	logger := logging.NewLogger(&logging.Config{
		Level: logging.Level(viper.GetString("log.level")),
		Style: logging.Style(viper.GetString("log.style")),
	})
	stop := func() {
		cancel()
		_ = logger.Sync()
	}

	runner, err := bertsum.NewRunner(configFromViper(), bertsum.WithLogger(logger))
	if err != nil {
		stop()
		return nil, err
	}
	return &session{ctx: ctx, logger: logger, runner: runner, stop: stop}, nil
}

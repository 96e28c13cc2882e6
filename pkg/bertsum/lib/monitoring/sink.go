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

// Package monitoring records training time series and text samples.
//
// Sinks receive scalars (learning rates, loss, memory) and text (sampled
// summaries) keyed by optimization step. Training never fails because of a
// sink: Recorder logs sink errors and carries on.
package monitoring

import (
	"errors"

	"go.uber.org/zap"
)

// Sink stores monitoring signals.
type Sink interface {
	AddScalar(tag string, value float64, step int) error
	// AddScalars records several series sharing a tag prefix.
	AddScalars(tag string, values map[string]float64, step int) error
	AddText(tag, text string, step int) error
	Close() error
}

type multi []Sink

// Multi fans every signal out to sinks. Errors are joined.
func Multi(sinks ...Sink) Sink {
	return multi(sinks)
}

func (m multi) AddScalar(tag string, value float64, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AddScalar(tag, value, step))
	}
	return errors.Join(errs...)
}

func (m multi) AddScalars(tag string, values map[string]float64, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AddScalars(tag, values, step))
	}
	return errors.Join(errs...)
}

func (m multi) AddText(tag, text string, step int) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.AddText(tag, text, step))
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Recorder forwards signals to a sink and logs, rather than returns, its
// failures.
type Recorder struct {
	sink   Sink
	logger *zap.Logger
}

// NewRecorder wraps sink. A nil sink records nothing.
func NewRecorder(sink Sink, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{sink: sink, logger: logger}
}

func (r *Recorder) Scalar(tag string, value float64, step int) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.AddScalar(tag, value, step); err != nil {
		r.logger.Warn("Failed to record scalar", zap.String("tag", tag), zap.Int("step", step), zap.Error(err))
	}
}

func (r *Recorder) Scalars(tag string, values map[string]float64, step int) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.AddScalars(tag, values, step); err != nil {
		r.logger.Warn("Failed to record scalars", zap.String("tag", tag), zap.Int("step", step), zap.Error(err))
	}
}

func (r *Recorder) Text(tag, text string, step int) {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.AddText(tag, text, step); err != nil {
		r.logger.Warn("Failed to record text", zap.String("tag", tag), zap.Int("step", step), zap.Error(err))
	}
}

// Close closes the sink, logging any error.
func (r *Recorder) Close() {
	if r == nil || r.sink == nil {
		return
	}
	if err := r.sink.Close(); err != nil {
		r.logger.Warn("Failed to close monitoring sink", zap.Error(err))
	}
}

// LogSink writes every signal to a zap logger at debug level, text samples
// at info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink returns a sink logging to logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) AddScalar(tag string, value float64, step int) error {
	s.logger.Debug("Scalar", zap.String("tag", tag), zap.Float64("value", value), zap.Int("step", step))
	return nil
}

func (s *LogSink) AddScalars(tag string, values map[string]float64, step int) error {
	fields := []zap.Field{zap.String("tag", tag), zap.Int("step", step)}
	for k, v := range values {
		fields = append(fields, zap.Float64(k, v))
	}
	s.logger.Debug("Scalars", fields...)
	return nil
}

func (s *LogSink) AddText(tag, text string, step int) error {
	s.logger.Info("Sample", zap.String("tag", tag), zap.Int("step", step), zap.String("text", text))
	return nil
}

func (s *LogSink) Close() error { return nil }

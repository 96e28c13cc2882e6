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

package monitoring

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// PrometheusSink exposes the latest value of every scalar as a gauge.
type PrometheusSink struct {
	scalars *prometheus.GaugeVec
	step    prometheus.Gauge
	texts   *prometheus.CounterVec
}

// NewPrometheusSink registers the training metrics with reg.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	factory := promauto.With(reg)
	return &PrometheusSink{
		scalars: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "bertsum_training_scalar",
				Help: "Latest value of a training time series",
			},
			[]string{"tag"},
		),
		step: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bertsum_training_step",
				Help: "Optimization step of the latest recorded signal",
			},
		),
		texts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bertsum_training_samples_total",
				Help: "Text samples recorded by tag",
			},
			[]string{"tag"},
		),
	}
}

func (s *PrometheusSink) AddScalar(tag string, value float64, step int) error {
	s.scalars.WithLabelValues(tag).Set(value)
	s.step.Set(float64(step))
	return nil
}

func (s *PrometheusSink) AddScalars(tag string, values map[string]float64, step int) error {
	for k, v := range values {
		s.scalars.WithLabelValues(tag + "/" + k).Set(v)
	}
	s.step.Set(float64(step))
	return nil
}

func (s *PrometheusSink) AddText(tag, _ string, step int) error {
	s.texts.WithLabelValues(tag).Inc()
	s.step.Set(float64(step))
	return nil
}

func (s *PrometheusSink) Close() error { return nil }

// MetricsServer serves /metrics for a gatherer.
type MetricsServer struct {
	server   *http.Server
	listener net.Listener
	logger   *zap.Logger
}

// NewMetricsServer listens on addr (for example ":9464", or ":0" for a free
// port) and serves the gatherer's metrics on /metrics.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) (*MetricsServer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return &MetricsServer{
		server:   &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		listener: ln,
		logger:   logger,
	}, nil
}

// Addr returns the address the server listens on.
func (m *MetricsServer) Addr() string { return m.listener.Addr().String() }

// Start serves in the background until Shutdown.
func (m *MetricsServer) Start() {
	m.logger.Info("Serving metrics", zap.String("addr", m.Addr()))
	go func() {
		if err := m.server.Serve(m.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.server.Shutdown(ctx)
}

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
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventFile(t *testing.T) {
	dir := t.TempDir()
	ev, err := NewEventFile(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ev.RunID(), EventsFileName), ev.Path())

	require.NoError(t, ev.AddScalar("loss", 2.5, 10))
	require.NoError(t, ev.AddScalars("learning_rate", map[string]float64{"encoder": 1e-4, "decoder": 1e-2}, 10))
	require.NoError(t, ev.AddText("sample", "a summary", 10))
	require.NoError(t, ev.Close())
	require.NoError(t, ev.Close())
	assert.ErrorIs(t, ev.AddScalar("loss", 1, 11), os.ErrClosed)

	events, err := ReadEvents(ev.Path())
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.NotNil(t, events[0].Value)
	assert.Equal(t, 2.5, *events[0].Value)
	assert.Equal(t, "loss", events[0].Tag)
	assert.Equal(t, 10, events[0].Step)
	assert.Equal(t, 1e-2, events[1].Values["decoder"])
	assert.Nil(t, events[1].Value)
	assert.Equal(t, "a summary", events[2].Text)
	assert.False(t, events[2].WallTime.IsZero())

	other, err := NewEventFile(dir)
	require.NoError(t, err)
	defer other.Close()
	assert.NotEqual(t, ev.RunID(), other.RunID())
}

func TestPrometheusSink(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg)

	require.NoError(t, s.AddScalar("loss", 1.25, 3))
	require.NoError(t, s.AddScalars("learning_rate", map[string]float64{"encoder": 0.5}, 4))
	require.NoError(t, s.AddText("sample", "ignored", 5))
	require.NoError(t, s.AddText("sample", "ignored", 6))

	assert.Equal(t, 1.25, testutil.ToFloat64(s.scalars.WithLabelValues("loss")))
	assert.Equal(t, 0.5, testutil.ToFloat64(s.scalars.WithLabelValues("learning_rate/encoder")))
	assert.Equal(t, 6.0, testutil.ToFloat64(s.step))
	assert.Equal(t, 2.0, testutil.ToFloat64(s.texts.WithLabelValues("sample")))
}

func TestMetricsServer(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := NewPrometheusSink(reg)
	require.NoError(t, s.AddScalar("loss", 0.75, 1))

	srv, err := NewMetricsServer("127.0.0.1:0", reg, zaptest.NewLogger(t))
	require.NoError(t, err)
	srv.Start()
	defer func() { _ = srv.Shutdown(t.Context()) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `bertsum_training_scalar{tag="loss"} 0.75`)
}

type failingSink struct{ *LogSink }

var errSink = errors.New("disk full")

func (failingSink) AddScalar(string, float64, int) error { return errSink }
func (failingSink) Close() error                         { return errSink }

func TestMulti_JoinsErrors(t *testing.T) {
	ok := NewLogSink(nil)
	m := Multi(ok, failingSink{LogSink: ok})
	assert.ErrorIs(t, m.AddScalar("loss", 1, 1), errSink)
	assert.NoError(t, m.AddText("sample", "text", 1))
	assert.ErrorIs(t, m.Close(), errSink)
}

func TestRecorder_LogsFailures(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	r := NewRecorder(failingSink{LogSink: NewLogSink(nil)}, zap.New(core))

	r.Scalar("loss", 1, 7)
	r.Scalars("learning_rate", map[string]float64{"encoder": 1}, 7)
	r.Text("sample", "x", 7)
	r.Close()

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.True(t, strings.HasPrefix(entries[0].Message, "Failed to record scalar"))
	assert.Equal(t, "Failed to close monitoring sink", entries[1].Message)

	// A nil recorder or sink is a no-op.
	var nilRecorder *Recorder
	nilRecorder.Scalar("loss", 1, 1)
	NewRecorder(nil, nil).Text("sample", "x", 1)
}

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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventsFileName is the JSON-lines file inside a run directory.
const EventsFileName = "events.jsonl"

// Event is one line of an events file.
type Event struct {
	WallTime time.Time          `json:"wall_time"`
	Step     int                `json:"step"`
	Tag      string             `json:"tag"`
	Value    *float64           `json:"value,omitempty"`
	Values   map[string]float64 `json:"values,omitempty"`
	Text     string             `json:"text,omitempty"`
}

// EventFile appends events to <dir>/<run id>/events.jsonl.
type EventFile struct {
	mu     sync.Mutex
	runID  string
	path   string
	file   *os.File
	enc    *json.Encoder
	closed bool
}

// NewEventFile creates a new run directory under dir, named by a fresh
// random run id.
func NewEventFile(dir string) (*EventFile, error) {
	runID := uuid.NewString()
	runDir := filepath.Join(dir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	path := filepath.Join(runDir, EventsFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening events file: %w", err)
	}
	return &EventFile{runID: runID, path: path, file: f, enc: json.NewEncoder(f)}, nil
}

// RunID returns the id naming the run directory.
func (e *EventFile) RunID() string { return e.runID }

// Path returns the events file path.
func (e *EventFile) Path() string { return e.path }

func (e *EventFile) write(ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return os.ErrClosed
	}
	ev.WallTime = time.Now().UTC()
	return e.enc.Encode(ev)
}

func (e *EventFile) AddScalar(tag string, value float64, step int) error {
	return e.write(Event{Step: step, Tag: tag, Value: &value})
}

func (e *EventFile) AddScalars(tag string, values map[string]float64, step int) error {
	return e.write(Event{Step: step, Tag: tag, Values: values})
}

func (e *EventFile) AddText(tag, text string, step int) error {
	return e.write(Event{Step: step, Tag: tag, Text: text})
}

func (e *EventFile) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.file.Close()
}

// ReadEvents parses an events file.
func ReadEvents(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	var out []Event
	dec := json.NewDecoder(f)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decoding event %d: %w", len(out), err)
		}
		out = append(out, ev)
	}
	return out, nil
}

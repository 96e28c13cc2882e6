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

package model

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

const (
	configFile = "config.json"
	weightsDir = "weights"
)

// Saver is implemented by models that can write their weights to a directory.
type Saver interface {
	Save(dir string) error
}

// Exists reports whether dir holds a saved Simple model.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, configFile))
	return err == nil
}

func (m *Simple) groups() map[string][]*Parameter {
	return map[string][]*Parameter{
		"encoder": m.Encoder().Parameters(),
		"decoder": m.Decoder().Parameters(),
	}
}

// Save writes config.json and one binary file per parameter under
// weights/<group>/.
func (m *Simple) Save(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating model directory: %w", err)
	}
	cfg, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding model config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, configFile), cfg, 0o644); err != nil {
		return fmt.Errorf("writing model config: %w", err)
	}
	for group, params := range m.groups() {
		groupDir := filepath.Join(dir, weightsDir, group)
		if err := os.MkdirAll(groupDir, 0o755); err != nil {
			return fmt.Errorf("creating %s weights directory: %w", group, err)
		}
		for _, p := range params {
			if err := writeMatrix(filepath.Join(groupDir, p.Name+".bin"), p.Value); err != nil {
				return fmt.Errorf("writing %s/%s: %w", group, p.Name, err)
			}
		}
	}
	return nil
}

// LoadSimple reads a model written by Save.
func LoadSimple(dir string) (*Simple, error) {
	raw, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		return nil, fmt.Errorf("reading model config: %w", err)
	}
	var cfg SimpleConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parsing model config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid model config: %w", err)
	}
	m := newSimpleZero(cfg)
	for group, params := range m.groups() {
		for _, p := range params {
			path := filepath.Join(dir, weightsDir, group, p.Name+".bin")
			if err := readMatrix(path, p.Value); err != nil {
				return nil, fmt.Errorf("reading %s/%s: %w", group, p.Name, err)
			}
		}
	}
	return m, nil
}

func writeMatrix(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if _, err := m.MarshalBinaryTo(w); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readMatrix(path string, dst *mat.Dense) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	var m mat.Dense
	if _, err := m.UnmarshalBinaryFrom(bufio.NewReader(f)); err != nil {
		return err
	}
	wr, wc := dst.Dims()
	if r, c := m.Dims(); r != wr || c != wc {
		return fmt.Errorf("%w: stored %dx%d, want %dx%d", ErrShapeMismatch, r, c, wr, wc)
	}
	dst.Copy(&m)
	return nil
}

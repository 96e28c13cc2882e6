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

package testutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"gonum.org/v1/gonum/mat"
)

// Model is a scripted model. Next-token probabilities only depend on the last
// token of the prefix; training losses are constant and Backward adds the
// scale to every gradient entry.
type Model struct {
	// Next maps a previous token to the probabilities of some next tokens.
	// The remaining mass is spread evenly over the other tokens.
	Next map[int]map[int]float64
	// Loss is returned by Forward for every device.
	Loss float64
	// Devices is the number of per-device losses Forward reports.
	Devices int

	vocab int
	enc   *group
	dec   *group

	mu        sync.Mutex
	forwards  int
	backwards int
	scales    []float64
	training  bool
	pending   bool
}

var _ model.Model = (*Model)(nil)

// NewModel returns a Model over a vocabulary of vocab tokens.
func NewModel(vocab int) *Model {
	return &Model{
		Next:    map[int]map[int]float64{},
		Loss:    1,
		Devices: 1,
		vocab:   vocab,
		enc:     newGroup(vocab, "encoder"),
		dec:     newGroup(vocab, "decoder"),
	}
}

// Chain scripts the path tokens[0] -> tokens[1] -> ... with probability p at
// every transition.
func (m *Model) Chain(p float64, tokens ...int) *Model {
	for i := 0; i+1 < len(tokens); i++ {
		if m.Next[tokens[i]] == nil {
			m.Next[tokens[i]] = map[int]float64{}
		}
		m.Next[tokens[i]][tokens[i+1]] = p
	}
	return m
}

func (m *Model) Forward(ctx context.Context, b *batch.Batch) (*model.Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forwards++
	m.pending = true
	losses := make([]float64, max(m.Devices, 1))
	for i := range losses {
		losses[i] = m.Loss
	}
	return &model.Output{Losses: losses}, nil
}

func (m *Model) Backward(ctx context.Context, scale float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.pending {
		return errors.New("backward called before forward")
	}
	m.pending = false
	m.backwards++
	m.scales = append(m.scales, scale)
	for _, p := range append(m.enc.Parameters(), m.dec.Parameters()...) {
		data := p.Grad.RawMatrix().Data
		for i := range data {
			data[i] += scale
		}
	}
	return nil
}

type encoding struct{ n int }

func (e encoding) Len() int { return e.n }

func (m *Model) Encode(ctx context.Context, source, _, _ [][]int) (model.EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return encoding{n: len(source)}, nil
}

func (m *Model) DecodeStep(ctx context.Context, enc model.EncoderOutput, rows []int, prefixes [][]int) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float64, len(prefixes))
	for i, prefix := range prefixes {
		if rows[i] >= enc.Len() {
			return nil, errors.New("row out of range")
		}
		out[i] = m.logProbs(prefix[len(prefix)-1])
	}
	return out, nil
}

func (m *Model) logProbs(prev int) []float64 {
	scripted := m.Next[prev]
	rest := 1.0
	for _, p := range scripted {
		rest -= p
	}
	others := m.vocab - len(scripted)
	out := make([]float64, m.vocab)
	for tok := range out {
		if p, ok := scripted[tok]; ok {
			out[tok] = math.Log(p)
		} else if others > 0 && rest > 0 {
			out[tok] = math.Log(rest / float64(others))
		} else {
			out[tok] = math.Inf(-1)
		}
	}
	return out
}

func (m *Model) Encoder() model.ParameterGroup { return m.enc }
func (m *Model) Decoder() model.ParameterGroup { return m.dec }

func (m *Model) SetTraining(training bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.training = training
}

// Training reports the mode last set.
func (m *Model) Training() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.training
}

// Calls returns the number of Forward and Backward calls.
func (m *Model) Calls() (forwards, backwards int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.forwards, m.backwards
}

// Scales returns the scale of every Backward call.
func (m *Model) Scales() []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.scales...)
}

// Save writes the embedding tables as one line of numbers per group, enough
// for checkpoint tests to find the files.
func (m *Model) Save(dir string) error {
	for _, g := range []*group{m.enc, m.dec} {
		if err := writeDense(dir, g.name, g.embeddings.Value); err != nil {
			return err
		}
	}
	return nil
}

type group struct {
	name       string
	embeddings *model.Parameter
}

func newGroup(vocab int, name string) *group {
	return &group{name: name, embeddings: model.NewParameter("embeddings", vocab, 2)}
}

func (g *group) Parameters() []*model.Parameter { return []*model.Parameter{g.embeddings} }

func (g *group) InputEmbeddings() *mat.Dense { return g.embeddings.Value }

func (g *group) SetInputEmbeddings(table *mat.Dense) error {
	g.embeddings.Value.Copy(table)
	return nil
}

func writeDense(dir, name string, m *mat.Dense) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data := m.RawMatrix().Data
	parts := make([]string, len(data))
	for i, x := range data {
		parts[i] = fmt.Sprintf("%g", x)
	}
	return os.WriteFile(filepath.Join(dir, name+".txt"), []byte(strings.Join(parts, " ")+"\n"), 0o644)
}

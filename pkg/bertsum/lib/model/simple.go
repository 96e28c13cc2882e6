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
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// DefaultHidden is the hidden size of a Simple model when none is configured.
const DefaultHidden = 128

// SimpleConfig describes the shape of a Simple model.
type SimpleConfig struct {
	VocabSize int    `json:"vocab_size"`
	Hidden    int    `json:"hidden_size"`
	PadID     int    `json:"pad_token_id"`
	Seed      uint64 `json:"seed"`
}

func (c *SimpleConfig) validate() error {
	if c.VocabSize <= 0 {
		return fmt.Errorf("vocab size must be positive, got %d", c.VocabSize)
	}
	if c.Hidden <= 0 {
		c.Hidden = DefaultHidden
	}
	if c.PadID < 0 || c.PadID >= c.VocabSize {
		return fmt.Errorf("pad id %d outside vocabulary of %d", c.PadID, c.VocabSize)
	}
	return nil
}

// Simple is a small encoder-decoder on dense matrices. The encoder mean-pools
// token and segment embeddings into one context vector per source; the
// decoder cell is tanh(D[prev] + context) projected onto the vocabulary.
// Gradients are derived by hand.
type Simple struct {
	cfg SimpleConfig

	tokens     *Parameter // encoder, vocab x hidden
	tokenTypes *Parameter // encoder, 2 x hidden
	embeddings *Parameter // decoder, vocab x hidden
	output     *Parameter // decoder, vocab x hidden
	bias       *Parameter // decoder, 1 x vocab

	training bool
	last     *batch.Batch
	lastN    int
}

var _ Model = (*Simple)(nil)

// NewSimple returns a Simple model with small random weights drawn from
// cfg.Seed.
func NewSimple(cfg SimpleConfig) (*Simple, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	m := newSimpleZero(cfg)
	r := rand.New(rand.NewPCG(cfg.Seed, 1))
	for _, p := range []*Parameter{m.tokens, m.tokenTypes, m.embeddings, m.output} {
		data := p.Value.RawMatrix().Data
		for i := range data {
			data[i] = 0.02 * r.NormFloat64()
		}
	}
	return m, nil
}

func newSimpleZero(cfg SimpleConfig) *Simple {
	v, d := cfg.VocabSize, cfg.Hidden
	return &Simple{
		cfg:        cfg,
		tokens:     NewParameter("token_embeddings", v, d),
		tokenTypes: NewParameter("token_type_embeddings", 2, d),
		embeddings: NewParameter("token_embeddings", v, d),
		output:     NewParameter("output_projection", v, d),
		bias:       NewParameter("output_bias", 1, v),
		training:   true,
	}
}

// Config returns the model shape.
func (m *Simple) Config() SimpleConfig { return m.cfg }

func (m *Simple) Encoder() ParameterGroup {
	return &simpleGroup{params: []*Parameter{m.tokens, m.tokenTypes}, embeddings: m.tokens}
}

func (m *Simple) Decoder() ParameterGroup {
	return &simpleGroup{params: []*Parameter{m.embeddings, m.output, m.bias}, embeddings: m.embeddings}
}

func (m *Simple) SetTraining(training bool) { m.training = training }

// Training reports whether the model is in training mode.
func (m *Simple) Training() bool { return m.training }

func (m *Simple) Forward(ctx context.Context, b *batch.Batch) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := m.checkBatch(b); err != nil {
		return nil, err
	}
	var total float64
	n := 0
	for row := range b.BatchSize() {
		c, _ := m.context(b.Source[row], b.EncoderTokenTypeIDs[row], b.EncoderMask[row])
		m.eachTarget(b, row, func(prev, label int) {
			_, logp := m.step(c, prev)
			total -= logp[label]
			n++
		})
	}
	m.last, m.lastN = b, n
	if n == 0 {
		return &Output{Losses: []float64{0}}, nil
	}
	return &Output{Losses: []float64{total / float64(n)}}, nil
}

func (m *Simple) Backward(ctx context.Context, scale float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := m.last
	if b == nil {
		return errors.New("backward called before forward")
	}
	m.last = nil
	if m.lastN == 0 {
		return nil
	}
	d, v := m.cfg.Hidden, m.cfg.VocabSize
	weight := scale / float64(m.lastN)
	grad := mat.NewVecDense(v, nil)
	dh := mat.NewVecDense(d, nil)
	dx := make([]float64, d)

	for row := range b.BatchSize() {
		c, count := m.context(b.Source[row], b.EncoderTokenTypeIDs[row], b.EncoderMask[row])
		dc := make([]float64, d)
		m.eachTarget(b, row, func(prev, label int) {
			h, logp := m.step(c, prev)
			// d(-log p[label]) / d logits = softmax - onehot
			g := grad.RawVector().Data
			for i, lp := range logp {
				g[i] = math.Exp(lp) * weight
			}
			g[label] -= weight

			m.output.Grad.RankOne(m.output.Grad, 1, grad, mat.NewVecDense(d, h))
			floats.Add(m.bias.Grad.RawRowView(0), g)

			dh.MulVec(m.output.Value.T(), grad)
			for i, hi := range h {
				dx[i] = dh.AtVec(i) * (1 - hi*hi)
			}
			floats.Add(m.embeddings.Grad.RawRowView(prev), dx)
			floats.Add(dc, dx)
		})
		if count == 0 {
			continue
		}
		share := 1 / float64(count)
		src, types, mask := b.Source[row], b.EncoderTokenTypeIDs[row], b.EncoderMask[row]
		for p, id := range src {
			if mask[p] == 0 {
				continue
			}
			floats.AddScaled(m.tokens.Grad.RawRowView(id), share, dc)
			floats.AddScaled(m.tokenTypes.Grad.RawRowView(types[p]), share, dc)
		}
	}
	return nil
}

// simpleEncoding holds one context vector per source.
type simpleEncoding struct {
	contexts [][]float64
}

func (e *simpleEncoding) Len() int { return len(e.contexts) }

func (m *Simple) Encode(ctx context.Context, source, tokenTypes, mask [][]int) (EncoderOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(tokenTypes) != len(source) || len(mask) != len(source) {
		return nil, fmt.Errorf("%w: %d sources, %d token types, %d masks", ErrShapeMismatch, len(source), len(tokenTypes), len(mask))
	}
	enc := &simpleEncoding{contexts: make([][]float64, len(source))}
	for i := range source {
		if err := m.checkRow(source[i], tokenTypes[i], mask[i]); err != nil {
			return nil, err
		}
		enc.contexts[i], _ = m.context(source[i], tokenTypes[i], mask[i])
	}
	return enc, nil
}

func (m *Simple) DecodeStep(ctx context.Context, enc EncoderOutput, rows []int, prefixes [][]int) ([][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	se, ok := enc.(*simpleEncoding)
	if !ok {
		return nil, fmt.Errorf("unexpected encoder output %T", enc)
	}
	if len(rows) != len(prefixes) {
		return nil, fmt.Errorf("%w: %d rows for %d prefixes", ErrShapeMismatch, len(rows), len(prefixes))
	}
	out := make([][]float64, len(prefixes))
	for i, prefix := range prefixes {
		if rows[i] < 0 || rows[i] >= se.Len() {
			return nil, fmt.Errorf("row %d outside %d encoded sources", rows[i], se.Len())
		}
		if len(prefix) == 0 {
			return nil, errors.New("empty decoder prefix")
		}
		prev := prefix[len(prefix)-1]
		if prev < 0 || prev >= m.cfg.VocabSize {
			return nil, fmt.Errorf("token %d outside vocabulary of %d", prev, m.cfg.VocabSize)
		}
		_, out[i] = m.step(se.contexts[rows[i]], prev)
	}
	return out, nil
}

// context mean-pools the unmasked token and segment embeddings of a source.
func (m *Simple) context(src, types, mask []int) ([]float64, int) {
	c := make([]float64, m.cfg.Hidden)
	n := 0
	for p, id := range src {
		if mask[p] == 0 {
			continue
		}
		floats.Add(c, m.tokens.Value.RawRowView(id))
		floats.Add(c, m.tokenTypes.Value.RawRowView(types[p]))
		n++
	}
	if n > 0 {
		floats.Scale(1/float64(n), c)
	}
	return c, n
}

// step returns the hidden state and next-token log-probabilities after prev.
func (m *Simple) step(c []float64, prev int) ([]float64, []float64) {
	h := make([]float64, m.cfg.Hidden)
	copy(h, m.embeddings.Value.RawRowView(prev))
	floats.Add(h, c)
	for i, x := range h {
		h[i] = math.Tanh(x)
	}

	logits := mat.NewVecDense(m.cfg.VocabSize, nil)
	logits.MulVec(m.output.Value, mat.NewVecDense(len(h), h))
	logp := logits.RawVector().Data
	floats.Add(logp, m.bias.Value.RawRowView(0))
	lse := floats.LogSumExp(logp)
	for i := range logp {
		logp[i] -= lse
	}
	return h, logp
}

// eachTarget calls fn for every (input token, next label) pair that counts
// towards the loss.
func (m *Simple) eachTarget(b *batch.Batch, row int, fn func(prev, label int)) {
	target, labels, mask := b.Target[row], b.LMLabels[row], b.DecoderMask[row]
	for t := 0; t+1 < len(target); t++ {
		if mask[t] == 0 || labels[t+1] == batch.IgnoreIndex {
			continue
		}
		fn(target[t], labels[t+1])
	}
}

func (m *Simple) checkBatch(b *batch.Batch) error {
	n := b.BatchSize()
	for _, field := range [][][]int{b.Target, b.EncoderTokenTypeIDs, b.EncoderMask, b.DecoderMask, b.LMLabels} {
		if len(field) != n {
			return fmt.Errorf("%w: batch fields disagree on batch size", ErrShapeMismatch)
		}
	}
	for row := range n {
		if err := m.checkRow(b.Source[row], b.EncoderTokenTypeIDs[row], b.EncoderMask[row]); err != nil {
			return err
		}
		if err := m.checkIDs(b.Target[row]); err != nil {
			return err
		}
		if len(b.DecoderMask[row]) != len(b.Target[row]) || len(b.LMLabels[row]) != len(b.Target[row]) {
			return fmt.Errorf("%w: target row %d", ErrShapeMismatch, row)
		}
		for _, l := range b.LMLabels[row] {
			if l != batch.IgnoreIndex && (l < 0 || l >= m.cfg.VocabSize) {
				return fmt.Errorf("label %d outside vocabulary of %d", l, m.cfg.VocabSize)
			}
		}
	}
	return nil
}

func (m *Simple) checkRow(src, types, mask []int) error {
	if len(types) != len(src) || len(mask) != len(src) {
		return fmt.Errorf("%w: source row of %d tokens", ErrShapeMismatch, len(src))
	}
	for _, t := range types {
		if t != 0 && t != 1 {
			return fmt.Errorf("token type %d not in {0, 1}", t)
		}
	}
	return m.checkIDs(src)
}

func (m *Simple) checkIDs(ids []int) error {
	for _, id := range ids {
		if id < 0 || id >= m.cfg.VocabSize {
			return fmt.Errorf("token %d outside vocabulary of %d", id, m.cfg.VocabSize)
		}
	}
	return nil
}

type simpleGroup struct {
	params     []*Parameter
	embeddings *Parameter
}

func (g *simpleGroup) Parameters() []*Parameter { return g.params }

func (g *simpleGroup) InputEmbeddings() *mat.Dense { return g.embeddings.Value }

func (g *simpleGroup) SetInputEmbeddings(table *mat.Dense) error {
	wr, wc := g.embeddings.Value.Dims()
	if r, c := table.Dims(); r != wr || c != wc {
		return fmt.Errorf("%w: embeddings %dx%d, want %dx%d", ErrShapeMismatch, r, c, wr, wc)
	}
	g.embeddings.Value.Copy(table)
	return nil
}

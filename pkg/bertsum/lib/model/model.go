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

// Package model defines the contract between the summarization network and
// the training, decoding and checkpoint code.
//
// The network itself is opaque: anything that can compute a loss for a batch,
// accumulate gradients, encode sources and score next tokens can be trained
// and evaluated. Simple is a small reference network implementing the
// contract on gonum matrices.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/batch"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is returned when a matrix does not have the expected dims.
var ErrShapeMismatch = errors.New("shape mismatch")

// Parameter is a trainable matrix and its accumulated gradient.
type Parameter struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
}

// NewParameter allocates a zero parameter of r x c with a zero gradient.
func NewParameter(name string, r, c int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: mat.NewDense(r, c, nil),
		Grad:  mat.NewDense(r, c, nil),
	}
}

// ZeroGrad clears the accumulated gradient.
func (p *Parameter) ZeroGrad() {
	p.Grad.Zero()
}

// ParameterGroup is one of the two stacks optimized with its own schedule.
type ParameterGroup interface {
	Parameters() []*Parameter
	// InputEmbeddings returns the token embedding table (vocab x hidden).
	InputEmbeddings() *mat.Dense
	// SetInputEmbeddings copies table into the group's embedding table.
	SetInputEmbeddings(table *mat.Dense) error
}

// Output is the result of a training forward pass.
type Output struct {
	// Losses holds one scalar loss per device the batch was split across.
	Losses []float64
}

// Loss returns the mean of the per-device losses.
func (o *Output) Loss() float64 {
	if len(o.Losses) == 0 {
		return 0
	}
	return floats.Sum(o.Losses) / float64(len(o.Losses))
}

// EncoderOutput is the encoder state of a batch of sources. Only the model
// that produced it can interpret it.
type EncoderOutput interface {
	// Len is the number of encoded sources.
	Len() int
}

// Model is a trainable encoder-decoder summarizer.
type Model interface {
	// Forward computes the loss of b and remembers what Backward needs.
	Forward(ctx context.Context, b *batch.Batch) (*Output, error)
	// Backward accumulates the gradients of the last forward loss times scale.
	Backward(ctx context.Context, scale float64) error

	// Encode runs the encoder without recording anything for Backward.
	Encode(ctx context.Context, source, tokenTypes, mask [][]int) (EncoderOutput, error)
	// DecodeStep returns next-token log-probabilities for every prefix.
	// rows[i] selects the encoded source prefixes[i] is conditioned on.
	DecodeStep(ctx context.Context, enc EncoderOutput, rows []int, prefixes [][]int) ([][]float64, error)

	Encoder() ParameterGroup
	Decoder() ParameterGroup

	SetTraining(training bool)
}

// ShareEmbeddings initializes the decoder's input embeddings as a copy of the
// encoder's.
func ShareEmbeddings(m Model) error {
	src := m.Encoder().InputEmbeddings()
	if src == nil {
		return errors.New("encoder has no input embeddings")
	}
	table := mat.DenseCopyOf(src)
	if err := m.Decoder().SetInputEmbeddings(table); err != nil {
		return fmt.Errorf("sharing embeddings: %w", err)
	}
	return nil
}

// Parameters returns the encoder parameters followed by the decoder ones.
func Parameters(m Model) []*Parameter {
	return append(append([]*Parameter(nil), m.Encoder().Parameters()...), m.Decoder().Parameters()...)
}

// NumParameters counts the scalar weights of m.
func NumParameters(m Model) int {
	n := 0
	for _, p := range Parameters(m) {
		r, c := p.Value.Dims()
		n += r * c
	}
	return n
}

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

// Package batch turns summarization examples into padded, fixed-width batches
// and streams them per epoch.
package batch

import (
	"errors"
	"fmt"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/datasets"
	"github.com/antflydb/bertsum/pkg/bertsum/lib/tokenizers"
)

// IgnoreIndex marks label positions excluded from the loss.
const IgnoreIndex = -1

// ErrEmptyBatch is returned when every example of a batch was filtered out.
// Callers skip the batch.
var ErrEmptyBatch = errors.New("empty batch")

// Batch holds the model inputs for one step. Every field has shape
// (BatchSize, BlockSize).
type Batch struct {
	Source              [][]int
	Target              [][]int
	EncoderTokenTypeIDs [][]int
	EncoderMask         [][]int
	DecoderMask         [][]int
	LMLabels            [][]int

	// Examples are the examples that survived filtering, row aligned.
	Examples []datasets.Example
}

// BatchSize returns the number of rows.
func (b *Batch) BatchSize() int { return len(b.Source) }

// BlockSize returns the row width.
func (b *Batch) BlockSize() int {
	if len(b.Source) == 0 {
		return 0
	}
	return len(b.Source[0])
}

// Row returns a single-row batch holding row i.
func (b *Batch) Row(i int) *Batch {
	row := &Batch{
		Source:              [][]int{b.Source[i]},
		Target:              [][]int{b.Target[i]},
		EncoderTokenTypeIDs: [][]int{b.EncoderTokenTypeIDs[i]},
		EncoderMask:         [][]int{b.EncoderMask[i]},
		DecoderMask:         [][]int{b.DecoderMask[i]},
		LMLabels:            [][]int{b.LMLabels[i]},
	}
	if i < len(b.Examples) {
		row.Examples = []datasets.Example{b.Examples[i]}
	}
	return row
}

// Assembler encodes examples with the shared tokenizer.
type Assembler struct {
	Tokenizer tokenizers.Tokenizer
	BlockSize int
}

// NewAssembler returns an Assembler producing rows of blockSize tokens.
func NewAssembler(tok tokenizers.Tokenizer, blockSize int) (*Assembler, error) {
	if tok == nil {
		return nil, errors.New("tokenizer is required")
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	return &Assembler{Tokenizer: tok, BlockSize: blockSize}, nil
}

// Assemble drops examples with an empty side, encodes the rest, fits them to
// the block size and derives masks and labels.
func (a *Assembler) Assemble(examples []datasets.Example) (*Batch, error) {
	special := a.Tokenizer.SpecialTokens()
	b := &Batch{}
	for _, ex := range examples {
		if len(ex.Story) == 0 || len(ex.Summary) == 0 {
			continue
		}
		story := a.encodeLines(ex.Story)
		summary := a.encodeLines(ex.Summary)
		if story == nil || summary == nil {
			continue
		}
		source := FitToBlockSize(story, a.BlockSize, special.Pad)
		target := FitToBlockSize(summary, a.BlockSize, special.Pad)

		b.Source = append(b.Source, source)
		b.Target = append(b.Target, target)
		b.EncoderTokenTypeIDs = append(b.EncoderTokenTypeIDs, TokenTypeIDs(source, special.Start))
		b.EncoderMask = append(b.EncoderMask, Mask(source, special.Pad))
		b.DecoderMask = append(b.DecoderMask, Mask(target, special.Pad))
		b.LMLabels = append(b.LMLabels, LMLabels(target, special.Pad))
		b.Examples = append(b.Examples, ex)
	}
	if len(b.Source) == 0 {
		return nil, fmt.Errorf("%w: all %d examples filtered out", ErrEmptyBatch, len(examples))
	}
	return b, nil
}

// encodeLines wraps each line as [start] tokens [separator] and concatenates
// them. It returns nil when no line has content tokens.
func (a *Assembler) encodeLines(lines []string) []int {
	special := a.Tokenizer.SpecialTokens()
	var ids []int
	for _, line := range lines {
		tokens := a.Tokenizer.Encode(line)
		if len(tokens) == 0 {
			continue
		}
		ids = append(ids, special.Start)
		ids = append(ids, tokens...)
		ids = append(ids, special.Separator)
	}
	return ids
}

// FitToBlockSize truncates or right-pads seq to exactly blockSize tokens.
func FitToBlockSize(seq []int, blockSize, padID int) []int {
	out := make([]int, blockSize)
	n := copy(out, seq)
	for i := n; i < blockSize; i++ {
		out[i] = padID
	}
	return out
}

// Mask is 1 where seq is not padding and 0 elsewhere.
func Mask(seq []int, padID int) []int {
	mask := make([]int, len(seq))
	for i, id := range seq {
		if id != padID {
			mask[i] = 1
		}
	}
	return mask
}

// LMLabels copies seq with padding replaced by IgnoreIndex.
func LMLabels(seq []int, padID int) []int {
	labels := make([]int, len(seq))
	for i, id := range seq {
		if id == padID {
			labels[i] = IgnoreIndex
		} else {
			labels[i] = id
		}
	}
	return labels
}

// TokenTypeIDs alternates the segment id at every class token so consecutive
// sentences fall in different segments. Positions before the first class
// token belong to segment 1.
func TokenTypeIDs(seq []int, classID int) []int {
	types := make([]int, len(seq))
	sentence := -1
	for i, id := range seq {
		if id == classID {
			sentence++
		}
		types[i] = ((sentence % 2) + 2) % 2
	}
	return types
}

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

// Package datasets provides the summarization corpora consumed by training and
// evaluation.
package datasets

import (
	"fmt"
	"strings"
)

// Example is one document with its reference summary. Both sides are kept as
// lines because the encoder marks sentence boundaries.
type Example struct {
	Story   []string
	Summary []string
}

// Source returns the story as a single text.
func (e Example) Source() string {
	return strings.Join(e.Story, " ")
}

// Target returns the summary as a single text.
func (e Example) Target() string {
	return strings.Join(e.Summary, " ")
}

// Dataset is an ordered, indexable collection of examples with a stable count.
type Dataset interface {
	Len() int
	At(i int) (Example, error)
}

// Pairs is an in-memory Dataset.
type Pairs []Example

func (p Pairs) Len() int { return len(p) }

func (p Pairs) At(i int) (Example, error) {
	if i < 0 || i >= len(p) {
		return Example{}, fmt.Errorf("example index %d out of range [0, %d)", i, len(p))
	}
	return p[i], nil
}

// FromTexts builds an in-memory dataset from (source, summary) text pairs.
// Empty texts produce examples with no lines.
func FromTexts(pairs [][2]string) Pairs {
	out := make(Pairs, 0, len(pairs))
	for _, p := range pairs {
		out = append(out, Example{Story: lines(p[0]), Summary: lines(p[1])})
	}
	return out
}

func lines(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return []string{text}
}

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

// Package testutil provides in-memory tokenizers and models for tests.
package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/tokenizers"
)

// Ids of the special tokens of Tokenizer.
const (
	PadID   = 0
	StartID = 1
	SepID   = 2
)

// Tokenizer is a whitespace word tokenizer. Unknown words get the next free
// id on first use, so ids follow first appearance.
type Tokenizer struct {
	mu    sync.Mutex
	ids   map[string]int
	words []string
}

var (
	_ tokenizers.Tokenizer = (*Tokenizer)(nil)
	_ tokenizers.Saver     = (*Tokenizer)(nil)
)

// NewTokenizer returns a Tokenizer with words registered in order after the
// special tokens.
func NewTokenizer(words ...string) *Tokenizer {
	t := &Tokenizer{ids: map[string]int{}}
	for _, w := range append([]string{"[PAD]", "[CLS]", "[SEP]"}, words...) {
		t.id(w)
	}
	return t
}

func (t *Tokenizer) id(word string) int {
	if id, ok := t.ids[word]; ok {
		return id
	}
	id := len(t.words)
	t.ids[word] = id
	t.words = append(t.words, word)
	return id
}

// ID returns the id of word, registering it if needed.
func (t *Tokenizer) ID(word string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id(word)
}

// VocabSize returns the number of registered words, special tokens included.
func (t *Tokenizer) VocabSize() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.words)
}

func (t *Tokenizer) Encode(text string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	fields := strings.Fields(text)
	ids := make([]int, len(fields))
	for i, f := range fields {
		ids[i] = t.id(f)
	}
	return ids
}

func (t *Tokenizer) Decode(ids []int) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for _, id := range ids {
		if id <= SepID || id >= len(t.words) {
			continue
		}
		out = append(out, t.words[id])
	}
	return strings.Join(out, " ")
}

func (t *Tokenizer) SpecialTokens() tokenizers.SpecialTokens {
	return tokenizers.SpecialTokens{Pad: PadID, Start: StartID, Separator: SepID, End: SepID}
}

// SaveTo writes the vocabulary, one word per line, to dir/vocab.txt.
func (t *Tokenizer) SaveTo(dir string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "vocab.txt"), []byte(strings.Join(t.words, "\n")+"\n"), 0o644)
}

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

// Package tokenizers loads the tokenizer shared by the encoder and decoder.
//
// HuggingFace tokenizer.json files are read with the pure Go go-huggingface
// tokenizer and SentencePiece tokenizer.model files with go-sentencepiece. Both
// are exposed through the narrow Tokenizer interface used by batch assembly and
// summary decoding.
package tokenizers

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	esentencepiece "github.com/eliben/go-sentencepiece"
	hftokenizers "github.com/gomlx/go-huggingface/tokenizers"
	"github.com/gomlx/go-huggingface/tokenizers/api"
	"github.com/gomlx/go-huggingface/tokenizers/hftokenizer"
)

// SpecialTokens holds the ids with a fixed role in the summarization format.
// Start is the class token opening every sentence, Separator closes every
// sentence and End terminates generation.
type SpecialTokens struct {
	Pad       int
	Start     int
	Separator int
	End       int
}

// Tokenizer converts text to token ids and back.
type Tokenizer interface {
	// Encode returns the ids of text without any special tokens.
	Encode(text string) []int
	// Decode returns the text of ids, skipping special tokens.
	Decode(ids []int) string
	SpecialTokens() SpecialTokens
}

// Saver is implemented by tokenizers that can copy their files into a
// checkpoint directory.
type Saver interface {
	SaveTo(dir string) error
}

// VocabSizer is implemented by tokenizers that know their vocabulary size.
type VocabSizer interface {
	VocabSize() int
}

// tokenizerFiles are the files copied into checkpoints when present.
var tokenizerFiles = []string{"tokenizer.json", "tokenizer_config.json", "tokenizer.model", "special_tokens_map.json"}

// specialTokenNames are the BERT defaults, overridden by tokenizer_config.json.
type specialTokenNames struct {
	Pad string `json:"pad_token"`
	CLS string `json:"cls_token"`
	Sep string `json:"sep_token"`
}

// Load loads a tokenizer from a local model directory. It auto-detects the
// tokenizer type (HuggingFace tokenizer.json or SentencePiece tokenizer.model).
func Load(modelPath string) (Tokenizer, error) {
	names := specialTokenNames{Pad: "[PAD]", CLS: "[CLS]", Sep: "[SEP]"}
	var config *api.Config
	configPath := filepath.Join(modelPath, "tokenizer_config.json")
	if _, err := os.Stat(configPath); err == nil {
		normalizedContent, err := normalizeTokenizerConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("normalizing tokenizer config: %w", err)
		}
		config, err = api.ParseConfigContent(normalizedContent)
		if err != nil {
			return nil, fmt.Errorf("parsing tokenizer config: %w", err)
		}
		config.ConfigFile = configPath
		if err := json.Unmarshal(normalizedContent, &names); err != nil {
			return nil, fmt.Errorf("parsing special tokens: %w", err)
		}
	}

	tokenizerJSONPath := filepath.Join(modelPath, "tokenizer.json")
	if _, err := os.Stat(tokenizerJSONPath); err == nil {
		tok, err := hftokenizer.NewFromFile(config, tokenizerJSONPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		vocab, err := readVocabulary(tokenizerJSONPath)
		if err != nil {
			return nil, err
		}
		special, err := vocab.resolve(names)
		if err != nil {
			return nil, err
		}
		w := newWrapped(tok, special, modelPath)
		w.vocabSize = vocab.size()
		return w, nil
	}

	spModelPath := filepath.Join(modelPath, "tokenizer.model")
	if _, err := os.Stat(spModelPath); err == nil {
		proc, err := esentencepiece.NewProcessorFromPath(spModelPath)
		if err != nil {
			return nil, fmt.Errorf("loading tokenizer.model: %w", err)
		}
		sp := &sentencepieceTokenizer{Processor: proc, Info: proc.ModelInfo()}
		special := SpecialTokens{
			Pad:       sp.Info.PadID,
			Start:     sp.Info.BeginningOfSentenceID,
			Separator: sp.Info.EndOfSentenceID,
			End:       sp.Info.EndOfSentenceID,
		}
		w := newWrapped(sp, special, modelPath)
		w.vocabSize = sp.Info.VocabularySize
		return w, nil
	}

	return nil, fmt.Errorf("no tokenizer found in %s (expected tokenizer.json or tokenizer.model)", modelPath)
}

// wrapped adapts an upstream tokenizer to Tokenizer.
type wrapped struct {
	tok     hftokenizers.Tokenizer
	special SpecialTokens
	path    string
	skip    map[int]struct{}

	vocabSize int
}

var (
	_ Tokenizer  = (*wrapped)(nil)
	_ Saver      = (*wrapped)(nil)
	_ VocabSizer = (*wrapped)(nil)
)

func newWrapped(tok hftokenizers.Tokenizer, special SpecialTokens, path string) *wrapped {
	skip := map[int]struct{}{
		special.Pad:       {},
		special.Start:     {},
		special.Separator: {},
		special.End:       {},
	}
	return &wrapped{tok: tok, special: special, path: path, skip: skip}
}

// Encode strips the class/separator wrapping some post-processors add so the
// caller controls where special tokens go.
func (w *wrapped) Encode(text string) []int {
	ids := w.tok.Encode(text)
	if len(ids) > 0 && ids[0] == w.special.Start {
		ids = ids[1:]
	}
	if len(ids) > 0 && ids[len(ids)-1] == w.special.Separator {
		ids = ids[:len(ids)-1]
	}
	return ids
}

func (w *wrapped) Decode(ids []int) string {
	kept := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := w.skip[id]; !ok {
			kept = append(kept, id)
		}
	}
	return w.tok.Decode(kept)
}

func (w *wrapped) SpecialTokens() SpecialTokens { return w.special }

func (w *wrapped) VocabSize() int { return w.vocabSize }

// SaveTo copies the tokenizer files into dir.
func (w *wrapped) SaveTo(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating tokenizer directory: %w", err)
	}
	for _, name := range tokenizerFiles {
		src := filepath.Join(w.path, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := copyFile(src, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// sentencepieceTokenizer wraps esentencepiece.Processor to implement the
// upstream tokenizer interface.
type sentencepieceTokenizer struct {
	*esentencepiece.Processor
	Info *esentencepiece.ModelInfo
}

var _ hftokenizers.Tokenizer = (*sentencepieceTokenizer)(nil)

func (t *sentencepieceTokenizer) Encode(text string) []int {
	tokens := t.Processor.Encode(text)
	result := make([]int, len(tokens))
	for i, tok := range tokens {
		result[i] = tok.ID
	}
	return result
}

func (t *sentencepieceTokenizer) Decode(ids []int) string {
	return t.Processor.Decode(ids)
}

func (t *sentencepieceTokenizer) SpecialTokenID(token api.SpecialToken) (int, error) {
	switch token {
	case api.TokUnknown:
		return t.Info.UnknownID, nil
	case api.TokPad:
		return t.Info.PadID, nil
	case api.TokBeginningOfSentence:
		return t.Info.BeginningOfSentenceID, nil
	case api.TokEndOfSentence:
		return t.Info.EndOfSentenceID, nil
	default:
		return 0, fmt.Errorf("unknown special token: %d", int(token))
	}
}

// vocabulary is the subset of tokenizer.json needed to resolve special ids.
type vocabulary struct {
	AddedTokens []struct {
		ID      int    `json:"id"`
		Content string `json:"content"`
	} `json:"added_tokens"`
	Model struct {
		Vocab json.RawMessage `json:"vocab"`
	} `json:"model"`
}

func readVocabulary(path string) (*vocabulary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tokenizer.json: %w", err)
	}
	var v vocabulary
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing tokenizer.json: %w", err)
	}
	return &v, nil
}

func (v *vocabulary) lookup(token string) (int, bool) {
	for _, added := range v.AddedTokens {
		if added.Content == token {
			return added.ID, true
		}
	}
	// WordPiece and BPE models store the vocabulary as a token -> id object.
	var table map[string]int
	if err := json.Unmarshal(v.Model.Vocab, &table); err == nil {
		id, ok := table[token]
		return id, ok
	}
	return 0, false
}

// size is one past the largest id, or the entry count of list vocabularies.
func (v *vocabulary) size() int {
	n := 0
	for _, added := range v.AddedTokens {
		n = max(n, added.ID+1)
	}
	var table map[string]int
	if err := json.Unmarshal(v.Model.Vocab, &table); err == nil {
		for _, id := range table {
			n = max(n, id+1)
		}
		return n
	}
	var list []json.RawMessage
	if err := json.Unmarshal(v.Model.Vocab, &list); err == nil {
		n = max(n, len(list))
	}
	return n
}

func (v *vocabulary) resolve(names specialTokenNames) (SpecialTokens, error) {
	var ids [3]int
	for i, name := range []string{names.Pad, names.CLS, names.Sep} {
		id, ok := v.lookup(name)
		if !ok {
			return SpecialTokens{}, fmt.Errorf("special token %q not in vocabulary", name)
		}
		ids[i] = id
	}
	return SpecialTokens{Pad: ids[0], Start: ids[1], Separator: ids[2], End: ids[2]}, nil
}

// normalizeTokenizerConfig reads a tokenizer_config.json file and normalizes
// HuggingFace AddedToken objects to plain strings.
func normalizeTokenizerConfig(configPath string) ([]byte, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("parsing config JSON: %w", err)
	}

	tokenFields := []string{
		"bos_token", "eos_token", "pad_token", "unk_token",
		"cls_token", "sep_token", "mask_token",
	}
	for _, field := range tokenFields {
		if val, ok := raw[field]; ok {
			if s := extractTokenContent(val); s != "" {
				raw[field] = s
			} else {
				delete(raw, field)
			}
		}
	}

	return json.Marshal(raw)
}

// extractTokenContent extracts the token string from either a plain string
// or a HuggingFace AddedToken object ({"__type": "AddedToken", "content": "<s>"}).
func extractTokenContent(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if content, ok := val["content"].(string); ok {
			return content
		}
	}
	return ""
}

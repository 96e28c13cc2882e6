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

package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const highlightMarker = "@highlight"

// endTokens are the line endings that count as a finished sentence.
var endTokens = []string{".", "!", "?", "...", "'", "`", "\"", "’", "”", ")"}

// CNNDailyMail reads the CNN/DailyMail corpus: a directory of .story files, each
// holding the article followed by "@highlight" separated summary lines.
type CNNDailyMail struct {
	files []string
}

// NewCNNDailyMail lists the .story files under dir in lexical order so the
// example order is stable across runs.
func NewCNNDailyMail(dir string) (*CNNDailyMail, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading dataset directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".story" {
			continue
		}
		files = append(files, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(files)
	return &CNNDailyMail{files: files}, nil
}

func (d *CNNDailyMail) Len() int { return len(d.files) }

func (d *CNNDailyMail) At(i int) (Example, error) {
	if i < 0 || i >= len(d.files) {
		return Example{}, fmt.Errorf("example index %d out of range [0, %d)", i, len(d.files))
	}
	raw, err := os.ReadFile(d.files[i])
	if err != nil {
		return Example{}, fmt.Errorf("reading story %s: %w", filepath.Base(d.files[i]), err)
	}
	return ParseStory(string(raw)), nil
}

// ParseStory splits a raw story into article and highlight lines. Blank lines
// are dropped and lines without a closing punctuation mark get a period.
// Stories without highlights return an empty summary.
func ParseStory(raw string) Example {
	var nonEmpty []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			nonEmpty = append(nonEmpty, addMissingPeriod(line))
		}
	}

	var ex Example
	for i, line := range nonEmpty {
		if strings.HasPrefix(line, highlightMarker) {
			for _, h := range nonEmpty[i:] {
				if !strings.HasPrefix(h, highlightMarker) {
					ex.Summary = append(ex.Summary, h)
				}
			}
			return ex
		}
		ex.Story = append(ex.Story, line)
	}
	return ex
}

func addMissingPeriod(line string) string {
	if strings.HasPrefix(line, highlightMarker) {
		return line
	}
	for _, tok := range endTokens {
		if strings.HasSuffix(line, tok) {
			return line
		}
	}
	return line + "."
}

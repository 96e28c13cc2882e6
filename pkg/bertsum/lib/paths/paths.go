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

// Package paths resolves the default locations bertsum reads and writes.
package paths

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Home returns the bertsum state directory: ~/.bertsum on Unix-like systems
// and %USERPROFILE%\.bertsum on Windows. It falls back to ./.bertsum when no
// home directory is known.
func Home() string {
	home := userHomeDir()
	if home == "" {
		return filepath.FromSlash("./.bertsum")
	}
	return filepath.Join(home, ".bertsum")
}

// DefaultDataDir is where CNN/DailyMail story files are looked up.
func DefaultDataDir() string { return filepath.Join(Home(), "data") }

// DefaultModelDir holds the initial model weights and tokenizer.
func DefaultModelDir() string { return filepath.Join(Home(), "models") }

// DefaultOutputDir receives checkpoints.
func DefaultOutputDir() string { return filepath.Join(Home(), "output") }

// DefaultRunsDir receives monitoring event files.
func DefaultRunsDir() string { return filepath.Join(Home(), "runs") }

// DefaultSummariesDir receives evaluation outputs.
func DefaultSummariesDir() string { return filepath.Join(Home(), "summaries") }

// Expand replaces a leading ~ with the home directory.
func Expand(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") && !strings.HasPrefix(p, `~\`) {
		return p
	}
	home := userHomeDir()
	if home == "" {
		return p
	}
	return filepath.Join(home, p[1:])
}

// userHomeDir prefers USERPROFILE on Windows, where $HOME from Git Bash may
// hold a Unix-style path.
func userHomeDir() string {
	if runtime.GOOS == "windows" {
		if home := os.Getenv("USERPROFILE"); home != "" {
			return home
		}
		if drive, path := os.Getenv("HOMEDRIVE"), os.Getenv("HOMEPATH"); drive != "" && path != "" {
			return filepath.Join(drive, path)
		}
	}
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}

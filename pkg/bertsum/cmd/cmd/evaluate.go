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

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Summarize the evaluation set with saved weights",
	Long: `Decode a summary for every story of --eval-data-dir with beam search and
write it to --summaries-dir as model_<i>.txt, one sentence per line.

--model-dir must hold weights, either directly or as a training checkpoint.`,
	Args: cobra.NoArgs,
	RunE: runEvaluate,
}

var referencesCmd = &cobra.Command{
	Use:   "references",
	Short: "Write the reference summaries of the evaluation set",
	Long: `Write the highlights of every story of --eval-data-dir to --summaries-dir
as original_<i>.txt. The indices match the files written by evaluate.`,
	Args: cobra.NoArgs,
	RunE: runReferences,
}

func init() {
	rootCmd.AddCommand(evaluateCmd)
	rootCmd.AddCommand(referencesCmd)
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.stop()

	stats, err := s.runner.Evaluate(s.ctx)
	if err != nil {
		s.logger.Error("Evaluation failed", zap.Error(err))
		return err
	}
	s.logger.Info("Evaluation finished",
		zap.Int("summaries", stats.Examples),
		zap.Int("batches", stats.Batches),
		zap.Duration("elapsed", stats.Elapsed))
	return nil
}

func runReferences(cmd *cobra.Command, args []string) error {
	s, err := newSession()
	if err != nil {
		return err
	}
	defer s.stop()

	n, err := s.runner.References(s.ctx)
	if err != nil {
		s.logger.Error("Writing references failed", zap.Error(err))
		return err
	}
	s.logger.Info("References written",
		zap.Int("count", n),
		zap.String("dir", s.runner.Config().SummariesDir))
	return nil
}

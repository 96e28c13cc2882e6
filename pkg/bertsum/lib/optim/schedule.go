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

// Package optim implements the two-group Adam optimizer used to fine-tune
// the encoder and decoder at different rates.
package optim

import "math"

// Rate is the warmup then inverse square root decay schedule:
//
//	base * min(step^-0.5, step * warmup^-1.5)
//
// It peaks at step == warmup. Steps below 1 have no defined rate and yield 0.
func Rate(base, warmup float64, step int) float64 {
	if step <= 0 || warmup <= 0 {
		return 0
	}
	s := float64(step)
	return base * math.Min(math.Pow(s, -0.5), s*math.Pow(warmup, -1.5))
}

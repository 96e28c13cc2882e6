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

package optim

import (
	"fmt"
	"math"

	"github.com/antflydb/bertsum/pkg/bertsum/lib/model"
	"gonum.org/v1/gonum/mat"
)

// Group names a parameter group.
type Group string

const (
	GroupEncoder Group = "encoder"
	GroupDecoder Group = "decoder"
)

// GroupConfig is the schedule of one parameter group.
type GroupConfig struct {
	LearningRate float64 `json:"learning_rate" mapstructure:"learning_rate"`
	WarmupSteps  int     `json:"warmup_steps" mapstructure:"warmup_steps"`
}

// Config configures a DualRate optimizer.
type Config struct {
	Encoder GroupConfig `json:"encoder" mapstructure:"encoder"`
	Decoder GroupConfig `json:"decoder" mapstructure:"decoder"`
	Beta1   float64     `json:"beta1" mapstructure:"beta1"`
	Beta2   float64     `json:"beta2" mapstructure:"beta2"`
	Epsilon float64     `json:"epsilon" mapstructure:"epsilon"`
}

// DefaultConfig returns the BertSum fine-tuning settings: a slow encoder and
// a fast decoder with half the warmup.
func DefaultConfig() Config {
	return Config{
		Encoder: GroupConfig{LearningRate: 0.002, WarmupSteps: 20000},
		Decoder: GroupConfig{LearningRate: 0.1, WarmupSteps: 10000},
		Beta1:   0.99,
		Beta2:   0.999,
		Epsilon: 1e-8,
	}
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	for name, g := range map[Group]GroupConfig{GroupEncoder: c.Encoder, GroupDecoder: c.Decoder} {
		if g.LearningRate < 0 {
			return fmt.Errorf("%s learning rate must be non-negative, got %g", name, g.LearningRate)
		}
		if g.WarmupSteps <= 0 {
			return fmt.Errorf("%s warmup steps must be positive, got %d", name, g.WarmupSteps)
		}
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 || c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("betas must be in [0, 1), got %g and %g", c.Beta1, c.Beta2)
	}
	if c.Epsilon <= 0 {
		return fmt.Errorf("epsilon must be positive, got %g", c.Epsilon)
	}
	return nil
}

// DualRate runs one Adam optimizer per parameter group. Both groups share a
// single step counter but follow their own schedule.
type DualRate struct {
	cfg    Config
	step   int
	groups []*groupState
}

type groupState struct {
	name   Group
	cfg    GroupConfig
	params []*model.Parameter
	moment []*adamMoments
	rate   float64
}

type adamMoments struct {
	m, v *mat.Dense
}

// NewDualRate builds an optimizer over the encoder and decoder groups of m.
func NewDualRate(m model.Model, cfg Config) (*DualRate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &DualRate{cfg: cfg}
	for _, g := range []struct {
		name   Group
		cfg    GroupConfig
		params []*model.Parameter
	}{
		{GroupEncoder, cfg.Encoder, m.Encoder().Parameters()},
		{GroupDecoder, cfg.Decoder, m.Decoder().Parameters()},
	} {
		state := &groupState{name: g.name, cfg: g.cfg, params: g.params}
		for _, p := range g.params {
			r, c := p.Value.Dims()
			if gr, gc := p.Grad.Dims(); gr != r || gc != c {
				return nil, fmt.Errorf("%w: %s gradient of %s", model.ErrShapeMismatch, g.name, p.Name)
			}
			state.moment = append(state.moment, &adamMoments{
				m: mat.NewDense(r, c, nil),
				v: mat.NewDense(r, c, nil),
			})
		}
		o.groups = append(o.groups, state)
	}
	return o, nil
}

// Step advances the shared counter, refreshes each group's rate and applies
// one Adam update per parameter.
func (o *DualRate) Step() {
	o.step++
	for _, g := range o.groups {
		g.rate = Rate(g.cfg.LearningRate, float64(g.cfg.WarmupSteps), o.step)
		for i, p := range g.params {
			adamUpdate(p, g.moment[i], o.step, g.rate, o.cfg.Beta1, o.cfg.Beta2, o.cfg.Epsilon)
		}
	}
}

// ZeroGrad clears the gradients of both groups.
func (o *DualRate) ZeroGrad() {
	for _, g := range o.groups {
		for _, p := range g.params {
			p.ZeroGrad()
		}
	}
}

// StepCount returns the number of Step calls so far.
func (o *DualRate) StepCount() int { return o.step }

// LearningRate returns the rate the group used at the last step.
func (o *DualRate) LearningRate(group Group) float64 {
	for _, g := range o.groups {
		if g.name == group {
			return g.rate
		}
	}
	return 0
}

// LearningRates returns the current rate of every group.
func (o *DualRate) LearningRates() map[Group]float64 {
	out := make(map[Group]float64, len(o.groups))
	for _, g := range o.groups {
		out[g.name] = g.rate
	}
	return out
}

// adamUpdate applies one bias-corrected Adam step in place:
// p -= lr * mhat / (sqrt(vhat) + eps).
func adamUpdate(p *model.Parameter, s *adamMoments, t int, lr, beta1, beta2, eps float64) {
	c1 := 1.0 / (1.0 - math.Pow(beta1, float64(t)))
	c2 := 1.0 / (1.0 - math.Pow(beta2, float64(t)))
	w := p.Value.RawMatrix()
	g := p.Grad.RawMatrix()
	m := s.m.RawMatrix()
	v := s.v.RawMatrix()
	for i := 0; i < w.Rows; i++ {
		wRow := w.Data[i*w.Stride : i*w.Stride+w.Cols]
		gRow := g.Data[i*g.Stride : i*g.Stride+g.Cols]
		mRow := m.Data[i*m.Stride : i*m.Stride+m.Cols]
		vRow := v.Data[i*v.Stride : i*v.Stride+v.Cols]
		for j, gij := range gRow {
			mRow[j] = beta1*mRow[j] + (1.0-beta1)*gij
			vRow[j] = beta2*vRow[j] + (1.0-beta2)*gij*gij
			mhat := mRow[j] * c1
			vhat := vRow[j] * c2
			wRow[j] -= lr * mhat / (math.Sqrt(vhat) + eps)
		}
	}
}

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

// Package devices decides where training runs and reports memory usage.
//
// CUDA devices are enumerated with gorgonia.org/cu when the binary is built
// with the cuda tag. Without it, or when no device answers, the run falls
// back to the CPU and says so in the logs.
package devices

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
	"go.uber.org/zap"
)

// ErrDeviceUnavailable is returned when a requested accelerator is absent.
var ErrDeviceUnavailable = errors.New("device unavailable")

// Kind is the type of a device.
type Kind string

const (
	KindCPU  Kind = "cpu"
	KindCUDA Kind = "cuda"
)

// Mode controls accelerator use.
type Mode string

const (
	// ModeAuto uses CUDA devices when present and the CPU otherwise.
	ModeAuto Mode = "auto"
	// ModeCUDA requests CUDA devices; their absence is logged as an error
	// before falling back to the CPU.
	ModeCUDA Mode = "cuda"
	// ModeCPU never probes for accelerators.
	ModeCPU Mode = "cpu"
)

// ParseMode parses a mode name. The empty string means ModeAuto.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case "", ModeAuto:
		return ModeAuto, nil
	case ModeCUDA, "gpu":
		return ModeCUDA, nil
	case ModeCPU:
		return ModeCPU, nil
	}
	return "", fmt.Errorf("unknown device mode %q (expected auto, cuda or cpu)", s)
}

// Device is one compute device.
type Device struct {
	Kind        Kind   `json:"kind"`
	Index       int    `json:"index"`
	Name        string `json:"name"`
	TotalMemory uint64 `json:"total_memory,omitempty"`
}

// Placement is the set of devices a run uses.
type Placement struct {
	Devices []Device
	// Fallback is set when accelerators were wanted but the CPU is used.
	Fallback error
}

// Count is the number of devices, at least one.
func (p Placement) Count() int { return max(len(p.Devices), 1) }

// Accelerated reports whether the placement uses CUDA devices.
func (p Placement) Accelerated() bool {
	return len(p.Devices) > 0 && p.Devices[0].Kind == KindCUDA
}

// Probe enumerates CUDA devices.
type Probe func() ([]Device, error)

type options struct {
	mode  Mode
	probe Probe
}

// Option configures Select.
type Option func(*options)

// WithMode sets the accelerator mode.
func WithMode(mode Mode) Option {
	return func(o *options) { o.mode = mode }
}

// WithProbe replaces the CUDA probe.
func WithProbe(p Probe) Option {
	return func(o *options) { o.probe = p }
}

// Select picks the devices for a run. It never fails: a missing accelerator
// yields a CPU placement whose Fallback wraps ErrDeviceUnavailable.
func Select(logger *zap.Logger, opts ...Option) Placement {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{mode: ModeAuto, probe: probeCUDA}
	for _, opt := range opts {
		opt(&o)
	}

	if o.mode != ModeCPU {
		found, err := o.probe()
		if err == nil && len(found) == 0 {
			err = fmt.Errorf("%w: no CUDA devices found", ErrDeviceUnavailable)
		}
		if err == nil {
			for _, d := range found {
				logger.Info("Using CUDA device",
					zap.Int("index", d.Index),
					zap.String("name", d.Name),
					zap.Uint64("total_memory", d.TotalMemory))
			}
			return Placement{Devices: found}
		}
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
		}
		if o.mode == ModeCUDA {
			logger.Error("CUDA requested but unavailable, falling back to CPU", zap.Error(err))
		} else {
			logger.Info("No CUDA device, using CPU", zap.Error(err))
		}
		p := cpuPlacement(logger)
		p.Fallback = err
		return p
	}
	return cpuPlacement(logger)
}

func cpuPlacement(logger *zap.Logger) Placement {
	cpu := cpuid.CPU
	logger.Info("Using CPU",
		zap.String("brand", cpu.BrandName),
		zap.Int("physical_cores", cpu.PhysicalCores),
		zap.Int("logical_cores", cpu.LogicalCores),
		zap.Int("gomaxprocs", runtime.GOMAXPROCS(0)),
		zap.Strings("features", CPUFeatures()))
	name := cpu.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	return Placement{Devices: []Device{{Kind: KindCPU, Name: name}}}
}

// CPUFeatures lists the vector extensions relevant to dense math.
func CPUFeatures() []string {
	var out []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE4, "sse4.1"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			out = append(out, f.name)
		}
	}
	return out
}

// MemoryStats returns memory gauges in bytes: Go heap in use, memory
// obtained from the OS and, for CUDA placements, per-device usage.
func MemoryStats(p Placement) map[string]float64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	stats := map[string]float64{
		"memory/heap_alloc": float64(ms.HeapAlloc),
		"memory/sys":        float64(ms.Sys),
	}
	if p.Accelerated() {
		for _, d := range p.Devices {
			free, total, err := deviceMemory(d.Index)
			if err != nil {
				continue
			}
			stats[fmt.Sprintf("memory/cuda_%d_used", d.Index)] = float64(total - free)
			stats[fmt.Sprintf("memory/cuda_%d_total", d.Index)] = float64(total)
		}
	}
	return stats
}

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

//go:build cuda

package devices

import (
	"fmt"
	"runtime"

	"gorgonia.org/cu"
)

func probeCUDA() ([]Device, error) {
	n, err := cu.NumDevices()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
	}
	out := make([]Device, 0, n)
	for i := range n {
		dev := cu.Device(i)
		name, err := dev.Name()
		if err != nil {
			return nil, fmt.Errorf("reading name of CUDA device %d: %w", i, err)
		}
		total, err := dev.TotalMem()
		if err != nil {
			return nil, fmt.Errorf("reading memory of CUDA device %d: %w", i, err)
		}
		out = append(out, Device{Kind: KindCUDA, Index: i, Name: name, TotalMemory: uint64(total)})
	}
	return out, nil
}

// deviceMemory opens a short lived context on the device to query its
// free and total memory.
func deviceMemory(index int) (free, total uint64, err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctx, err := cu.Device(index).MakeContext(cu.SchedAuto)
	if err != nil {
		return 0, 0, err
	}
	defer ctx.Destroy()
	f, t, err := cu.MemInfo()
	if err != nil {
		return 0, 0, err
	}
	return uint64(f), uint64(t), nil
}

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

//go:build !cuda

package devices

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// nvidiaDriverPath exists on Linux hosts with the NVIDIA kernel driver.
var nvidiaDriverPath = "/proc/driver/nvidia/version"

func probeCUDA() ([]Device, error) {
	if !driverPresent() {
		return nil, fmt.Errorf("%w: no NVIDIA driver found", ErrDeviceUnavailable)
	}
	return nil, fmt.Errorf("%w: NVIDIA driver found but the binary was built without the cuda tag", ErrDeviceUnavailable)
}

func driverPresent() bool {
	if _, err := os.Stat(nvidiaDriverPath); err == nil {
		return true
	}
	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		if _, err := os.Stat(filepath.Join(dir, "libcuda.so")); err == nil {
			return true
		}
	}
	return false
}

func deviceMemory(int) (uint64, uint64, error) {
	return 0, 0, errors.New("built without cuda support")
}

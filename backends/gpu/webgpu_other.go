//go:build !windows

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpu

import "github.com/pkg/errors"

func newWebGPUDevice(_ DeviceConfig) (Device, error) {
	return nil, errors.New("gpu/webgpu: the webgpu device is only built on windows, use device=emulated")
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package device defines the interface to the runtime that allocates buffers and executes linearized
// kernels.
//
// The optimizer's search measures candidate kernels through it, and the compiler asks it for the
// target Options used to optimize and linearize kernels.
//
// Devices register themselves (usually in an init function) with Register, and are created by name
// with New or NewWithConfig.
package device

import (
	"context"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernels/pkg/linearizer"
	"github.com/pkg/errors"
)

// ErrUnsupportedOp is wrapped by the errors of devices that can't execute (or render) some UOp.
var ErrUnsupportedOp = errors.New("unsupported op")

// RawBuffer is a flat allocation on a device.
type RawBuffer interface {
	DType() dtypes.DType

	// Size in number of elements.
	Size() int

	// Release frees the allocation. The buffer can't be used afterwards. It is idempotent.
	Release()
}

// Runner executes a compiled program.
type Runner interface {
	// Execute runs the program once with the given buffers (indexed like linearizer.Program.Buffers)
	// and values of the symbolic variables. It returns the elapsed time.
	Execute(ctx context.Context, bufs []RawBuffer, vars map[string]int) (time.Duration, error)
}

// Device allocates buffers and compiles linearized programs.
type Device interface {
	// Name of the device. E.g.: "interp".
	Name() string

	// Options describes the target for the optimizer and the linearizer.
	Options() linearizer.Options

	// Allocate a buffer of size elements.
	Allocate(size int, dtype dtypes.DType) (RawBuffer, error)

	// Compile the program. It returns an error wrapping ErrUnsupportedOp if the program uses UOps
	// the device can't handle.
	Compile(prog *linearizer.Program) (Runner, error)
}

// Constructor takes a config string (optionally empty) and returns a Device.
type Constructor func(config string) (Device, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a device with the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered devices, sorted.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// KERNELS_DEVICE is the environment variable with the default device configuration.
//
// The format is "<device_name>:<device_configuration>", see NewWithConfig.
const KERNELS_DEVICE = "KERNELS_DEVICE"

// New returns the device configured in $KERNELS_DEVICE, or the first registered device.
func New() (Device, error) {
	return NewWithConfig(os.Getenv(KERNELS_DEVICE))
}

// NewWithConfig creates a device from a configuration formatted as "<device_name>:<device_configuration>".
// The "<device_name>" is the name of a registered device, and "<device_configuration>" is passed to its
// constructor. If config is empty the first registered device is used.
func NewWithConfig(config string) (Device, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered devices -- maybe import the interpreter with import _ "github.com/gomlx/kernels/pkg/device/interp"?`)
	}
	name, deviceConfig := firstRegistered, ""
	if config != "" {
		name, deviceConfig, _ = strings.Cut(config, ":")
	}
	constructor, found := registeredConstructors[name]
	if !found {
		return nil, errors.Errorf("can't find device %q for configuration %q, registered devices: %v", name, config, Registered())
	}
	dev, err := constructor(deviceConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating device %q", name)
	}
	return dev, nil
}

// Release all the buffers, ignoring nils.
func Release(bufs ...RawBuffer) {
	for _, b := range bufs {
		if b != nil {
			b.Release()
		}
	}
}

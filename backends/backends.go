// Copyright 2024-2026 The GoFX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface the function-transformation core
// expects from its external collaborators: "lower a function descriptor to
// an executable entry point for a target" (Backend.Compile) and "move data
// between host and device residency" (DataInterface). The core never emits
// machine code itself.
//
// Backends register themselves through Register, typically from an init
// function, and the default one is picked with New, configurable through
// the GOFX_BACKEND environment variable ("<name>" or "<name>:<config>").
//
// Two reference backends ship in-tree: hostgo, a pure-Go host interpreter,
// and vdev, a virtual accelerator used to exercise offload semantics
// (isolated buffer arena, capability gaps, fault injection).
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"

	"github.com/gofx/gofx/fd"
	"github.com/gofx/gofx/types/shapes"
)

// DeviceNum identifies one device of a Backend, between 0 and
// Backend.NumDevices()-1. Interpretation is up to the backend.
type DeviceNum int

// Backend is the capability set {lower, marshal} a target must provide.
type Backend interface {
	// Name returns the short name of the backend, e.g. "hostgo".
	Name() string

	// Description is a longer description for pretty-printing.
	Description() string

	// NumDevices returns the number of devices this backend drives.
	NumDevices() DeviceNum

	// Capabilities describes which ops the backend can lower. The offload
	// dispatcher validates descriptors against it before any compilation.
	Capabilities() Capabilities

	// Compile lowers a frozen descriptor into an executable entry point for
	// the given device.
	Compile(f *fd.FD, device DeviceNum) (Executable, error)

	// DataInterface moves buffers between host and device residency.
	DataInterface

	// Finalize releases all associated resources immediately and makes the
	// backend invalid.
	Finalize()
}

// Constructor takes a config string (possibly empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name. Call it during
// package initialization; the first registered backend becomes the default.
func Register(name string, constructor Constructor) {
	if _, found := registeredConstructors[name]; found {
		exceptions.Panicf("backend %q registered twice", name)
	}
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// Registered returns the names of the registered backends.
func Registered() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	return names
}

// GOFX_BACKEND is the environment variable selecting the default backend
// configuration, in the NewWithConfig format.
const GOFX_BACKEND = "GOFX_BACKEND"

// DefaultConfig is used by New when GOFX_BACKEND is not set.
var DefaultConfig string

// New returns the default Backend: the GOFX_BACKEND environment variable if
// set, else DefaultConfig, else the first registered backend.
func New() (Backend, error) {
	if config, found := os.LookupEnv(GOFX_BACKEND); found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a backend from a "<name>" or "<name>:<config>"
// string. An empty string selects the first registered backend.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends -- import one, e.g. _ "github.com/gofx/gofx/backends/hostgo"`)
	}
	name := config
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		backendConfig = config[idx+1:]
	}
	if name == "" {
		name = firstRegistered
	}
	constructor, found := registeredConstructors[name]
	if !found {
		exceptions.Panicf("no backend %q registered (have %v)", name, Registered())
	}
	klog.V(1).Infof("creating backend %q with config %q", name, backendConfig)
	return constructor(backendConfig)
}

// Executable is a descriptor lowered for one target, ready to run.
type Executable interface {
	// Finalize immediately frees the resources associated to the executable.
	Finalize()

	// Inputs returns the parameter names and shapes, in signature order.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the shapes of the outputs, in return order.
	Outputs() (outputShapes []shapes.Shape)

	// Execute runs the program on the buffers, which must be resident on
	// the executable's device, and returns one buffer per output.
	Execute(inputs ...Buffer) ([]Buffer, error)
}

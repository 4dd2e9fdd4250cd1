// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a system executing lowered pipelines (see package lower) needs to
// implement, and a registry of the available backends.
//
// The reference implementation is the pure Go "go" backend, in package simplego. Import it with:
//
//	import _ "github.com/gomlx/tensorfunc/backends/simplego"
//
// Backends return errors from Execute: panics raised while running a pipeline (e.g. an out of bounds access)
// are converted to errors, see package github.com/gomlx/exceptions.
package backends

import (
	"os"
	"slices"
	"strings"

	"github.com/gomlx/tensorfunc/pkg/core/lower"
	"github.com/gomlx/tensorfunc/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Backend is the API that needs to be implemented by a tensorfunc backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the simplego backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Execute runs the pipeline. Inputs are given by Param name, and must cover the declared bounds of the
	// Params. It returns one buffer per output Func, keyed by the Func name, covering the requested region.
	Execute(p *lower.Pipeline, inputs map[string]*tensors.Buffer) (map[string]*tensors.Buffer, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List the names of the registered backends, sorted.
func List() []string {
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_configuration>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_configuration>" is backend specific (e.g.: "float64" for the "go" backend).
const ConfigEnvVar = "TENSORFUNC_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment TENSORFUNC_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
//
// It returns an error if no backend was registered.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// MustNew is like New, but panics on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_configuration>".
//
// If "<backend_name>:" is omitted, the string is taken as a backend name if one is registered with it. Otherwise,
// the first registered backend is used, and the whole string is its configuration.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		return nil, errors.New(`no registered backends for tensorfunc -- maybe import the default one with import _ "github.com/gomlx/tensorfunc/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if _, found := registeredConstructors[config]; found {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create backend %q with configuration %q", backendName, backendConfig)
	}
	return backend, nil
}

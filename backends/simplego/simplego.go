// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, and not very fast, but very portable backend for tensorfunc.
//
// It interprets the loop nests of a lowered pipeline: expressions are compiled once into Go closures, and loops
// marked parallel run their iterations on a pool of goroutines. Vectorized and unrolled loops are executed
// lane by lane.
//
// Realized Funcs are stored as Float32 by default, see WithDType.
package simplego

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/tensorfunc/backends"
	"github.com/gomlx/tensorfunc/internal/workerspool"
	"github.com/pkg/errors"
)

// BackendName to be used in TENSORFUNC_BACKEND to specify this backend.
const BackendName = "go"

// Registers New() as the default constructor for "go" backend.
func init() {
	backends.Register(BackendName, func(config string) (backends.Backend, error) {
		return NewWithConfig(config)
	})
}

// Backend implements the backends.Backend interface.
type Backend struct {
	dtype dtypes.DType
	pool  *workerspool.Pool
}

// Compile-time check that simplego.Backend implements backends.Backend.
var _ backends.Backend = &Backend{}

// Option configures a Backend.
type Option func(b *Backend) error

// WithDType sets the dtype of the realized buffers. Only Float32 (the default) and Float64 are supported.
func WithDType(dtype dtypes.DType) Option {
	return func(b *Backend) error {
		if dtype != dtypes.Float32 && dtype != dtypes.Float64 {
			return errors.Errorf("simplego: dtype %s not supported for realizations, only Float32 or Float64", dtype)
		}
		b.dtype = dtype
		return nil
	}
}

// WithMaxParallelism sets the soft limit of goroutines used to run parallel loops.
// 0 disables parallelism and -1 makes it unlimited. The default is runtime.NumCPU().
func WithMaxParallelism(maxParallelism int) Option {
	return func(b *Backend) error {
		b.pool.SetMaxParallelism(maxParallelism)
		return nil
	}
}

// New constructs a new SimpleGo Backend.
func New(options ...Option) (*Backend, error) {
	b := &Backend{dtype: dtypes.Float32, pool: workerspool.New()}
	for _, option := range options {
		if err := option(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// NewWithConfig constructs a new SimpleGo Backend from a configuration string: a comma separated list of
// "float32", "float64" and "parallelism=<n>".
func NewWithConfig(config string) (*Backend, error) {
	var options []Option
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "":
		case part == "float32":
			options = append(options, WithDType(dtypes.Float32))
		case part == "float64":
			options = append(options, WithDType(dtypes.Float64))
		case strings.HasPrefix(part, "parallelism="):
			n, err := strconv.Atoi(strings.TrimPrefix(part, "parallelism="))
			if err != nil {
				return nil, errors.Wrapf(err, "simplego: invalid configuration %q", part)
			}
			options = append(options, WithMaxParallelism(n))
		default:
			return nil, errors.Errorf("simplego: unknown configuration %q in %q", part, config)
		}
	}
	return New(options...)
}

// Name returns the short name of the backend.
func (b *Backend) Name() string {
	return BackendName
}

// String implement fmt.Stringer.
func (b *Backend) String() string { return BackendName }

// Description is a longer description of the Backend that can be used to pretty-print.
func (b *Backend) Description() string {
	parallelism := "serial"
	switch {
	case b.pool.IsUnlimited():
		parallelism = "parallelism=unlimited"
	case b.pool.IsEnabled():
		parallelism = fmt.Sprintf("parallelism=%d", b.pool.MaxParallelism())
	}
	return fmt.Sprintf("Simple Go Portable Backend (%s, %s)", b.dtype, parallelism)
}

// DType of the realized buffers.
func (b *Backend) DType() dtypes.DType { return b.dtype }

// Finalize releases all the associated resources immediately, and makes the backend invalid.
func (b *Backend) Finalize() {}

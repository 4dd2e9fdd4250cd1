// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package params implements an ordered store of named parameters, used to configure generators.
//
// The type of each parameter is the type of the value it was first set with: its default. It's used by
// ui/commandline to parse new values given as strings.
package params

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Params holds parameter values, in the order they were first set.
type Params struct {
	keys   []string
	values map[string]any
}

// New creates an empty Params.
func New() *Params {
	return &Params{values: make(map[string]any)}
}

// Set the value of a parameter, and returns the Params itself, so calls can be chained.
func (p *Params) Set(key string, value any) *Params {
	if _, found := p.values[key]; !found {
		p.keys = append(p.keys, key)
	}
	p.values[key] = value
	return p
}

// Get the value of a parameter.
func (p *Params) Get(key string) (value any, found bool) {
	value, found = p.values[key]
	return
}

// Has returns whether the parameter was set.
func (p *Params) Has(key string) bool {
	_, found := p.values[key]
	return found
}

// Len is the number of parameters set.
func (p *Params) Len() int { return len(p.keys) }

// Keys returns the parameter names, in the order they were first set.
func (p *Params) Keys() []string { return slices.Clone(p.keys) }

// Enumerate calls fn for each parameter, in the order they were first set.
func (p *Params) Enumerate(fn func(key string, value any)) {
	for _, key := range p.keys {
		fn(key, p.values[key])
	}
}

// Clone returns a copy of the Params. Values are copied shallowly.
func (p *Params) Clone() *Params {
	c := New()
	p.Enumerate(func(key string, value any) { c.Set(key, value) })
	return c
}

// String implements fmt.Stringer.
func (p *Params) String() string {
	parts := make([]string, 0, len(p.keys))
	p.Enumerate(func(key string, value any) {
		parts = append(parts, fmt.Sprintf("%s=%v", key, value))
	})
	return strings.Join(parts, ";")
}

// Get returns the value of the parameter key converted to T.
// It returns an error if the parameter is not set or if it has a different type.
func Get[T any](p *Params, key string) (T, error) {
	var t T
	value, found := p.values[key]
	if !found {
		return t, errors.Errorf("parameter %q not set", key)
	}
	t, ok := value.(T)
	if !ok {
		return t, errors.Errorf("parameter %q is of type %T, not %T", key, value, t)
	}
	return t, nil
}

// GetOr returns the value of the parameter key, or defaultValue if it is not set.
// It panics if the parameter is set with a different type.
func GetOr[T any](p *Params, key string, defaultValue T) T {
	if !p.Has(key) {
		return defaultValue
	}
	return MustGet[T](p, key)
}

// MustGet is like Get, but panics on error.
func MustGet[T any](p *Params, key string) T {
	t, err := Get[T](p, key)
	if err != nil {
		exceptions.Panicf("%v", err)
	}
	return t
}

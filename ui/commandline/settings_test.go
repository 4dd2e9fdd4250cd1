// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/tensorfunc/pkg/support/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestParams() *params.Params {
	return params.New().
		Set("x", 11.0).
		Set("y", 7).
		Set("z", false).
		Set("s", "foo").
		Set("list_int", []int{}).
		Set("list_str", []string{})
}

func TestParseSettings(t *testing.T) {
	p := createTestParams()
	paramsSet, err := ParseSettings(p, "x=13;z=true;y=1_000;s=bar;list_int=1,3,7;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "z", "y", "s", "list_int", "list_str"}, paramsSet)
	assert.Equal(t, 13.0, params.MustGet[float64](p, "x"))
	assert.Equal(t, 1000, params.MustGet[int](p, "y"))
	assert.True(t, params.MustGet[bool](p, "z"))
	assert.Equal(t, "bar", params.MustGet[string](p, "s"))
	assert.Equal(t, []int{1, 3, 7}, params.MustGet[[]int](p, "list_int"))
	assert.Equal(t, []string{"a", "b"}, params.MustGet[[]string](p, "list_str"))

	// Parameter "q" is unknown.
	_, err = ParseSettings(p, "q=3")
	require.Error(t, err)

	// Cannot set the wrong type of value.
	_, err = ParseSettings(p, "y=3.14")
	require.Error(t, err)

	// Missing value.
	_, err = ParseSettings(p, "y")
	require.Error(t, err)

	assert.Equal(t, "\t\"x\": (float64) 13\n\t\"y\": (int) 1000", SprintModifiedSettings(p, []string{"y", "x", "y"}))
	assert.Contains(t, SprintSettings(p), "\t\"z\": (bool) true\n")
}

func TestParseSettingsFile(t *testing.T) {
	p := createTestParams()
	path := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("# Comment\nx=1.5\n\ny=3;z=true\n"), 0o644))
	paramsSet, err := ParseSettings(p, "s=baz;file:"+path)
	require.NoError(t, err)
	require.Equal(t, []string{"s", "x", "y", "z"}, paramsSet)
	assert.Equal(t, 1.5, params.MustGet[float64](p, "x"))
	assert.Equal(t, 3, params.MustGet[int](p, "y"))

	_, err = ParseSettings(p, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

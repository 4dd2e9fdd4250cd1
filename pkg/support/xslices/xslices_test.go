// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMap(t *testing.T) {
	assert.Equal(t, []string{"1", "2", "3"}, Map([]int{1, 2, 3}, strconv.Itoa))
	assert.Empty(t, Map([]int(nil), strconv.Itoa))
}

func TestSortedKeys(t *testing.T) {
	m := map[string]int{"filter": 1, "bias": 2, "input": 3}
	assert.Equal(t, []string{"bias", "filter", "input"}, SortedKeys(m))
	assert.ElementsMatch(t, []string{"bias", "filter", "input"}, Keys(m))
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := Make[string]()
	assert.Len(t, s, 0)

	s.Insert("r_16_16", "E_64")
	assert.True(t, s.Has("E_64"))
	assert.False(t, s.Has("E_32"))

	assert.True(t, s.InsertNew("E_32"))
	assert.False(t, s.InsertNew("E_32"))
	assert.Equal(t, []string{"E_32", "E_64", "r_16_16"}, Sorted(s))
	assert.Equal(t, []int{1, 2, 3}, Sorted(Make(3, 1, 2, 3)))
}

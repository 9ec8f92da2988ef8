// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestName_Valid(t *testing.T) {
	for _, n := range Names {
		assert.True(t, n.Valid(), n)
	}
	assert.False(t, Name("log_evidence").Valid())
	assert.False(t, Name("").Valid())
}

func TestTask_Portable(t *testing.T) {
	fn := Scalar(func(x []float64) float64 { return x[0] })
	assert.True(t, Task{Name: LogLike, Fn: fn}.Portable())
	assert.False(t, Task{Fn: fn}.Portable())
}

func TestTask_CallUnbound(t *testing.T) {
	_, err := Task{Name: LogPost}.Call([]float64{1})
	require.ErrorIs(t, err, ErrUnbound)
}

func TestKernels_Resolve(t *testing.T) {
	k := Kernels{LogLike: Scalar(func(x []float64) float64 { return -x[0] * x[0] })}

	fn, err := k.Resolve(LogLike)
	require.NoError(t, err)
	out, err := fn([]float64{3})
	require.NoError(t, err)
	assert.Equal(t, []float64{-9}, out)

	_, err = k.Resolve(Propose)
	require.ErrorIs(t, err, ErrUnknownKernel)
}

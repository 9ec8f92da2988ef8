// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVector_JSONNonFinite(t *testing.T) {
	v := Vector{1.5, math.Inf(-1), math.Inf(1), math.NaN(), -0.25}
	b, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, `[1.5,"-Inf","+Inf","NaN",-0.25]`, string(b))

	var back Vector
	require.NoError(t, json.Unmarshal(b, &back))
	require.Len(t, back, 5)
	assert.Equal(t, 1.5, back[0])
	assert.True(t, math.IsInf(back[1], -1))
	assert.True(t, math.IsInf(back[2], 1))
	assert.True(t, math.IsNaN(back[3]))
	assert.Equal(t, -0.25, back[4])
}

func TestVector_JSONNull(t *testing.T) {
	var v Vector
	require.NoError(t, json.Unmarshal([]byte("null"), &v))
	assert.Nil(t, v)

	b, err := json.Marshal(&message{Kind: kindAck})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "data")
}

func TestBinaryCodec_Frame(t *testing.T) {
	m := &message{
		Kind:   kindResult,
		ID:     1 << 40,
		Rank:   7,
		Kernel: "log_post",
		Err:    "",
		Data:   Vector{math.Inf(-1), 3.25, 0},
	}
	b, err := binaryCodec{}.encode(m)
	require.NoError(t, err)
	assert.Len(t, b, 1+8+4+2+8+2+4+3*8)

	back, err := binaryCodec{}.decode(b)
	require.NoError(t, err)
	assert.Equal(t, m.Kind, back.Kind)
	assert.Equal(t, m.ID, back.ID)
	assert.Equal(t, m.Rank, back.Rank)
	assert.Equal(t, m.Kernel, back.Kernel)
	assert.True(t, math.IsInf(back.Data[0], -1))
	assert.Equal(t, 3.25, back.Data[1])
}

func TestBinaryCodec_Malformed(t *testing.T) {
	b, err := binaryCodec{}.encode(&message{Kind: kindWork, Kernel: "log_like", Data: Vector{1, 2}})
	require.NoError(t, err)

	_, err = binaryCodec{}.decode(b[:len(b)-3])
	require.ErrorIs(t, err, ErrProtocol)

	_, err = binaryCodec{}.decode(append(b, 0))
	require.ErrorIs(t, err, ErrProtocol)

	// A length prefix larger than the frame must not allocate.
	huge := append([]byte(nil), b[:len(b)-16-4]...)
	huge = append(huge, 0xff, 0xff, 0xff, 0x7f)
	_, err = binaryCodec{}.decode(huge)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestCompatible(t *testing.T) {
	assert.True(t, compatible(ProtocolVersion))
	assert.True(t, compatible("v1.0.0"))
	assert.True(t, compatible("v1.9.3"))
	assert.False(t, compatible("v2.0.0"))
	assert.False(t, compatible("1.2.0"))
	assert.False(t, compatible(""))
}

func TestCodecNamed(t *testing.T) {
	c, err := codecNamed("binary")
	require.NoError(t, err)
	assert.Equal(t, codecBinary, c.name())
	c, err = codecNamed("")
	require.NoError(t, err)
	assert.Equal(t, codecJSON, c.name())
	_, err = codecNamed("msgpack")
	require.ErrorIs(t, err, ErrHandshake)
}

func TestWorldFromEnv(t *testing.T) {
	env := func(m map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := m[k]
			return v, ok
		}
	}

	_, ok, err := worldFrom(env(nil))
	require.NoError(t, err)
	assert.False(t, ok)

	w := World{Rank: 2, Size: 4, Coordinator: "10.0.0.1:7070", RunID: "r1", PerNode: 2, Fast: true}
	vars := map[string]string{}
	for _, kv := range w.Environ() {
		for i := range kv {
			if kv[i] == '=' {
				vars[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	got, ok, err := worldFrom(env(vars))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, w, got)

	_, _, err = worldFrom(env(map[string]string{EnvRank: "x"}))
	require.Error(t, err)
	_, _, err = worldFrom(env(map[string]string{EnvRank: "4", EnvWorldSize: "4"}))
	require.Error(t, err)
}

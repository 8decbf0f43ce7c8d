/*
 * Copyright 2023 Dexkit Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"testing"

	"github.com/dexkit/dexc/internal/opts"
	"github.com/dexkit/dexc/internal/regalloc"
	"github.com/stretchr/testify/require"
)

const sampleMethod = `
method: Sample.max
static: true
blocks:
  - name: entry
    instrs:
      - { op: argument, out: a }
      - { op: argument, out: b }
      - { op: sub, out: d, numeric: int, in: [a, b] }
      - { op: if, in: [d] }
    succs: [bigger, smaller]
  - name: bigger
    instrs:
      - { op: goto }
    succs: [done]
  - name: smaller
    instrs:
      - { op: goto }
    succs: [done]
  - name: done
    phis:
      - { out: m, operands: [a, b] }
    instrs:
      - { op: return, in: [m] }
`

func TestLoadMethod(t *testing.T) {
	code, err := loadMethod([]byte(sampleMethod))
	require.NoError(t, err)
	require.Equal(t, "Sample.max", code.Method)
	require.Len(t, code.Blocks, 4)
	require.Len(t, code.CollectArguments(), 2)

	options := opts.GetDefaultOptions()
	allocator := regalloc.NewAllocator(code, &options)
	require.NoError(t, allocator.AllocateRegisters())
	require.GreaterOrEqual(t, allocator.RegistersUsed(), 2)
}

func TestLoadMethod_Errors(t *testing.T) {
	_, err := loadMethod([]byte("method: Broken.empty\nblocks: []\n"))
	require.Error(t, err)

	_, err = loadMethod([]byte(`
method: Broken.badref
blocks:
  - name: entry
    instrs:
      - { op: return, in: [ghost] }
`))
	require.Error(t, err)
}

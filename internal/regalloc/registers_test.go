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

package regalloc

import (
    `testing`

    `github.com/dexkit/dexc/internal/ir`
    `github.com/dexkit/dexc/internal/opts`
    `github.com/stretchr/testify/require`
)

func testAllocator(t *testing.T) *Allocator {
    b := ir.NewBuilder("Test.registers", true)
    entry := b.Code().EntryBlock()
    b.Return(entry, nil)
    options := opts.GetDefaultOptions()
    return NewAllocator(b.MustBuild(), &options)
}

func TestRegisters_Capacity(t *testing.T) {
    a := testAllocator(t)
    require.Equal(t, -1, a.maxRegisterNumber)

    a.increaseCapacity(3, false)
    require.Equal(t, 3, a.maxRegisterNumber)
    require.True(t, a.freeRegisters.Contains(0))
    require.True(t, a.freeRegisters.Contains(3))

    a.increaseCapacity(5, true)
    require.Equal(t, 5, a.maxRegisterNumber)
    require.False(t, a.freeRegisters.Contains(4))
    require.False(t, a.freeRegisters.Contains(5))

    a.ensureCapacity(4)
    require.Equal(t, 5, a.maxRegisterNumber)
}

func TestRegisters_ConsecutiveRun(t *testing.T) {
    a := testAllocator(t)
    a.numberOfArgumentRegisters = 2
    a.increaseCapacity(5, true)
    a.freeRegisters.Add(2)
    a.freeRegisters.Add(3)
    a.freeRegisters.Add(5)

    /* {2, 3} is the first run of two */
    require.Equal(t, 2, a.getFreeConsecutiveRegisters(2, false))

    /* a run of three has to grow past 5 */
    require.Equal(t, 5, a.getFreeConsecutiveRegisters(3, false))
    require.Equal(t, 7, a.maxRegisterNumber)
    require.True(t, a.freeRegisters.Contains(6))
    require.True(t, a.freeRegisters.Contains(7))
}

func TestRegisters_RunsDoNotStraddleArgumentBoundary(t *testing.T) {
    a := testAllocator(t)
    a.numberOfArgumentRegisters = 2
    a.increaseCapacity(3, true)
    a.freeRegisters.Add(1)
    a.freeRegisters.Add(2)
    a.freeRegisters.Add(3)

    /* registers 1 and 2 are consecutive but split by the boundary */
    require.Equal(t, 2, a.getFreeConsecutiveRegisters(2, false))
}

func TestRegisters_Compaction(t *testing.T) {
    b := ir.NewBuilder("Test.compaction", true)
    entry := b.Code().EntryBlock()
    arg := b.Argument(ir.TypeSingle)
    v1 := b.ConstNumber(entry, ir.TypeSingle, 1)
    k2 := b.ConstNumber(entry, ir.TypeSingle, 2)
    v3 := b.Move(entry, v1)
    k4 := b.ConstNumber(entry, ir.TypeSingle, 4)
    b.Return(entry, v3)
    code := b.MustBuild()
    code.NumberInstructions()

    options := opts.GetDefaultOptions()
    a := NewAllocator(code, &options)
    a.mode = _M_8bit
    a.maxRegisterNumber = 5
    a.firstParallelMoveTemporary = 5

    assign := func(v *ir.Value, register int, spilled bool) *LiveIntervals {
        intervals := a.createIntervals(v)
        intervals.AddRange(LiveRange { 0, 10 })
        intervals.SetRegister(register)
        intervals.SetSpilled(spilled)
        intervals.computeRematerializable()
        return intervals
    }

    assign(arg, 0, false)
    assign(v1, 1, false)
    assign(k2, 2, true)  // spilled constant, slot never used
    assign(v3, 3, false)
    assign(k4, 4, true)  // spilled constant, slot never used

    require.True(t, a.computeUnusedRegisters())
    require.Equal(t, []int { 0, 1, 1, 2 }, a.unusedRegisters)
    require.Equal(t, 4, a.RegistersUsed())

    /* locals slide down over the unused slots */
    require.Equal(t, 0, a.realRegisterNumberFromAllocated(1))
    require.Equal(t, 1, a.realRegisterNumberFromAllocated(3))

    /* the parallel-move temporary sits after the last local */
    require.Equal(t, 2, a.realRegisterNumberFromAllocated(5))

    /* the argument lands in the top register */
    require.Equal(t, 3, a.realRegisterNumberFromAllocated(0))
}

func TestRegisters_TakeAndFree(t *testing.T) {
    a := testAllocator(t)
    a.increaseCapacity(3, false)

    wide := newLiveIntervals(a.code.NewValue(ir.TypeWide))
    wide.AddRange(LiveRange { 0, 10 })
    wide.SetRegister(2)

    a.takeFreeRegistersForIntervals(wide)
    require.False(t, a.freeRegisters.Contains(2))
    require.False(t, a.freeRegisters.Contains(3))
    require.True(t, a.registersForIntervalsAreTaken(wide))

    a.freeOccupiedRegistersForIntervals(wide)
    require.True(t, a.freeRegisters.Contains(2))
    require.True(t, a.freeRegisters.Contains(3))

    /* double-take trips the audit */
    a.takeFreeRegistersForIntervals(wide)
    require.Panics(t, func() { a.takeFreeRegistersForIntervals(wide) })
}

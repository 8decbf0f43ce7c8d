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

func schedulerFixture(t *testing.T) (*_SpillMoveSet, *ir.Code) {
    b := ir.NewBuilder("Test.sched", true)
    entry := b.Code().EntryBlock()
    b.Return(entry, nil)
    code := b.MustBuild()
    options := opts.GetDefaultOptions()
    return newSpillMoveSet(NewAllocator(code, &options)), code
}

func intervalsAt(t *testing.T, code *ir.Code, vt ir.ValueType, register int) *LiveIntervals {
    v := code.NewValue(vt)
    intervals := newLiveIntervals(v)
    intervals.AddRange(LiveRange { 0, 10 })
    intervals.SetRegister(register)
    return intervals
}

func TestScheduler_StraightMoves(t *testing.T) {
    set, code := schedulerFixture(t)
    moves := []_SpillMove {
        { to: intervalsAt(t, code, ir.TypeSingle, 3), from: intervalsAt(t, code, ir.TypeSingle, 0) },
        { to: intervalsAt(t, code, ir.TypeSingle, 4), from: intervalsAt(t, code, ir.TypeSingle, 1) },
        { to: intervalsAt(t, code, ir.TypeSingle, 5), from: intervalsAt(t, code, ir.TypeSingle, 5) },
    }
    out, temps := set.scheduleMoves(moves, 10)
    require.Equal(t, 0, temps)
    require.Len(t, out, 2)
    for _, ins := range out {
        require.Equal(t, ir.OpMove, ins.Op)
        require.True(t, ins.Out.IsFixedRegisterValue())
    }
}

func TestScheduler_Chain(t *testing.T) {
    /* r1 -> r2 must run before r0 -> r1 */
    set, code := schedulerFixture(t)
    moves := []_SpillMove {
        { to: intervalsAt(t, code, ir.TypeSingle, 1), from: intervalsAt(t, code, ir.TypeSingle, 0) },
        { to: intervalsAt(t, code, ir.TypeSingle, 2), from: intervalsAt(t, code, ir.TypeSingle, 1) },
    }
    out, temps := set.scheduleMoves(moves, 10)
    require.Equal(t, 0, temps)
    require.Len(t, out, 2)
    require.Equal(t, 2, out[0].Out.FixedRegister)
    require.Equal(t, 1, out[0].In[0].FixedRegister)
    require.Equal(t, 1, out[1].Out.FixedRegister)
    require.Equal(t, 0, out[1].In[0].FixedRegister)
}

func TestScheduler_SwapCycle(t *testing.T) {
    /* r0 <-> r1 needs a temporary */
    set, code := schedulerFixture(t)
    moves := []_SpillMove {
        { to: intervalsAt(t, code, ir.TypeSingle, 1), from: intervalsAt(t, code, ir.TypeSingle, 0) },
        { to: intervalsAt(t, code, ir.TypeSingle, 0), from: intervalsAt(t, code, ir.TypeSingle, 1) },
    }
    out, temps := set.scheduleMoves(moves, 10)
    require.Equal(t, 1, temps)
    require.Len(t, out, 3)

    /* first the save to the temporary, then the two real moves */
    require.Equal(t, 10, out[0].Out.FixedRegister)

    /* every destination is written exactly once */
    written := make(map[int]bool)
    for _, ins := range out {
        require.False(t, written[ins.Out.FixedRegister])
        written[ins.Out.FixedRegister] = true
    }
    require.True(t, written[0])
    require.True(t, written[1])
}

func TestScheduler_WideSwapCycle(t *testing.T) {
    set, code := schedulerFixture(t)
    moves := []_SpillMove {
        { to: intervalsAt(t, code, ir.TypeWide, 2), from: intervalsAt(t, code, ir.TypeWide, 0) },
        { to: intervalsAt(t, code, ir.TypeWide, 0), from: intervalsAt(t, code, ir.TypeWide, 2) },
    }
    out, temps := set.scheduleMoves(moves, 10)
    require.Equal(t, 2, temps)
    require.Len(t, out, 3)
}

func TestScheduler_Rematerialization(t *testing.T) {
    b := ir.NewBuilder("Test.remat", true)
    entry := b.Code().EntryBlock()
    k := b.ConstNumber(entry, ir.TypeSingle, 42)
    b.Return(entry, k)
    code := b.MustBuild()
    code.NumberInstructions()

    options := opts.GetDefaultOptions()
    allocator := NewAllocator(code, &options)
    set := newSpillMoveSet(allocator)

    from := newLiveIntervals(k)
    from.AddRange(LiveRange { 0, 4 })
    from.SetRegister(7)
    from.SetSpilled(true)
    from.remat = true

    to := newLiveIntervals(k)
    to.AddRange(LiveRange { 4, 8 })
    to.SetRegister(1)

    out, temps := set.scheduleMoves([]_SpillMove {{ to: to, from: from }}, 10)
    require.Equal(t, 0, temps)
    require.Len(t, out, 1)
    require.Equal(t, ir.OpConstNumber, out[0].Op)
    require.Equal(t, int64(42), out[0].ConstValue)
    require.Equal(t, 1, out[0].Out.FixedRegister)
    require.Empty(t, out[0].In)
}

func TestSpillMoveSet_GapOnly(t *testing.T) {
    set, code := schedulerFixture(t)
    to := intervalsAt(t, code, ir.TypeSingle, 1)
    from := intervalsAt(t, code, ir.TypeSingle, 0)
    require.Panics(t, func() { set.addSpillOrRestoreMove(4, to, from) })
    set.addSpillOrRestoreMove(3, to, from)
    set.addSpillOrRestoreMove(3, to, from)
    require.Len(t, set.inMoves[3], 1)
}

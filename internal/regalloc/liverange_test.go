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
    `github.com/stretchr/testify/require`
)

func testValue(t *testing.T, vt ir.ValueType) *ir.Value {
    b := ir.NewBuilder("Test.value", true)
    v := b.ConstNumber(b.Code().EntryBlock(), vt, 42)
    return v
}

func TestLiveRange_AddRangeCoalesce(t *testing.T) {
    intervals := newLiveIntervals(testValue(t, ir.TypeSingle))
    intervals.AddRange(LiveRange { 0, 4 })
    intervals.AddRange(LiveRange { 4, 8 })
    intervals.AddRange(LiveRange { 7, 10 })
    intervals.AddRange(LiveRange { 13, 20 })
    require.Equal(t, []LiveRange {{ 0, 10 }, { 13, 20 }}, intervals.GetRanges())
    require.Equal(t, 0, intervals.GetStart())
    require.Equal(t, 20, intervals.GetEnd())

    require.True(t, intervals.OverlapsPosition(9))
    require.False(t, intervals.OverlapsPosition(11))
    require.True(t, intervals.OverlapsPosition(13))
    require.False(t, intervals.OverlapsPosition(20))
}

func TestLiveRange_Overlap(t *testing.T) {
    a := newLiveIntervals(testValue(t, ir.TypeSingle))
    a.AddRange(LiveRange { 0, 10 })
    a.AddRange(LiveRange { 20, 30 })

    b := newLiveIntervals(testValue(t, ir.TypeSingle))
    b.AddRange(LiveRange { 10, 20 })
    require.False(t, a.Overlaps(b))

    c := newLiveIntervals(testValue(t, ir.TypeSingle))
    c.AddRange(LiveRange { 8, 12 })
    require.True(t, a.Overlaps(c))
    require.Equal(t, 8, a.NextOverlap(c))

    d := newLiveIntervals(testValue(t, ir.TypeSingle))
    d.AddRange(LiveRange { 12, 25 })
    require.Equal(t, 20, a.NextOverlap(d))
}

func TestLiveRange_SplitBefore(t *testing.T) {
    intervals := newLiveIntervals(testValue(t, ir.TypeSingle))
    intervals.AddRange(LiveRange { 2, 20 })
    intervals.AddUse(LiveIntervalsUse { 2, ir.U8BitMax })
    intervals.AddUse(LiveIntervalsUse { 10, ir.U4BitMax })
    intervals.AddUse(LiveIntervalsUse { 18, ir.U16BitMax })

    child := intervals.SplitBefore(10)
    require.Equal(t, 9, child.GetStart())
    require.Equal(t, 20, child.GetEnd())
    require.Equal(t, 9, intervals.GetEnd())
    require.Equal(t, []LiveIntervalsUse {{ 2, ir.U8BitMax }}, intervals.GetUses())
    require.Equal(t, []LiveIntervalsUse {{ 10, ir.U4BitMax }, { 18, ir.U16BitMax }}, child.GetUses())

    require.Same(t, intervals, child.SplitParent())
    require.True(t, intervals.HasSplits())
    require.Equal(t, ir.U4BitMax, child.GetRegisterLimit())
    require.Equal(t, ir.U8BitMax, intervals.GetRegisterLimit())

    /* covering queries resolve the unique split */
    require.Same(t, intervals, intervals.GetSplitCovering(4))
    require.Same(t, child, intervals.GetSplitCovering(10))
    require.Same(t, child, intervals.GetSplitCovering(19))
    require.Same(t, child, intervals.GetSplitCovering(20))

    /* chain navigation */
    require.Same(t, intervals, child.GetPreviousSplit())
    require.Same(t, child, intervals.GetNextSplit())

    /* a second split of the child attaches to the same parent */
    grand := child.SplitBefore(18)
    require.Same(t, intervals, grand.SplitParent())
    require.Len(t, intervals.GetSplitChildren(), 2)
    require.Same(t, grand, intervals.GetSplitCovering(18))

    /* undo restores the original coverage */
    intervals.UndoSplits()
    require.False(t, intervals.HasSplits())
    require.Equal(t, []LiveRange {{ 2, 20 }}, intervals.GetRanges())
    require.Len(t, intervals.GetUses(), 3)
}

func TestLiveRange_SplitInHole(t *testing.T) {
    intervals := newLiveIntervals(testValue(t, ir.TypeSingle))
    intervals.AddRange(LiveRange { 0, 6 })
    intervals.AddRange(LiveRange { 12, 18 })

    child := intervals.SplitBefore(9)
    require.Equal(t, []LiveRange {{ 0, 6 }}, intervals.GetRanges())
    require.Equal(t, []LiveRange {{ 12, 18 }}, child.GetRanges())
}

func TestLiveRange_UsesRegister(t *testing.T) {
    wide := newLiveIntervals(testValue(t, ir.TypeWide))
    wide.AddRange(LiveRange { 0, 10 })
    wide.SetRegister(4)

    require.True(t, wide.UsesRegister(4, false))
    require.True(t, wide.UsesRegister(5, false))
    require.False(t, wide.UsesRegister(6, false))
    require.True(t, wide.UsesRegister(3, true))
    require.False(t, wide.UsesRegister(2, false))
    require.True(t, wide.UsesBothRegisters(4, 5))
    require.False(t, wide.UsesBothRegisters(5, 6))
}

func TestUnhandledQueue_Order(t *testing.T) {
    a := newLiveIntervals(testValue(t, ir.TypeSingle))
    a.AddRange(LiveRange { 4, 10 })
    b := newLiveIntervals(testValue(t, ir.TypeSingle))
    b.AddRange(LiveRange { 0, 10 })
    c := newLiveIntervals(testValue(t, ir.TypeSingle))
    c.AddRange(LiveRange { 4, 6 })

    var q _UnhandledQueue
    q.add(a)
    q.add(b)
    q.add(c)

    require.Same(t, b, q.poll())
    /* ties on start break by creation order */
    require.Same(t, a, q.poll())
    require.Same(t, c, q.poll())
    require.True(t, q.isEmpty())

    q.add(a)
    q.add(b)
    require.True(t, q.remove(a))
    require.False(t, q.remove(a))
    require.Same(t, b, q.poll())
}

func TestLiveIntervalsUse_Constraints(t *testing.T) {
    use4 := LiveIntervalsUse { 10, ir.U4BitMax }
    use8 := LiveIntervalsUse { 12, ir.U8BitMax }
    use16 := LiveIntervalsUse { 14, ir.U16BitMax }

    require.True(t, use4.HasConstraint())
    require.True(t, use8.HasConstraint())
    require.False(t, use16.HasConstraint())

    require.False(t, use4.hasConstraintInMode(_M_reuse4bit))
    require.True(t, use4.hasConstraintInMode(_M_8bit))
    require.False(t, use8.hasConstraintInMode(_M_8bit))
    require.True(t, use8.hasConstraintInMode(_M_16bit))
    require.False(t, use16.hasConstraintInMode(_M_16bit))
}

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

package ir

import (
    `testing`

    `github.com/stretchr/testify/require`
)

func buildDiamond(t *testing.T) (*Code, *Value, *Value, *Value, *Value) {
    b := NewBuilder("Test.diamond", true)
    entry := b.Code().EntryBlock()
    left := b.Block()
    right := b.Block()
    join := b.Block()

    c := b.Argument(TypeSingle)
    b.If(entry, c, left, right)

    x1 := b.ConstNumber(left, TypeSingle, 1)
    b.Goto(left, join)

    x2 := b.ConstNumber(right, TypeSingle, 2)
    b.Goto(right, join)

    p := b.Phi(join, TypeSingle)
    b.AddPhiOperand(p, x1)
    b.AddPhiOperand(p, x2)
    b.Return(join, p)

    code, err := b.Build()
    require.NoError(t, err)
    return code, c, x1, x2, p
}

func TestCode_NumberInstructions(t *testing.T) {
    code, _, _, _, _ := buildDiamond(t)
    blocks := code.NumberInstructions()
    require.Equal(t, code.Blocks, blocks)

    expect := 0
    for _, bb := range blocks {
        for _, ins := range bb.Instrs {
            require.Equal(t, expect, ins.Number)
            expect += InstructionNumberDelta
        }
    }
    require.Equal(t, expect, code.NextInstructionNumber())
}

func TestCode_TopologicalOrder(t *testing.T) {
    code, _, _, _, _ := buildDiamond(t)
    topo := code.TopologicallySortedBlocks()
    require.Len(t, topo, 4)
    require.Equal(t, code.EntryBlock(), topo[0])

    /* the join must come after both branches */
    pos := make(map[int]int)
    for i, bb := range topo {
        pos[bb.Id] = i
    }
    join := code.Blocks[3]
    for _, pred := range join.Preds {
        require.Less(t, pos[pred.Id], pos[join.Id])
    }
}

func TestCode_LiveAtEntrySets(t *testing.T) {
    code, c, x1, x2, p := buildDiamond(t)
    code.NumberInstructions()
    live := code.ComputeLiveAtEntrySets()

    entry := code.EntryBlock()
    left := code.Blocks[1]
    right := code.Blocks[2]
    join := code.Blocks[3]

    /* the phi is live at the entry of its own block, the operands are
     * not: they die on the inflowing edges */
    require.True(t, live[join].LiveValues.Contains(p))
    require.False(t, live[join].LiveValues.Contains(x1))
    require.False(t, live[join].LiveValues.Contains(x2))

    /* each branch needs only the operand it defines itself */
    require.False(t, live[left].LiveValues.Contains(x1))
    require.False(t, live[right].LiveValues.Contains(x2))

    /* the condition dies at the if */
    require.False(t, live[left].LiveValues.Contains(c))
    require.False(t, live[entry].LiveValues.Contains(c))
}

func TestValueSet_Order(t *testing.T) {
    code := NewBuilder("Test.order", true).Code()
    a := code.NewValue(TypeSingle)
    b := code.NewValue(TypeSingle)
    c := code.NewValue(TypeSingle)

    vs := NewValueSet()
    require.True(t, vs.Add(b))
    require.True(t, vs.Add(a))
    require.False(t, vs.Add(b))
    require.True(t, vs.Add(c))
    require.Equal(t, []*Value { b, a, c }, vs.Values())

    require.True(t, vs.Remove(a))
    require.Equal(t, []*Value { b, c }, vs.Values())

    other := NewValueSet()
    other.Add(c)
    other.Add(b)
    require.True(t, vs.Equals(other))
}

func TestInstr_RegisterLimits(t *testing.T) {
    b := NewBuilder("Test.limits", true)
    entry := b.Code().EntryBlock()
    o := b.Argument(TypeObject)
    v := b.InstanceGet(entry, TypeSingle, o)
    w := b.Move(entry, v)
    b.Return(entry, w)

    iget := v.Definition()
    require.Equal(t, U4BitMax, iget.MaxInValueRegister(o))
    require.Equal(t, U4BitMax, iget.MaxOutValueRegister())
    require.Equal(t, U16BitMax, w.Definition().MaxInValueRegister(v))
    require.True(t, iget.CanThrow())
    require.False(t, w.Definition().CanThrow())
}

func TestInstr_InvokeRangeLimit(t *testing.T) {
    b := NewBuilder("Test.invoke", true)
    entry := b.Code().EntryBlock()
    args := make([]*Value, 0, 6)
    for i := 0; i < 6; i++ {
        args = append(args, b.ConstNumber(entry, TypeSingle, int64(i)))
    }

    small := b.Invoke(entry, NoResult, args[:2]...)
    big := b.Invoke(entry, NoResult, args...)
    _ = small
    _ = big

    require.Equal(t, U4BitMax, entry.Instrs[6].MaxInValueRegister(args[0]))
    require.Equal(t, U16BitMax, entry.Instrs[7].MaxInValueRegister(args[0]))
}

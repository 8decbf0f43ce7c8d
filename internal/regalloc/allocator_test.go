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
    `fmt`
    `testing`

    `github.com/brianvoe/gofakeit/v6`
    `github.com/dexkit/dexc/internal/ir`
    `github.com/dexkit/dexc/internal/opts`
    `github.com/stretchr/testify/require`
)

func allocate(t *testing.T, code *ir.Code, mutate func(*opts.Options)) *Allocator {
    options := opts.GetDefaultOptions()
    options.MinSDK = 19
    if mutate != nil {
        mutate(&options)
    }
    auditInvariants = true
    defer func() { auditInvariants = false }()
    allocator := NewAllocator(code, &options)
    require.NoError(t, allocator.AllocateRegisters())
    checkNoLiveConflicts(t, allocator)
    checkUseConstraints(t, allocator)
    return allocator
}

func countSpillInstructions(code *ir.Code) int {
    n := 0
    for _, block := range code.Blocks {
        for _, ins := range block.Instrs {
            if ins.Out != nil && ins.Out.IsFixedRegisterValue() {
                n++
            }
        }
    }
    return n
}

func allSplits(allocator *Allocator) []*LiveIntervals {
    ret := make([]*LiveIntervals, 0, len(allocator.liveIntervals))
    for _, intervals := range allocator.liveIntervals {
        ret = append(ret, intervals)
        ret = append(ret, intervals.GetSplitChildren()...)
    }
    return ret
}

// checkNoLiveConflicts asserts spec property: overlapping intervals of
// distinct values never share a register slot.
func checkNoLiveConflicts(t *testing.T, allocator *Allocator) {
    splits := allSplits(allocator)
    for i, a := range splits {
        for _, b := range splits[i + 1:] {
            if a.SplitParent() == b.SplitParent() {
                continue
            }
            if !a.HasRegister() || !b.HasRegister() {
                continue
            }
            if !a.Overlaps(b) {
                continue
            }
            require.False(t, a.UsesRegister(b.GetRegister(), b.Type().IsWide()),
                "live conflict: %s (r%d) vs %s (r%d)", a, a.GetRegister(), b, b.GetRegister())
        }
    }
}

// checkUseConstraints asserts spec property: every constrained use is
// honored by the final register of the split covering it.
func checkUseConstraints(t *testing.T, allocator *Allocator) {
    for _, intervals := range allocator.liveIntervals {
        family := append([]*LiveIntervals { intervals }, intervals.GetSplitChildren()...)
        for _, split := range family {
            if !split.HasRegister() {
                continue
            }
            for _, use := range split.GetUses() {
                real := allocator.realRegisterNumberFromAllocated(split.GetRegister())
                require.LessOrEqual(t, real + split.RequiredRegisters() - 1, use.Limit,
                    "use constraint violated for %s at %d", split, use.Position)
            }
        }
    }
}

func TestAllocate_Identity(t *testing.T) {
    b := ir.NewBuilder("Test.identity", true)
    entry := b.Code().EntryBlock()
    x := b.Argument(ir.TypeSingle)
    b.Return(entry, x)
    code := b.MustBuild()

    allocator := allocate(t, code, nil)
    require.Equal(t, 1, allocator.RegistersUsed())
    require.Equal(t, 0, countSpillInstructions(code))

    register, err := allocator.GetRegisterForValue(x, x.Definition().Number)
    require.NoError(t, err)
    require.Equal(t, 0, register)
}

func TestAllocate_AddLong(t *testing.T) {
    b := ir.NewBuilder("Test.addLong", true)
    entry := b.Code().EntryBlock()
    a := b.Argument(ir.TypeWide)
    c := b.Argument(ir.TypeWide)
    sum := b.Add(entry, ir.NumLong, a, c)
    b.Return(entry, sum)
    code := b.MustBuild()

    allocator := allocate(t, code, nil)
    require.Equal(t, 4, allocator.RegistersUsed())
    require.Equal(t, 0, countSpillInstructions(code))

    add := sum.Definition()
    sumReg, err := allocator.GetRegisterForValue(sum, add.Number)
    require.NoError(t, err)
    aReg, err := allocator.GetRegisterForValue(a, add.Number)
    require.NoError(t, err)
    cReg, err := allocator.GetRegisterForValue(c, add.Number)
    require.NoError(t, err)
    require.Equal(t, 0, aReg)
    require.Equal(t, 2, cReg)

    /* the long-overlap workaround forbids half-overlap with either
     * operand; full overlap with one operand is fine */
    require.False(t, longHalfOverlappingLong(sumReg, aReg))
    require.False(t, longHalfOverlappingLong(sumReg, cReg))
}

func TestAllocate_LongWorkaroundPredicates(t *testing.T) {
    b := ir.NewBuilder("Test.longOverlap", true)
    entry := b.Code().EntryBlock()
    x := b.ConstNumber(entry, ir.TypeWide, 1)
    y := b.ConstNumber(entry, ir.TypeWide, 2)
    sum := b.Add(entry, ir.NumLong, x, y)
    b.Return(entry, sum)
    code := b.MustBuild()
    code.NumberInstructions()

    options := opts.GetDefaultOptions()
    options.MinSDK = 19
    allocator := NewAllocator(code, &options)
    allocator.valueIntervals = make(map[*ir.Value]*LiveIntervals)

    xi := allocator.createIntervals(x)
    xi.AddRange(LiveRange { 0, 4 })
    xi.SetRegister(1)
    yi := allocator.createIntervals(y)
    yi.AddRange(LiveRange { 2, 4 })
    yi.SetRegister(3)
    si := allocator.createIntervals(sum)
    si.AddRange(LiveRange { 4, 6 })

    require.True(t, allocator.needsLongResultOverlappingLongOperandsWorkaround(si))

    /* (0,1) half-overlaps x at (1,2); (1,2) is x itself; (2,3) half
     * overlaps both; (5,6) is clear */
    require.True(t, allocator.isLongResultOverlappingLongOperands(si, 0))
    require.False(t, allocator.isLongResultOverlappingLongOperands(si, 1))
    require.True(t, allocator.isLongResultOverlappingLongOperands(si, 2))
    require.False(t, allocator.isLongResultOverlappingLongOperands(si, 5))

    /* with a fixed target the workaround is off */
    options2 := opts.GetDefaultOptions()
    options2.MinSDK = 21
    allocator2 := NewAllocator(code, &options2)
    allocator2.valueIntervals = allocator.valueIntervals
    require.False(t, allocator2.needsLongResultOverlappingLongOperandsWorkaround(si))
}

func TestAllocate_InvokeRange(t *testing.T) {
    b := ir.NewBuilder("Test.invokeRange", true)
    entry := b.Code().EntryBlock()
    args := make([]*ir.Value, 0, 20)
    for i := 0; i < 20; i++ {
        args = append(args, b.ConstNumber(entry, ir.TypeSingle, int64(i)))
    }
    invoke := b.Invoke(entry, ir.NoResult, args...)
    _ = invoke
    b.Return(entry, nil)
    code := b.MustBuild()

    allocator := allocate(t, code, nil)
    require.Equal(t, 20, allocator.RegistersUsed())
    require.Equal(t, 0, countSpillInstructions(code))

    call := entry.Instrs[20]
    require.Equal(t, ir.OpInvoke, call.Op)

    base, err := allocator.GetRegisterForValue(args[0], call.Number)
    require.NoError(t, err)
    for i, arg := range args {
        register, err := allocator.GetRegisterForValue(arg, call.Number)
        require.NoError(t, err)
        require.Equal(t, base + i, register, "operand %d not consecutive", i)
    }
}

func buildMonitorMethod(t *testing.T) (*ir.Code, *ir.Value, *ir.Value, *ir.BasicBlock) {
    b := ir.NewBuilder("Test.monitor", true)
    entry := b.Code().EntryBlock()
    body := b.Block()
    handler := b.Block()
    end := b.Block()

    x := b.NewInstance(entry)
    b.MonitorEnter(entry, x)
    b.Goto(entry, body)

    b.Invoke(body, ir.NoResult, x)
    b.Goto(body, end)
    b.CatchEdge(body, handler)

    e := b.MoveException(handler)
    b.Invoke(handler, ir.NoResult, e)
    b.MonitorExit(handler, x)
    b.Goto(handler, end)

    b.Return(end, nil)
    return b.MustBuild(), x, e, handler
}

func TestAllocate_MoveException(t *testing.T) {
    code, x, e, handler := buildMonitorMethod(t)
    allocator := allocate(t, code, nil)

    /* move-exception stays the first instruction of its handler */
    require.True(t, handler.Instrs[0].IsMoveException())

    _, err := allocator.GetRegisterForValue(x, handler.Instrs[0].Number)
    require.NoError(t, err)
    _, err = allocator.GetRegisterForValue(e, handler.Instrs[0].Number)
    require.NoError(t, err)
}

func TestAllocate_MoveExceptionPessimistic(t *testing.T) {
    code, x, _, handler := buildMonitorMethod(t)
    allocator := allocate(t, code, func(o *opts.Options) {
        o.Testing.AlwaysUsePessimisticRegisterAllocation = true
    })

    /* even with splitting and a dedicated exception register, nothing
     * may slip in front of the move-exception */
    require.True(t, handler.Instrs[0].IsMoveException())

    /* x stays readable across the exceptional edge */
    _, err := allocator.GetRegisterForValue(x, handler.Exit().Number)
    require.NoError(t, err)
}

func TestAllocate_PhiCoalescing(t *testing.T) {
    b := ir.NewBuilder("Test.phi", true)
    entry := b.Code().EntryBlock()
    left := b.Block()
    right := b.Block()
    join := b.Block()

    c := b.Argument(ir.TypeSingle)
    b.If(entry, c, left, right)
    x1 := b.ConstNumber(left, ir.TypeSingle, 1)
    b.Goto(left, join)
    x2 := b.ConstNumber(right, ir.TypeSingle, 2)
    b.Goto(right, join)
    p := b.Phi(join, ir.TypeSingle)
    b.AddPhiOperand(p, x1)
    b.AddPhiOperand(p, x2)
    b.Return(join, p)
    code := b.MustBuild()

    allocator := allocate(t, code, nil)

    /* operand hints coalesce the phi and both operands into one
     * register, so no phi moves materialize */
    p1, err := allocator.GetRegisterForValue(x1, left.Exit().Number)
    require.NoError(t, err)
    p2, err := allocator.GetRegisterForValue(x2, right.Exit().Number)
    require.NoError(t, err)
    pj, err := allocator.GetRegisterForValue(p, join.Entry().Number)
    require.NoError(t, err)
    require.Equal(t, p1, p2)
    require.Equal(t, p1, pj)
    require.Equal(t, 0, countSpillInstructions(code))
}

func TestAllocate_ArgumentConstraint(t *testing.T) {
    /* an argument with a 4-bit use keeps its incoming register and is
     * copied down only when the method is large enough to need it */
    b := ir.NewBuilder("Test.argConstraint", false)
    entry := b.Code().EntryBlock()
    this := b.This()
    o := b.Argument(ir.TypeObject)
    v := b.InstanceGet(entry, ir.TypeSingle, o)
    b.Return(entry, v)
    code := b.MustBuild()
    _ = this

    allocator := allocate(t, code, nil)
    iget := v.Definition()
    oReg, err := allocator.GetRegisterForValue(o, iget.Number)
    require.NoError(t, err)
    require.LessOrEqual(t, oReg, ir.U4BitMax)
}

func TestAllocate_Deterministic(t *testing.T) {
    build := func() (*ir.Code, *ir.BasicBlock) {
        b := ir.NewBuilder("Test.det", true)
        entry := b.Code().EntryBlock()
        vals := make([]*ir.Value, 0, 8)
        for i := 0; i < 8; i++ {
            vals = append(vals, b.ConstNumber(entry, ir.TypeSingle, int64(i)))
        }
        s := vals[0]
        for _, v := range vals[1:] {
            s = b.Add(entry, ir.NumInt, s, v)
        }
        b.Return(entry, s)
        return b.MustBuild(), entry
    }

    code1, entry1 := build()
    code2, entry2 := build()
    a1 := allocate(t, code1, nil)
    a2 := allocate(t, code2, nil)
    require.Equal(t, a1.RegistersUsed(), a2.RegistersUsed())

    for i := range entry1.Instrs {
        i1, i2 := entry1.Instrs[i], entry2.Instrs[i]
        if i1.Out == nil || !i1.Out.NeedsRegister() {
            continue
        }
        r1, err := a1.GetRegisterForValue(i1.Out, i1.Number)
        require.NoError(t, err)
        r2, err := a2.GetRegisterForValue(i2.Out, i2.Number)
        require.NoError(t, err)
        require.Equal(t, r1, r2)
    }
}

func TestAllocate_ValueWithoutIntervals(t *testing.T) {
    b := ir.NewBuilder("Test.missing", true)
    entry := b.Code().EntryBlock()
    x := b.Argument(ir.TypeSingle)
    b.Return(entry, x)
    code := b.MustBuild()

    allocator := allocate(t, code, nil)
    stray := code.NewValue(ir.TypeSingle)
    _, err := allocator.GetRegisterForValue(stray, 0)
    require.Error(t, err)
    var ce *CompilationError
    require.ErrorAs(t, err, &ce)
    require.Equal(t, "Test.missing", ce.Method)
}

func TestAllocate_RandomStraightLine(t *testing.T) {
    faker := gofakeit.New(0x5eed)
    for round := 0; round < 25; round++ {
        nconst := faker.Number(2, 12)
        nops := faker.Number(1, 10)

        b := ir.NewBuilder(fmt.Sprintf("Test.random%d", round), true)
        entry := b.Code().EntryBlock()
        pool := make([]*ir.Value, 0, nconst + nops)
        for i := 0; i < nconst; i++ {
            pool = append(pool, b.ConstNumber(entry, ir.TypeSingle, int64(faker.Number(0, 1000))))
        }
        for i := 0; i < nops; i++ {
            lhs := pool[faker.Number(0, len(pool) - 1)]
            rhs := pool[faker.Number(0, len(pool) - 1)]
            pool = append(pool, b.Add(entry, ir.NumInt, lhs, rhs))
        }
        b.Return(entry, pool[len(pool) - 1])
        code := b.MustBuild()

        pessimistic := round % 2 == 1
        allocator := allocate(t, code, func(o *opts.Options) {
            o.Testing.AlwaysUsePessimisticRegisterAllocation = pessimistic
        })
        require.Greater(t, allocator.RegistersUsed(), 0)
    }
}

func TestAllocate_RandomDiamonds(t *testing.T) {
    faker := gofakeit.New(0xd1a)
    for round := 0; round < 15; round++ {
        b := ir.NewBuilder(fmt.Sprintf("Test.diamond%d", round), true)
        entry := b.Code().EntryBlock()
        left := b.Block()
        right := b.Block()
        join := b.Block()

        c := b.Argument(ir.TypeSingle)
        extra := make([]*ir.Value, 0, 4)
        for i := faker.Number(0, 3); i > 0; i-- {
            extra = append(extra, b.ConstNumber(entry, ir.TypeSingle, int64(i)))
        }
        b.If(entry, c, left, right)

        x1 := b.ConstNumber(left, ir.TypeSingle, 1)
        for _, v := range extra {
            x1 = b.Add(left, ir.NumInt, x1, v)
        }
        b.Goto(left, join)

        x2 := b.ConstNumber(right, ir.TypeSingle, 2)
        b.Goto(right, join)

        p := b.Phi(join, ir.TypeSingle)
        b.AddPhiOperand(p, x1)
        b.AddPhiOperand(p, x2)
        b.Return(join, p)
        code := b.MustBuild()

        allocator := allocate(t, code, nil)
        _, err := allocator.GetRegisterForValue(p, join.Entry().Number)
        require.NoError(t, err)
    }
}

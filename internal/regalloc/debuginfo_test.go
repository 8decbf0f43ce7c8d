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
    `github.com/kr/pretty`
    `github.com/stretchr/testify/require`
)

func collectLocalsChanges(code *ir.Code) []*ir.Instr {
    var ret []*ir.Instr
    for _, block := range code.Blocks {
        for _, ins := range block.Instrs {
            if ins.Op == ir.OpDebugLocalsChange {
                ret = append(ret, ins)
            }
        }
    }
    return ret
}

func TestDebugInfo_StraightLine(t *testing.T) {
    b := ir.NewBuilder("Test.debugLocals", true)
    entry := b.Code().EntryBlock()
    x := b.SetLocal(b.Argument(ir.TypeSingle), "x", "I")
    k := b.SetLocal(b.ConstNumber(entry, ir.TypeSingle, 42), "k", "I")
    s := b.SetLocal(b.Add(entry, ir.NumInt, x, k), "s", "I")
    b.Return(entry, s)
    code := b.MustBuild()

    allocator := allocate(t, code, func(o *opts.Options) { o.Debug = true })

    xReg, err := allocator.GetRegisterForValue(x, x.Definition().Number)
    require.NoError(t, err)
    kReg, err := allocator.GetRegisterForValue(k, k.Definition().Number)
    require.NoError(t, err)
    sReg, err := allocator.GetRegisterForValue(s, s.Definition().Number)
    require.NoError(t, err)

    /* the arguments own the entry locals */
    wantEntry := map[int]*ir.LocalInfo { xReg: x.LocalInfo() }
    if diff := pretty.Diff(wantEntry, entry.LocalsAtEntry); len(diff) != 0 {
        t.Fatalf("entry locals mismatch: %v", diff)
    }

    changes := collectLocalsChanges(code)
    require.Len(t, changes, 2)

    /* k opens before the add */
    wantStart := map[int]*ir.LocalInfo { kReg: k.LocalInfo() }
    if diff := pretty.Diff(wantStart, changes[0].Starting); len(diff) != 0 {
        t.Fatalf("first locals change mismatch: %v", diff)
    }
    require.Empty(t, changes[0].Ending)

    /* x and k close at the return, s opens */
    wantEnd := map[int]*ir.LocalInfo { xReg: x.LocalInfo(), kReg: k.LocalInfo() }
    if diff := pretty.Diff(wantEnd, changes[1].Ending); len(diff) != 0 {
        t.Fatalf("second locals change ending mismatch: %v", diff)
    }
    wantOpen := map[int]*ir.LocalInfo { sReg: s.LocalInfo() }
    if diff := pretty.Diff(wantOpen, changes[1].Starting); len(diff) != 0 {
        t.Fatalf("second locals change starting mismatch: %v", diff)
    }
}

func TestDebugInfo_NoLocalsNoChanges(t *testing.T) {
    b := ir.NewBuilder("Test.noLocals", true)
    entry := b.Code().EntryBlock()
    x := b.Argument(ir.TypeSingle)
    b.Return(entry, x)
    code := b.MustBuild()

    allocate(t, code, func(o *opts.Options) { o.Debug = true })
    require.Empty(t, collectLocalsChanges(code))
}

func TestDebugInfo_EqualTypesAtEntry(t *testing.T) {
    b := ir.NewBuilder("Test.entryTypes", true)
    first := b.Code().EntryBlock()
    second := b.Block()
    b.Goto(first, second)
    b.Return(second, nil)
    code := b.MustBuild()

    options := opts.GetDefaultOptions()
    allocator := NewAllocator(code, &options)

    local := &ir.LocalInfo { Name: "x", Signature: "I" }
    first.LocalsAtEntry = map[int]*ir.LocalInfo { 0: local }
    second.LocalsAtEntry = map[int]*ir.LocalInfo { 0: local }
    require.True(t, allocator.HasEqualTypesAtEntry(first, second))

    second.LocalsAtEntry[1] = local
    require.False(t, allocator.HasEqualTypesAtEntry(first, second))

    delete(second.LocalsAtEntry, 1)
    second.LocalsAtEntry[0] = &ir.LocalInfo { Name: "y", Signature: "I" }
    require.False(t, allocator.HasEqualTypesAtEntry(first, second))
}

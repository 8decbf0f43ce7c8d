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
    `strings`

    `github.com/bytedance/gopkg/collection/skipset`
    `github.com/davecgh/go-spew/spew`
    `github.com/dexkit/dexc/internal/ir`
    `github.com/dexkit/dexc/internal/opts`
)

const (
    _MinConstantFreePositions        = 5
    _ExceptionIntervalsOverlapCutoff = 500
)

// auditInvariants turns on the loop-top consistency audit; tests flip
// it to catch interval-set corruption close to its source.
var auditInvariants = false

// Allocator is a linear-scan register allocator for one method body.
// The implementation follows Wimmer's linear scan on SSA form with
// lifetime holes, interval splitting and rematerialization, extended
// with the register-width retry ladder the DEX encodings require.
type Allocator struct {
    code    *ir.Code
    options *opts.Options

    /* number of registers used for arguments, and the prefix of them
     * assumed to sit in 4-bit registers during 8-bit refinement */
    numberOfArgumentRegisters     int
    numberOf4BitArgumentRegisters int

    liveAtEntrySets    map[*ir.BasicBlock]*ir.LiveAtEntrySets
    firstArgumentValue *ir.Value

    mode              _Mode
    freeRegisters     *skipset.IntSet
    maxRegisterNumber int

    liveIntervals  []*LiveIntervals
    valueIntervals map[*ir.Value]*LiveIntervals

    active    []*LiveIntervals
    inactive  []*LiveIntervals
    unhandled _UnhandledQueue

    /* registers released exactly at the current position */
    expiredHere []int

    moveExceptionIntervals []*LiveIntervals

    firstParallelMoveTemporary int
    unusedRegisters            []int
    allocated                  bool
}

func NewAllocator(code *ir.Code, options *opts.Options) *Allocator {
    argumentRegisters := 0
    for _, ins := range code.EntryBlock().Instrs {
        if !ins.IsArgument() {
            break
        }
        argumentRegisters += ins.Out.RequiredRegisters()
    }
    return &Allocator {
        code                       : code,
        options                    : options,
        numberOfArgumentRegisters  : argumentRegisters,
        freeRegisters              : newFreeSet(),
        maxRegisterNumber          : -1,
        valueIntervals             : make(map[*ir.Value]*LiveIntervals),
        firstParallelMoveTemporary : NoRegister,
    }
}

func (self *Allocator) hasDedicatedMoveExceptionRegister() bool {
    return len(self.moveExceptionIntervals) > 0
}

// The dedicated move-exception register sits right after the arguments.
func (self *Allocator) getMoveExceptionRegister() int {
    return self.numberOfArgumentRegisters
}

func (self *Allocator) getMoveExceptionOffsetForLocalRegisters() int {
    if self.hasDedicatedMoveExceptionRegister() && self.isDedicatedMoveExceptionRegisterInLastLocalRegister() {
        return 1
    }
    return 0
}

func (self *Allocator) isDedicatedMoveExceptionRegister(register int) bool {
    return self.hasDedicatedMoveExceptionRegister() && register == self.getMoveExceptionRegister()
}

func (self *Allocator) isDedicatedMoveExceptionRegisterInFirstLocalRegister() bool {
    if self.mode.is4Bit() || self.mode.is16Bit() || self.mode.is8BitRefinement() {
        return true
    }
    return !self.options.Testing.EnableUseLastLocalRegisterAsMoveExceptionRegister
}

func (self *Allocator) isDedicatedMoveExceptionRegisterInLastLocalRegister() bool {
    return !self.isDedicatedMoveExceptionRegisterInFirstLocalRegister()
}

// AllocateRegisters runs the whole pipeline. On return every value has
// a final register, all spill and resolution moves are in the IR, and
// register numbers are compacted. Internal invariant violations are
// surfaced as *CompilationError.
func (self *Allocator) AllocateRegisters() (err error) {
    defer func() {
        if v := recover(); v != nil {
            err = compilationErrorf(self.code.Method, "%v", v)
        }
    }()

    if self.allocated {
        return compilationErrorf(self.code.Method, "allocator invoked twice")
    }
    self.allocated = true

    if implementationIsBridge(self.code) {
        self.transformBridgeMethod()
    }
    self.computeNeedsRegister()
    self.constrainArgumentIntervals()
    self.insertRangeInvokeMoves()

    blocks := self.code.NumberInstructions()
    self.liveAtEntrySets = self.code.ComputeLiveAtEntrySets()
    self.computeLiveRanges()

    self.performAllocation()

    if self.options.Debug {
        self.computeDebugInfo(blocks)
    }
    self.clearState()
    return nil
}

func (self *Allocator) performAllocation() {
    initial := _M_8bit
    if self.numberOfArgumentRegisters <= ir.U4BitMax {
        initial = _M_reuse4bit
    }
    self.performAllocationInMode(initial, false)
}

func (self *Allocator) retryAllocation(mode _Mode) _Mode {
    return self.performAllocationInMode(mode, true)
}

func (self *Allocator) performAllocationInMode(mode _Mode, retry bool) _Mode {
    result := mode
    self.mode = mode

    if retry {
        self.clearRegisterAssignments()
        self.removeSpillAndPhiMoves()
    }

    self.pinArgumentRegisters()
    succeeded := self.performLinearScan()

    if succeeded {
        self.insertMoves()
        /* with the final max register known, argument splits whose
         * constraints all fit may collapse back onto the incoming
         * registers, killing the argument moves */
        if self.unsplitArguments() {
            self.removeSpillAndPhiMoves()
            self.insertMoves()
        }
        self.computeUnusedRegisters()
    } else if !mode.is4Bit() {
        panic("regalloc: linear scan failed outside 4-bit mode")
    }

    if self.options.DumpAllocator {
        fmt.Printf("regalloc: mode %s of `%s`:\n%s", mode, self.code.Method, self.debugString())
    }

    switch mode {
        case _M_reuse4bit: {
            if !succeeded || self.HighestUsedRegister() > ir.U4BitMax || self.options.Testing.AlwaysUsePessimisticRegisterAllocation {
                /* in principle 8-bit allocation can overflow as well; it
                 * is extremely rare for a method to need more than 256
                 * registers though */
                result = self.retryAllocation(_M_8bit)
            }
        }

        case _M_8bit: {
            if self.HighestUsedRegister() > ir.U8BitMax || self.options.Testing.AlwaysUsePessimisticRegisterAllocation {
                self.unusedRegisters = nil
                result = self.retryAllocation(_M_16bit)
            } else if self.retry8BitAllocationWith4BitArgumentRegisters() {
                /* refine using the knowledge that a prefix of the
                 * argument registers lives in 4-bit range */
                self.unusedRegisters = nil
                result = self.retryAllocation(_M_8bitRefinement)
            }
        }

        case _M_8bitRefinement: {
            if self.HighestUsedRegister() > ir.U8BitMax || self.numberOf4BitArgumentRegisters > self.computeNumberOf4BitArgumentRegisters() {
                /* the refinement regressed; redo without it */
                self.numberOf4BitArgumentRegisters = 0
                self.unusedRegisters = nil
                result = self.retryAllocation(_M_8bitRetry)
            }
        }

        case _M_8bitRetry: {
            if self.HighestUsedRegister() > ir.U8BitMax {
                panic("regalloc: 8-bit retry overflowed")
            }
        }

        case _M_16bit: {
            if self.HighestUsedRegister() > ir.U16BitMax {
                panic("regalloc: 16-bit allocation overflowed")
            }
        }
    }
    return result
}

func (self *Allocator) retry8BitAllocationWith4BitArgumentRegisters() bool {
    if !self.options.Testing.EnableRegisterAllocation8BitRefinement || self.numberOfArgumentRegisters == 0 {
        return false
    }
    if self.numberOf4BitArgumentRegisters != 0 {
        return false
    }
    self.numberOf4BitArgumentRegisters = self.computeNumberOf4BitArgumentRegisters()
    return self.numberOf4BitArgumentRegisters > 0
}

// computeNumberOf4BitArgumentRegisters counts the argument registers
// whose post-swap numbers fit a 4-bit encoding, including the low half
// of a wide argument that straddles the boundary.
func (self *Allocator) computeNumberOf4BitArgumentRegisters() int {
    count := 0
    start := self.RegistersUsed() - self.numberOfArgumentRegisters
    for argument := self.firstArgumentValue; argument != nil; argument = argument.NextConsecutive() {
        required := argument.RequiredRegisters()
        next := start + required
        if next - 1 <= ir.U4BitMax {
            start = next
            count += required
        } else {
            if start <= ir.U4BitMax {
                count++
            }
            break
        }
    }
    return count
}

// unsplitArguments checks, per argument, whether every split can just
// use the incoming register after all; if so the splits collapse and
// move insertion runs again without the argument moves.
func (self *Allocator) unsplitArguments() bool {
    if self.mode.is4Bit() {
        return false
    }
    unsplit := false
    for current := self.firstArgumentValue; current != nil; current = current.NextConsecutive() {
        intervals := self.intervalsFor(current)
        canUseArgumentRegister := true
        couldUseArgumentRegister := true
        for _, child := range intervals.GetSplitChildren() {
            if child.IsInvokeRangeIntervals() {
                canUseArgumentRegister = false
                break
            }
            if limit := child.GetRegisterLimit(); limit < ir.U16BitMax {
                couldUseArgumentRegister = false
                if limit < self.HighestUsedRegister() {
                    canUseArgumentRegister = false
                    break
                }
            }
        }
        /* only rerun move insertion when a constrained use really can
         * take the original argument register */
        if canUseArgumentRegister && !couldUseArgumentRegister {
            unsplit = true
            for _, child := range intervals.GetSplitChildren() {
                child.ClearRegisterAssignment()
                child.SetRegister(intervals.GetRegister())
                child.SetSpilled(false)
            }
        }
    }
    return unsplit
}

func (self *Allocator) removeSpillAndPhiMoves() {
    for _, block := range self.code.Blocks {
        n := 0
        for _, ins := range block.Instrs {
            if !isSpillInstruction(ins) {
                block.Instrs[n] = ins
                n++
            }
        }
        block.Instrs = block.Instrs[:n]
    }
}

// isSpillInstruction recognizes the moves and constant loads inserted
// by move insertion: they write fixed-register values and carry no
// instruction number.
func isSpillInstruction(ins *ir.Instr) bool {
    if ins.Out != nil && ins.Out.IsFixedRegisterValue() {
        if ins.Number != -1 || (ins.Op != ir.OpMove && ins.Op != ir.OpConstNumber) {
            panic("regalloc: malformed spill instruction")
        }
        return true
    }
    return false
}

func (self *Allocator) clearRegisterAssignments() {
    self.freeRegisters = newFreeSet()
    self.maxRegisterNumber = -1
    self.active = self.active[:0]
    self.inactive = self.inactive[:0]
    self.expiredHere = self.expiredHere[:0]
    self.unhandled.clear()
    self.moveExceptionIntervals = self.moveExceptionIntervals[:0]
    for _, intervals := range self.liveIntervals {
        intervals.UndoSplits()
        if intervals.HasRegister() {
            intervals.SetSpilled(false)
        }
        intervals.ClearRegisterAssignment()
        intervals.UnsetIsInvokeRangeIntervals()
    }
}

func (self *Allocator) clearState() {
    self.liveAtEntrySets = nil
    self.active = nil
    self.inactive = nil
    self.unhandled.clear()
    self.freeRegisters = nil
    self.expiredHere = nil
}

func (self *Allocator) pinArgumentRegisters() {
    if self.firstArgumentValue == nil {
        return
    }
    self.increaseCapacity(self.numberOfArgumentRegisters - 1, true)
    register := 0
    for current := self.firstArgumentValue; current != nil; current = current.NextConsecutive() {
        intervals := self.intervalsFor(current)
        self.assignRegister(intervals, register)
        register += current.RequiredRegisters()
    }
}

func (self *Allocator) isPinnedArgument(value *ir.Value) bool {
    return value.IsArgument() && self.isPinnedArgumentRegister(self.intervalsFor(value))
}

func (self *Allocator) isPinnedArgumentRegister(intervals *LiveIntervals) bool {
    if !intervals.IsArgumentInterval() {
        return false
    }
    if self.mode.is4Bit() {
        /* 4-bit mode does not pin arguments, unless the receiver has
         * to stay put for buggy verifiers and debuggers */
        if self.options.Debug || self.options.CanHaveThisTypeVerifierBug() || self.options.CanHaveThisJitCodeDebuggingBug() {
            return intervals.SplitParent().Value().IsThis()
        }
        return false
    }
    return true
}

// canSkipArgumentMove recognizes splits that sit in their pinned
// incoming register on both sides of a boundary.
func (self *Allocator) canSkipArgumentMove(intervals *LiveIntervals) bool {
    if !self.isPinnedArgumentRegister(intervals) {
        return false
    }
    if intervals.GetRegister() >= self.numberOfArgumentRegisters {
        return false
    }
    return intervals.GetRegister() == intervals.SplitParent().GetRegister()
}

// RegistersUsed is the number of register slots the method occupies
// after compaction.
func (self *Allocator) RegistersUsed() int {
    n := self.maxRegisterNumber + 1
    if self.unusedRegisters != nil {
        return n - lastOrZero(self.unusedRegisters)
    }
    return n
}

// HighestUsedRegister is the largest final register number.
func (self *Allocator) HighestUsedRegister() int {
    return self.RegistersUsed() - 1
}

// FirstParallelMoveTemporary is the first register reserved for cycle
// breaking in parallel moves.
func (self *Allocator) FirstParallelMoveTemporary() int {
    return self.realRegisterNumberFromAllocated(self.firstParallelMoveTemporary)
}

// GetRegisterForValue is the final physical register of value at the
// given instruction position.
func (self *Allocator) GetRegisterForValue(value *ir.Value, instructionNumber int) (int, error) {
    if value.IsFixedRegisterValue() {
        return self.realRegisterNumberFromAllocated(value.FixedRegister), nil
    }
    intervals := self.intervalsFor(value)
    if intervals == nil {
        return NoRegister, compilationErrorf(self.code.Method,
            "unexpected attempt to get register for a value without live intervals")
    }
    if intervals.HasSplits() {
        intervals = intervals.GetSplitCovering(instructionNumber)
    }
    return self.getRegisterForIntervals(intervals), nil
}

func (self *Allocator) getArgumentOrAllocateRegisterForValue(value *ir.Value, instructionNumber int) int {
    if self.isPinnedArgument(value) {
        return self.getRegisterForIntervals(self.intervalsFor(value).SplitParent())
    }
    register, err := self.GetRegisterForValue(value, instructionNumber)
    if err != nil {
        panic(err)
    }
    return register
}

func (self *Allocator) getRegisterForIntervals(intervals *LiveIntervals) int {
    return self.realRegisterNumberFromAllocated(intervals.GetRegister())
}

// HasEqualTypesAtEntry compares the locals-at-entry maps of two blocks;
// block merging relies on it.
func (self *Allocator) HasEqualTypesAtEntry(first *ir.BasicBlock, second *ir.BasicBlock) bool {
    if len(first.LocalsAtEntry) != len(second.LocalsAtEntry) {
        return false
    }
    for register, local := range first.LocalsAtEntry {
        if second.LocalsAtEntry[register] != local {
            return false
        }
    }
    return true
}

func (self *Allocator) invariantsHold() bool {
    computed := newFreeSet()
    for register := 0; register <= self.maxRegisterNumber; register++ {
        computed.Add(register)
    }
    for _, activeIntervals := range self.active {
        if !self.registersForIntervalsAreTaken(activeIntervals) {
            panic("regalloc: active intervals with free registers")
        }
        activeIntervals.ForEachRegister(func(register int) {
            if !computed.Remove(register) {
                panic(fmt.Sprintf("regalloc: register %d taken twice", register))
            }
        })
    }
    for _, activeIntervals := range self.active {
        if self.isPinnedArgumentRegister(activeIntervals) {
            parent := activeIntervals.SplitParent()
            if parent.GetRegister() != activeIntervals.GetRegister() {
                parent.ForEachRegister(func(register int) {
                    if !computed.Remove(register) {
                        panic(fmt.Sprintf("regalloc: pinned argument register %d taken twice", register))
                    }
                })
            }
        }
    }
    if self.hasDedicatedMoveExceptionRegister() {
        self.freeRegisters.Remove(self.getMoveExceptionRegister())
        computed.Remove(self.getMoveExceptionRegister())
    }
    if len(self.expiredHere) != 0 {
        panic("regalloc: expired registers leaked across iterations")
    }
    want := freeSetSlice(computed)
    have := freeSetSlice(self.freeRegisters)
    if len(want) != len(have) {
        panic(fmt.Sprintf("regalloc: free set mismatch: %v != %v", have, want))
    }
    for i := range want {
        if want[i] != have[i] {
            panic(fmt.Sprintf("regalloc: free set mismatch: %v != %v", have, want))
        }
    }
    return true
}

func (self *Allocator) debugString() string {
    var sb strings.Builder
    sb.WriteString("live ranges:\n")
    for _, intervals := range self.liveIntervals {
        if intervals.GetRegister() == NoRegister {
            fmt.Fprintf(&sb, "%-20s |%s\n", intervals.Value().String() + " (no reg):", intervals.AsciiArt())
        } else {
            fmt.Fprintf(&sb, "%-20s |%s\n", fmt.Sprintf("%s r%d:", intervals.Value(), intervals.GetRegister()), intervals.AsciiArt())
        }
        for _, child := range intervals.GetSplitChildren() {
            fmt.Fprintf(&sb, "%-20s |%s\n", fmt.Sprintf("  split r%d:", child.GetRegister()), child.AsciiArt())
        }
    }
    sb.WriteString(spew.Sdump(freeSetSlice(self.freeRegisters)))
    return sb.String()
}

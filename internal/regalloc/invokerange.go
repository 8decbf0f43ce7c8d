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
    `github.com/dexkit/dexc/internal/ir`
)

// needsInvokeRangeLiveIntervals: a call needs a consecutive register
// block when it has more than 5 argument words, except when it reads a
// chain of pinned arguments in place.
func (self *Allocator) needsInvokeRangeLiveIntervals(instruction *ir.Instr) bool {
    if instruction.Op != ir.OpInvoke || instruction.RequiredArgumentRegisters() <= 5 {
        return false
    }
    if argumentsAreAlreadyLinked(instruction) {
        allPinned := true
        for _, argument := range instruction.In {
            if !self.isPinnedArgumentRegister(self.intervalsFor(argument)) {
                allPinned = false
                break
            }
        }
        if allPinned {
            return false
        }
    }
    return true
}

// splitLiveIntervalsForInvokeRange cuts each invoke-range argument
// exactly around its call, marking the call-spanning split.
func (self *Allocator) splitLiveIntervalsForInvokeRange() bool {
    hasInvokeRangeLiveIntervals := false
    for _, intervals := range self.liveIntervals {
        value := intervals.Value()
        for _, invoke := range value.UniqueUsers(self.needsInvokeRangeLiveIntervals) {
            overlappingIntervals := intervals.GetSplitCovering(invoke.Number)
            var invokeRangeIntervals *LiveIntervals
            if overlappingIntervals.GetStart() == toGapPosition(invoke.Number) {
                invokeRangeIntervals = overlappingIntervals
            } else {
                invokeRangeIntervals = overlappingIntervals.SplitBefore(invoke.Number)
                self.unhandled.add(invokeRangeIntervals)
            }
            invokeRangeIntervals.SetIsInvokeRangeIntervals()
            if invoke.Number + 1 < invokeRangeIntervals.GetEnd() {
                successorIntervals := invokeRangeIntervals.SplitAfter(invoke.Number)
                self.unhandled.add(successorIntervals)
            }
            hasInvokeRangeLiveIntervals = true
        }
    }
    return hasInvokeRangeLiveIntervals
}

// allocateRegistersForInvokeRangeSplits performs the look-ahead: when
// the popped interval feeds an invoke-range call, the whole argument
// chain gets its consecutive block now, and the chain members move to
// inactive with hints propagated to their siblings.
func (self *Allocator) allocateRegistersForInvokeRangeSplits(unhandledIntervals *LiveIntervals) {
    value := unhandledIntervals.Value()
    for _, invoke := range value.UniqueUsers(self.needsInvokeRangeLiveIntervals) {
        overlappingIntervals := unhandledIntervals.SplitParent().GetSplitCovering(invoke.Number)
        if overlappingIntervals.HasRegister() {
            continue
        }

        intervalsList := make([]*LiveIntervals, 0, len(invoke.In))
        for _, invokeArgument := range invoke.In {
            overlapping := self.intervalsFor(invokeArgument).GetSplitCovering(invoke.Number)
            intervalsList = append(intervalsList, overlapping)
        }

        /* save the allocation state to restore afterwards */
        savedFreeRegisters := cloneFreeSet(self.freeRegisters)
        savedMaxRegisterNumber := self.maxRegisterNumber

        /* treat actives overlapping any chain member as blocked;
         * overlap-free argument registers stay usable, which improves
         * bridge methods that forward their arguments */
        for _, activeIntervals := range self.active {
            if overlapsAnyOf(activeIntervals, intervalsList) {
                self.excludeRegistersForInterval(activeIntervals)
            } else if activeIntervals.IsArgumentInterval() {
                self.freeOccupiedRegistersForIntervals(activeIntervals)
            }
        }

        for _, intervals := range intervalsList {
            self.unhandled.remove(intervals)
        }
        self.allocateLinkedIntervals(intervalsList, invoke)

        /* restore the free set, extended with any fresh capacity */
        self.freeRegisters = savedFreeRegisters
        for i := savedMaxRegisterNumber + 1; i <= self.maxRegisterNumber; i++ {
            self.freeRegisters.Add(i)
        }
        self.inactive = append(self.inactive, intervalsList...)
    }
}

func (self *Allocator) allocateLinkedIntervals(intervalsList []*LiveIntervals, invoke *ir.Instr) {
    start := intervalsList[0]

    consecutiveArguments := true
    for i, current := range intervalsList {
        if i > 0 && current.SplitParent().PreviousConsecutive() != intervalsList[i - 1].SplitParent() {
            consecutiveArguments = false
            break
        }
    }
    consecutivePinnedArguments := consecutiveArguments
    if consecutivePinnedArguments {
        for _, intervals := range intervalsList {
            if !self.isPinnedArgumentRegister(intervals) {
                consecutivePinnedArguments = false
                break
            }
        }
    }

    var nextRegister int
    if consecutivePinnedArguments {
        /* the call reads the arguments from their input registers */
        nextRegister = start.SplitParent().GetRegister()
    } else {
        numberOfRegisters := 0
        for _, intervals := range intervalsList {
            numberOfRegisters += intervals.RequiredRegisters()
        }
        numberOfOutRegisters := 0
        if invoke.Out != nil {
            numberOfOutRegisters = invoke.Out.RequiredRegisters()
        }

        /* reserve room at the bottom of the locals for the result when
         * the block itself will not fit 4-bit registers */
        if numberOfOutRegisters > 0 && numberOfRegisters + numberOfOutRegisters - 1 > ir.U4BitMax {
            firstLocalRegister := self.numberOfArgumentRegisters
            if self.hasDedicatedMoveExceptionRegister() && self.isDedicatedMoveExceptionRegisterInFirstLocalRegister() {
                firstLocalRegister++
            }
            self.ensureCapacity(firstLocalRegister + numberOfOutRegisters - 1)
            for i := 0; i < numberOfOutRegisters; i++ {
                self.freeRegisters.Remove(firstLocalRegister + i)
            }
        }

        /* registers of inactive intervals overlapping the chain are off
         * the table as well */
        for _, inactiveIntervals := range self.inactive {
            if overlapsAnyOf(inactiveIntervals, intervalsList) {
                self.excludeRegistersForInterval(inactiveIntervals)
            }
        }

        if consecutiveArguments && self.registerRangeIsFree(start.SplitParent().GetRegister(), numberOfRegisters) {
            /* consecutive arguments prefer their input registers */
            nextRegister = start.SplitParent().GetRegister()
        } else {
            /* pinned argument registers with overlapping splits are
             * unusable for the block */
            for argument := self.firstArgumentValue; argument != nil; argument = argument.NextConsecutive() {
                argumentLiveIntervals := self.intervalsFor(argument)
                if self.isPinnedArgumentRegister(argumentLiveIntervals) && anySplitOverlapsAnyOf(argumentLiveIntervals, intervalsList) {
                    self.excludeRegistersForInterval(argumentLiveIntervals)
                }
            }
            if self.hasDedicatedMoveExceptionRegister() {
                canUseMoveExceptionRegister :=
                    self.isDedicatedMoveExceptionRegisterInFirstLocalRegister() &&
                    !self.overlapsMoveExceptionInterval(start)
                if !canUseMoveExceptionRegister {
                    self.freeRegisters.Remove(self.getMoveExceptionRegister())
                }
            }
            nextRegister = self.getFreeConsecutiveRegisters(numberOfRegisters, false)
        }
    }

    /* assign registers to the whole chain */
    for _, current := range intervalsList {
        current.SetRegister(nextRegister)
        nextRegister += current.RequiredRegisters()
    }

    /* propagate hints so the values flow toward the block */
    for _, intervals := range intervalsList {
        parentIntervals := intervals.SplitParent()
        parentIntervals.SetHint(intervals)
        for _, siblingIntervals := range parentIntervals.GetSplitChildren() {
            if siblingIntervals != intervals && !siblingIntervals.HasRegister() {
                siblingIntervals.SetHint(intervals)
            }
        }
        if value := intervals.Value(); value.DefinedBy(ir.OpMove) {
            src := value.Definition().In[0]
            if srcIntervals := self.intervalsFor(src); srcIntervals != nil {
                srcIntervals.SetHint(intervals)
            }
        }
    }
}

func overlapsAnyOf(intervals *LiveIntervals, intervalsList []*LiveIntervals) bool {
    for _, other := range intervalsList {
        if intervals.Overlaps(other) {
            return true
        }
    }
    return false
}

func anySplitOverlapsAnyOf(intervals *LiveIntervals, intervalsList []*LiveIntervals) bool {
    parent := intervals.SplitParent()
    if overlapsAnyOf(parent, intervalsList) {
        return true
    }
    for _, split := range parent.GetSplitChildren() {
        if overlapsAnyOf(split, intervalsList) {
            return true
        }
    }
    return false
}

// insertRangeInvokeMoves gives every invoke-range call distinct
// argument values by copying duplicates through moves.
func (self *Allocator) insertRangeInvokeMoves() {
    for _, block := range self.code.Blocks {
        for i := 0; i < len(block.Instrs); i++ {
            instruction := block.Instrs[i]
            if isInvokeRange(instruction) {
                i += self.ensureUniqueArgumentsToInvokeRangeInstruction(block, i, instruction)
            }
        }
    }
}

func (self *Allocator) ensureUniqueArgumentsToInvokeRangeInstruction(block *ir.BasicBlock, index int, invoke *ir.Instr) int {
    seen := make(map[*ir.Value]bool, len(invoke.In))
    inserted := 0
    for argumentIndex, argument := range invoke.In {
        if !seen[argument] {
            seen[argument] = true
            continue
        }
        newArgument := self.code.NewValue(argument.Type)
        newArgument.Register = true
        move := ir.NewInstr(ir.OpMove, newArgument, argument)
        invoke.ReplaceInValue(argumentIndex, newArgument)
        block.InsertBefore(index + inserted, move)
        inserted++
    }
    return inserted
}

// implementationIsBridge matches bodies of the shape: arguments, casts
// of arguments, one invoke, an optional cast of the result, return.
func implementationIsBridge(code *ir.Code) bool {
    if len(code.Blocks) > 1 {
        return false
    }
    instrs := code.EntryBlock().Instrs
    i := 0
    for i < len(instrs) && instrs[i].IsArgument() {
        i++
    }
    for i < len(instrs) && instrs[i].Op == ir.OpCheckCast && instrs[i].In[0].IsArgument() {
        i++
    }
    if i >= len(instrs) || instrs[i].Op != ir.OpInvoke {
        return false
    }
    i++
    if i < len(instrs) && instrs[i].Op == ir.OpCheckCast {
        i++
    }
    return i < len(instrs) && instrs[i].Op == ir.OpReturn
}

// transformBridgeMethod rewrites 'lhs = (T) rhs' into '(T) rhs' so that
// the invoke reads the original consecutive arguments and needs no
// argument moves.
func (self *Allocator) transformBridgeMethod() {
    entry := self.code.EntryBlock()

    argumentIndices := make(map[*ir.Value]int)
    i := 0
    for i < len(entry.Instrs) && entry.Instrs[i].IsArgument() {
        argumentIndices[entry.Instrs[i].Out] = len(argumentIndices)
        i++
    }
    for i < len(entry.Instrs) && entry.Instrs[i].Op != ir.OpInvoke {
        i++
    }
    invoke := entry.Instrs[i]

    numberOfRequiredRegisters := self.numberOfArgumentRegisters
    if invoke.Out != nil {
        numberOfRequiredRegisters += invoke.Out.RequiredRegisters()
    }
    if numberOfRequiredRegisters - 1 > ir.U8BitMax {
        return
    }

    /* the invoke must read consecutive original arguments, possibly
     * through casts */
    if len(invoke.In) == 0 {
        return
    }
    previousArgumentIndex := -1
    for _, current := range invoke.In {
        if !current.IsArgument() {
            if !current.DefinedBy(ir.OpCheckCast) {
                return
            }
            current = current.Definition().In[0]
        }
        if !current.IsArgument() {
            return
        }
        currentArgumentIndex, ok := argumentIndices[current]
        if !ok {
            return
        }
        if previousArgumentIndex >= 0 && currentArgumentIndex != previousArgumentIndex + 1 {
            return
        }
        previousArgumentIndex = currentArgumentIndex
    }

    /* drop the cast results */
    for j := i - 1; j >= 0 && entry.Instrs[j].Op == ir.OpCheckCast; j-- {
        cast := entry.Instrs[j]
        cast.Out.ReplaceUsers(cast.In[0])
        cast.Out = nil
    }
}

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
    `sort`

    `github.com/dexkit/dexc/internal/ir`
)

// _UnhandledQueue orders intervals by (start, creation order): the
// creation tiebreak keeps the allocation deterministic.
type _UnhandledQueue struct {
    v []*LiveIntervals
}

func (self *_UnhandledQueue) less(a *LiveIntervals, b *LiveIntervals) bool {
    if a.GetStart() != b.GetStart() {
        return a.GetStart() < b.GetStart()
    }
    return a.seq < b.seq
}

func (self *_UnhandledQueue) add(intervals *LiveIntervals) {
    i := sort.Search(len(self.v), func(i int) bool { return !self.less(self.v[i], intervals) })
    self.v = append(self.v, nil)
    copy(self.v[i + 1:], self.v[i:])
    self.v[i] = intervals
}

func (self *_UnhandledQueue) remove(intervals *LiveIntervals) bool {
    for i, x := range self.v {
        if x == intervals {
            self.v = append(self.v[:i], self.v[i + 1:]...)
            return true
        }
    }
    return false
}

func (self *_UnhandledQueue) poll() *LiveIntervals {
    ret := self.v[0]
    self.v = self.v[1:]
    return ret
}

func (self *_UnhandledQueue) isEmpty() bool {
    return len(self.v) == 0
}

func (self *_UnhandledQueue) clear() {
    self.v = nil
}

func (self *Allocator) performLinearScan() bool {
    for _, intervals := range self.liveIntervals {
        self.unhandled.add(intervals)
    }

    self.processArgumentLiveIntervals()
    hasInvokeRangeLiveIntervals := self.splitLiveIntervalsForInvokeRange()
    self.allocateRegistersForMoveExceptionIntervals(hasInvokeRangeLiveIntervals)

    /* go through each unhandled live interval and find a register */
    for !self.unhandled.isEmpty() {
        if auditInvariants {
            self.invariantsHold()
        }

        unhandledInterval := self.unhandled.poll()
        self.setHintForDestRegOfCheckCast(unhandledInterval)
        self.setHintToPromote2AddrInstruction(unhandledInterval)

        /* an invoke-range user fixes the registers of the whole
         * argument chain now, propagating hints backwards to avoid
         * moves around the call */
        self.allocateRegistersForInvokeRangeSplits(unhandledInterval)
        if unhandledInterval.GetRegister() != NoRegister {
            continue
        }

        self.advanceStateToLiveIntervals(unhandledInterval)
        if !self.allocateSingleInterval(unhandledInterval) {
            return false
        }
        self.expiredHere = self.expiredHere[:0]
    }
    return true
}

func (self *Allocator) processArgumentLiveIntervals() {
    for argumentValue := self.firstArgumentValue; argumentValue != nil; argumentValue = argumentValue.NextConsecutive() {
        argumentInterval := self.intervalsFor(argumentValue)
        self.unhandled.remove(argumentInterval)
        if !self.mode.hasRegisterConstraint(argumentInterval) {
            /* argument intervals are active from the start in their
             * preallocated registers */
            self.active = append(self.active, argumentInterval)
        } else if self.mode.is8BitRefinement() &&
                  argumentInterval.GetRegister() + argumentValue.RequiredRegisters() <= self.numberOf4BitArgumentRegisters {
            self.active = append(self.active, argumentInterval)
        } else {
            /* treat the argument as spilled; constrained uses load it
             * into a low register on demand */
            self.inactive = append(self.inactive, argumentInterval)
            if len(argumentInterval.GetUses()) > 1 {
                if use := argumentInterval.FirstUseWithConstraint(); use != nil {
                    var split *LiveIntervals
                    if argumentInterval.NumberOfUsesWithConstraint() == 1 {
                        /* a single constrained use splits right before
                         * that use */
                        split = argumentInterval.SplitBefore(use.Position)
                    } else {
                        /* several constrained uses split right after
                         * the definition so the value starts out in a
                         * usable register */
                        split = argumentInterval.SplitBefore(argumentValue.Definition().Number + 1)
                    }
                    self.unhandled.add(split)
                }
            }
            self.freeOccupiedRegistersForIntervals(argumentInterval)
        }
    }
}

// Catch handlers must start with move-exception and nothing can go
// before it, so all move-exception values share one dedicated register
// and are split right after their definition.
func (self *Allocator) allocateRegistersForMoveExceptionIntervals(hasInvokeRangeLiveIntervals bool) {
    if self.mode.is4Bit() && !hasInvokeRangeLiveIntervals {
        return
    }
    for _, block := range self.code.Blocks {
        if instruction := block.Entry(); instruction.IsMoveException() {
            intervals := self.intervalsFor(instruction.Out)
            self.unhandled.remove(intervals)
            self.moveExceptionIntervals = append(self.moveExceptionIntervals, intervals)
            intervals.SetRegister(self.getMoveExceptionRegister())
        }
    }
    if self.hasDedicatedMoveExceptionRegister() {
        moveExceptionRegister := self.getMoveExceptionRegister()
        if moveExceptionRegister != self.maxRegisterNumber + 1 {
            panic("regalloc: misplaced move-exception register")
        }
        self.increaseCapacity(moveExceptionRegister, true)
    }
    for _, intervals := range self.moveExceptionIntervals {
        if len(intervals.GetUses()) > 1 {
            split := intervals.SplitBefore(intervals.GetFirstUse() + ir.InstructionNumberDelta)
            self.unhandled.add(split)
        }
    }
}

// advanceStateToLiveIntervals retires and reactivates intervals at the
// start position of the next unhandled interval.
func (self *Allocator) advanceStateToLiveIntervals(unhandledInterval *LiveIntervals) {
    start := unhandledInterval.GetStart()

    /* active intervals that expired or fell into a hole */
    n := 0
    for _, activeIntervals := range self.active {
        if start >= activeIntervals.GetEnd() {
            self.freeOccupiedRegistersForIntervals(activeIntervals)
            if start == activeIntervals.GetEnd() {
                self.expiredHere = append(self.expiredHere, activeIntervals.GetRegister())
                if activeIntervals.Type().IsWide() {
                    self.expiredHere = append(self.expiredHere, activeIntervals.GetRegister() + 1)
                }
            }
        } else if !activeIntervals.OverlapsPosition(start) {
            self.inactive = append(self.inactive, activeIntervals)
            self.freeOccupiedRegistersForIntervals(activeIntervals)
        } else {
            self.active[n] = activeIntervals
            n++
        }
    }
    self.active = self.active[:n]

    /* inactive intervals that expired or became live again */
    n = 0
    for _, inactiveIntervals := range self.inactive {
        if start >= inactiveIntervals.GetEnd() {
            if start == inactiveIntervals.GetEnd() {
                self.expiredHere = append(self.expiredHere, inactiveIntervals.GetRegister())
                if inactiveIntervals.Type().IsWide() {
                    self.expiredHere = append(self.expiredHere, inactiveIntervals.GetRegister() + 1)
                }
            }
        } else if inactiveIntervals.OverlapsPosition(start) {
            self.active = append(self.active, inactiveIntervals)
            self.takeFreeRegistersForIntervals(inactiveIntervals)
        } else {
            self.inactive[n] = inactiveIntervals
            n++
        }
    }
    self.inactive = self.inactive[:n]
}

func (self *Allocator) assignRegister(intervals *LiveIntervals, register int) {
    intervals.SetRegister(register)
    self.updateRegisterHints(intervals)
}

func (self *Allocator) assignFreeRegisterToUnhandledInterval(unhandledInterval *LiveIntervals, register int) {
    self.assignRegister(unhandledInterval, register)
    self.takeFreeRegistersForIntervals(unhandledInterval)
    self.active = append(self.active, unhandledInterval)
}

// allocateSingleInterval finds a register for one interval. A false
// return aborts the whole 4-bit attempt.
func (self *Allocator) allocateSingleInterval(unhandledInterval *LiveIntervals) bool {
    registerConstraint := unhandledInterval.GetRegisterLimit()
    needsRegisterPair := unhandledInterval.RequiredRegisters() == 2

    /* an argument split without register constraint just keeps the
     * incoming argument register, avoiding a move */
    if self.isPinnedArgumentRegister(unhandledInterval) {
        if registerConstraint == ir.U16BitMax || (self.mode.is8Bit() && registerConstraint == ir.U8BitMax) {
            argumentRegister := unhandledInterval.SplitParent().GetRegister()
            self.assignFreeRegisterToUnhandledInterval(unhandledInterval, argumentRegister)
            return true
        }
    }

    if !self.mode.is4Bit() && registerConstraint < ir.U16BitMax {
        /* the argument/temporary swap and the optional move-exception
         * swap free up this many extra low registers */
        registerConstraint += self.numberOfArgumentRegisters
        registerConstraint += self.getMoveExceptionOffsetForLocalRegisters()
    }

    freePositions := self.computeFreePositions(unhandledInterval, registerConstraint)

    /* attempt to use register hints */
    if self.useRegisterHint(unhandledInterval, registerConstraint, freePositions, needsRegisterPair) {
        return true
    }

    /* pick the register (pair) that stays free the longest */
    candidate := self.getLargestValidCandidate(unhandledInterval, registerConstraint, needsRegisterPair, freePositions, _T_any)

    largestFreePosition := 0
    if candidate != NoRegister {
        largestFreePosition = freePositions.get(candidate)
        if needsRegisterPair {
            largestFreePosition = minInt(largestFreePosition, freePositions.get(candidate + 1))
        }
    }

    if largestFreePosition == 0 {
        /* no register is free: spilling is the only option, and 4-bit
         * mode forbids it, so bail out and let the driver escalate */
        if self.mode.is4Bit() {
            return false
        }
        if use := firstUse(unhandledInterval); use != nil && !use.HasConstraint() {
            /* the first use is unconstrained: spill this interval up
             * to its first constrained use instead of evicting */
            constrained := unhandledInterval.firstUseWithConstraintInMode(self.mode)
            if constrained == nil {
                self.allocateBlockedRegister(unhandledInterval, registerConstraint)
                return true
            }
            register := self.getSpillRegister(unhandledInterval, nil)
            split := unhandledInterval.SplitBefore(constrained.Position)
            self.assignFreeRegisterToUnhandledInterval(unhandledInterval, register)
            self.unhandled.add(split)
        } else {
            self.allocateBlockedRegister(unhandledInterval, registerConstraint)
        }
        return true
    }

    candidateEnd := candidate + unhandledInterval.RequiredRegisters() - 1
    if largestFreePosition >= unhandledInterval.GetEnd() {
        /* free for the entire interval */
        self.ensureCapacity(candidateEnd)
        self.assignFreeRegisterToUnhandledInterval(unhandledInterval, candidate)
        return true
    }
    if self.mode.is4Bit() {
        /* no splitting in 4-bit mode */
        return false
    }

    /* split and use the candidate for as long as it is free */
    registerConstraintBeforeSplit := unhandledInterval.GetRegisterLimit()
    split := unhandledInterval.SplitBefore(largestFreePosition)
    self.unhandled.add(split)

    /* splitting may have removed the constrained uses; restart so a
     * pinned argument prefix can stay in its incoming register */
    if unhandledInterval.GetRegisterLimit() != registerConstraintBeforeSplit {
        return self.allocateSingleInterval(unhandledInterval)
    }

    self.ensureCapacity(candidateEnd)
    self.assignFreeRegisterToUnhandledInterval(unhandledInterval, candidate)
    return true
}

func firstUse(intervals *LiveIntervals) *LiveIntervalsUse {
    if !intervals.HasUses() {
        return nil
    }
    return &intervals.GetUses()[0]
}

func minInt(a int, b int) int {
    if a < b {
        return a
    }
    return b
}

func (self *Allocator) computeFreePositions(unhandledInterval *LiveIntervals, registerConstraint int) *_RegisterPositionsImpl {
    freePositions := newRegisterPositions(registerConstraint + 1)

    if self.options.Debug && !self.code.Static {
        /* the debugger expects to find the receiver in its input
         * register for the whole method */
        freePositions.setBlocked(0)
    }

    if self.mode.is4Bit() {
        /* the receiver may be pinned even in 4-bit mode */
        if self.firstArgumentValue != nil && self.isPinnedArgumentRegister(self.intervalsFor(self.firstArgumentValue)) {
            self.intervalsFor(self.firstArgumentValue).ForEachRegister(freePositions.setBlocked)
        }
    } else {
        /* argument registers are blocked so arguments are never free;
         * in refinement mode a 4-bit-safe argument register may be
         * reused when its intervals never overlap the current one */
        i := 0
        if self.mode.is8BitRefinement() {
            remaining := self.numberOf4BitArgumentRegisters
            for argumentValue := self.firstArgumentValue; argumentValue != nil; argumentValue = argumentValue.NextConsecutive() {
                requiredRegisters := argumentValue.RequiredRegisters()
                remaining -= requiredRegisters
                if remaining < 0 {
                    break
                }
                if self.intervalsFor(argumentValue).AnySplitOverlaps(unhandledInterval) {
                    for j := 0; j < requiredRegisters; j++ {
                        freePositions.setBlocked(i + j)
                    }
                }
                i += requiredRegisters
            }
        }
        for ; i < self.numberOfArgumentRegisters && i <= registerConstraint; i++ {
            freePositions.setBlocked(i)
        }
    }

    /* the move-exception register has no room for spill moves, so keep
     * everything that overlaps a move-exception interval out of it */
    if self.hasDedicatedMoveExceptionRegister() {
        if unhandledInterval.GetRegisterLimit() == ir.U4BitMax && self.isDedicatedMoveExceptionRegisterInLastLocalRegister() {
            freePositions.setBlocked(self.getMoveExceptionRegister())
        } else if self.overlapsMoveExceptionInterval(unhandledInterval) {
            if moveExceptionRegister := self.getMoveExceptionRegister(); moveExceptionRegister <= registerConstraint {
                freePositions.setBlocked(moveExceptionRegister)
            }
        }
    }

    /* active intervals block their registers outright */
    for _, intervals := range self.active {
        activeRegister := intervals.GetRegister()
        if activeRegister <= registerConstraint {
            for i := 0; i < intervals.RequiredRegisters(); i++ {
                if activeRegister + i <= registerConstraint {
                    freePositions.setBlocked(activeRegister + i)
                }
            }
        }
    }

    /* inactive intervals leave their registers free until the next
     * overlap with the current interval */
    for _, intervals := range self.inactive {
        inactiveRegister := intervals.GetRegister()
        if inactiveRegister <= registerConstraint && unhandledInterval.Overlaps(intervals) {
            nextOverlap := unhandledInterval.NextOverlap(intervals)
            for i := 0; i < intervals.RequiredRegisters(); i++ {
                register := inactiveRegister + i
                if register <= registerConstraint && !freePositions.isBlocked(register) {
                    unhandledStart := toInstructionPosition(unhandledInterval.GetStart())
                    if nextOverlap == unhandledStart {
                        /* a register only free until the very next
                         * instruction is useless; this happens when the
                         * unhandled interval starts at a gap */
                        freePositions.setBlocked(register)
                    } else if nextOverlap < freePositions.get(register) {
                        freePositions.set(register, nextOverlap, intervals)
                    }
                }
            }
        }
    }
    return freePositions
}

func (self *Allocator) getLargestCandidate(unhandledInterval *LiveIntervals, registerConstraint int, freePositions _RegisterPositions, needsRegisterPair bool, typ _RegisterType) int {
    candidate := NoRegister
    largest := -1

    for i := 0; i <= registerConstraint; i++ {
        if freePositions.isBlockedPair(i, needsRegisterPair) || !freePositions.hasType(i, typ) {
            continue
        }
        usePosition := freePositions.get(i)
        if needsRegisterPair {
            if i == self.numberOfArgumentRegisters - 1 {
                /* the pair would straddle the argument boundary and
                 * come apart in the post-allocation swap */
                continue
            }
            if self.hasDedicatedMoveExceptionRegister() &&
               self.isDedicatedMoveExceptionRegisterInLastLocalRegister() &&
               i == self.getMoveExceptionRegister() {
                continue
            }
            if i >= registerConstraint {
                break
            }
            usePosition = minInt(usePosition, freePositions.get(i + 1))
        }
        if unhandledInterval.HasUses() && usePosition == unhandledInterval.GetFirstUse() {
            /* used at the same instruction as the first use of the
             * value being allocated */
            continue
        }
        if usePosition > largest {
            candidate = i
            largest = usePosition
            if largest == _P_max {
                break
            }
        }
    }
    return candidate
}

func (self *Allocator) handleWorkaround(
    workaroundNeeded func(*LiveIntervals) bool,
    workaroundNeededForCandidate func(*LiveIntervals, int) bool,
    candidate int,
    unhandledInterval *LiveIntervals,
    registerConstraint int,
    needsRegisterPair bool,
    freePositions *_RegisterPositionsWithExtraBlocked,
    typ _RegisterType,
) int {
    if !workaroundNeeded(unhandledInterval) {
        return candidate
    }
    lastCandidate := candidate
    for workaroundNeededForCandidate(unhandledInterval, candidate) {
        /* blacklist the unusable register for this attempt only */
        freePositions.setBlockedTemporarily(candidate)
        candidate = self.getLargestCandidate(unhandledInterval, registerConstraint, freePositions, needsRegisterPair, typ)
        if candidate == NoRegister {
            return candidate
        }
        if lastCandidate == candidate {
            /* all candidates of this type are invalid; broaden the
             * search to other types */
            return NoRegister
        }
        lastCandidate = candidate
    }
    return candidate
}

func (self *Allocator) getLargestValidCandidate(unhandledInterval *LiveIntervals, registerConstraint int, needsRegisterPair bool, usePositions _RegisterPositions, typ _RegisterType) int {
    candidate := self.getLargestCandidate(unhandledInterval, registerConstraint, usePositions, needsRegisterPair, typ)
    if candidate == NoRegister {
        return candidate
    }
    wrapper := newExtraBlockedPositions(usePositions)
    candidate = self.handleWorkaround(
        self.needsLongResultOverlappingLongOperandsWorkaround, self.isLongResultOverlappingLongOperands,
        candidate, unhandledInterval, registerConstraint, needsRegisterPair, wrapper, typ)
    if candidate == NoRegister {
        return candidate
    }
    candidate = self.handleWorkaround(
        self.needsSingleResultOverlappingLongOperandsWorkaround, self.isSingleResultOverlappingLongOperands,
        candidate, unhandledInterval, registerConstraint, needsRegisterPair, wrapper, typ)
    if candidate == NoRegister {
        return candidate
    }
    candidate = self.handleWorkaround(
        self.needsArrayGetWideWorkaround, self.isArrayGetArrayRegister,
        candidate, unhandledInterval, registerConstraint, needsRegisterPair, wrapper, typ)
    return candidate
}

func (self *Allocator) allocateBlockedRegister(unhandledInterval *LiveIntervals, registerConstraint int) {
    usePositions := newRegisterPositions(registerConstraint + 1)
    blockedPositions := newRegisterPositions(registerConstraint + 1)

    /* next use position of every occupied register */
    for _, intervals := range self.active {
        activeRegister := intervals.GetRegister()
        if activeRegister <= registerConstraint {
            for i := 0; i < intervals.RequiredRegisters(); i++ {
                if activeRegister + i <= registerConstraint {
                    usePositions.set(activeRegister + i, intervals.FirstUseAfter(unhandledInterval.GetStart()), intervals)
                }
            }
        }
    }
    for _, intervals := range self.inactive {
        inactiveRegister := intervals.GetRegister()
        if inactiveRegister <= registerConstraint && intervals.Overlaps(unhandledInterval) {
            for i := 0; i < intervals.RequiredRegisters(); i++ {
                if inactiveRegister + i <= registerConstraint {
                    firstUsePos := intervals.FirstUseAfter(unhandledInterval.GetStart())
                    if firstUsePos < usePositions.get(inactiveRegister + i) {
                        usePositions.set(inactiveRegister + i, firstUsePos, intervals)
                    }
                }
            }
        }
    }

    /* argument registers are never reused */
    for i := 0; i < self.numberOfArgumentRegisters && i <= registerConstraint; i++ {
        usePositions.setBlocked(i)
    }

    if self.hasDedicatedMoveExceptionRegister() {
        if (unhandledInterval.GetRegisterLimit() == ir.U4BitMax && self.isDedicatedMoveExceptionRegisterInLastLocalRegister()) ||
           self.overlapsMoveExceptionInterval(unhandledInterval) {
            if self.getMoveExceptionRegister() <= registerConstraint {
                usePositions.setBlocked(self.getMoveExceptionRegister())
            }
        }
    }

    /* pinned invoke-range intervals cannot be displaced at all */
    self.blockInvokeRangeIntervals(unhandledInterval, registerConstraint, usePositions, blockedPositions)

    needsRegisterPair := unhandledInterval.Type().IsWide()

    /* prefer evicting a rematerializable constant, then an ordinary
     * value; a monitor object only as a last resort, since displacing
     * a monitor can fail Art's lock verification */
    candidate := self.getLargestValidCandidate(unhandledInterval, registerConstraint, needsRegisterPair, usePositions, _T_const_number)
    otherCandidate := self.getLargestValidCandidate(unhandledInterval, registerConstraint, needsRegisterPair, usePositions, _T_other)
    if otherCandidate != NoRegister {
        if candidate == NoRegister {
            candidate = otherCandidate
        } else {
            largestConstUsePosition := self.getLargestPosition(usePositions, candidate, needsRegisterPair)
            if largestConstUsePosition - _MinConstantFreePositions < unhandledInterval.GetStart() {
                /* the constant's range is too short to be worth it */
                candidate = otherCandidate
            }
        }
    }
    if candidate == NoRegister {
        candidate = self.getLargestValidCandidate(unhandledInterval, registerConstraint, needsRegisterPair, usePositions, _T_monitor)
    }
    if candidate == NoRegister {
        panic("regalloc: no spill candidate for blocked register allocation")
    }

    largestUsePosition := self.getLargestPosition(usePositions, candidate, needsRegisterPair)
    blockedPosition := self.getLargestPosition(blockedPositions, candidate, needsRegisterPair)

    if !unhandledInterval.HasUses() {
        panic("regalloc: blocked allocation for an interval without uses")
    }
    if largestUsePosition < unhandledInterval.GetFirstUse() {
        /* every occupant is used before the current interval; spill
         * the current interval itself to a fresh register */
        splitPosition := unhandledInterval.GetFirstUse()
        split := unhandledInterval.SplitBefore(splitPosition)
        registerNumber := self.getNewSpillRegister(unhandledInterval)
        self.assignFreeRegisterToUnhandledInterval(unhandledInterval, registerNumber)
        unhandledInterval.SetSpilled(true)
        self.unhandled.add(split)
    } else {
        candidateEnd := candidate + unhandledInterval.RequiredRegisters() - 1
        if candidateEnd > self.maxRegisterNumber {
            self.increaseCapacity(candidateEnd, false)
        }
        if blockedPosition > unhandledInterval.GetEnd() {
            /* spilling frees the candidate for the whole interval */
            self.assignRegisterAndSpill(unhandledInterval, candidate, needsRegisterPair)
        } else {
            /* only the prefix fits before a pinned use reclaims it */
            splitChild := unhandledInterval.SplitBefore(blockedPosition)
            self.unhandled.add(splitChild)
            self.assignRegisterAndSpill(unhandledInterval, candidate, needsRegisterPair)
        }
    }
}

func (self *Allocator) getLargestPosition(positions _RegisterPositions, register int, needsRegisterPair bool) int {
    position := positions.get(register)
    if needsRegisterPair {
        return minInt(position, positions.get(register + 1))
    }
    return position
}

func (self *Allocator) assignRegisterAndSpill(unhandledInterval *LiveIntervals, candidate int, candidateIsWide bool) {
    self.spillOverlappingActiveIntervals(unhandledInterval, candidate, candidateIsWide)
    self.assignRegister(unhandledInterval, candidate)
    self.takeFreeRegistersForIntervals(unhandledInterval)
    self.active = append(self.active, unhandledInterval)
    /* overlapping inactive intervals must get a fresh register at
     * reactivation */
    self.splitOverlappingInactiveIntervals(unhandledInterval, candidate, candidateIsWide)
}

func (self *Allocator) splitOverlappingInactiveIntervals(unhandledInterval *LiveIntervals, candidate int, candidateIsWide bool) {
    var newInactive []*LiveIntervals
    n := 0
    for _, intervals := range self.inactive {
        if !intervals.UsesRegister(candidate, candidateIsWide) || !intervals.Overlaps(unhandledInterval) {
            self.inactive[n] = intervals
            n++
            continue
        }
        if intervals.IsLinked() && !intervals.IsArgumentInterval() {
            /* a pinned non-argument interval must reclaim the same
             * register at its next use, if it has one */
            nextUsePosition := intervals.FirstUseAfter(unhandledInterval.GetStart())
            if nextUsePosition != _P_max {
                split := intervals.SplitBefore(nextUsePosition)
                split.SetRegister(intervals.GetRegister())
                newInactive = append(newInactive, split)
            }
        }
        if intervals.GetStart() > unhandledInterval.GetStart() {
            /* not started yet: back to unhandled for reassignment */
            intervals.ClearRegisterAssignment()
            self.unhandled.add(intervals)
        } else {
            /* in a hole: the ranges after the hole get reassigned */
            split := intervals.SplitBefore(unhandledInterval.GetStart())
            self.unhandled.add(split)
            self.inactive[n] = intervals
            n++
        }
    }
    self.inactive = append(self.inactive[:n], newInactive...)
}

func (self *Allocator) spillOverlappingActiveIntervals(unhandledInterval *LiveIntervals, candidate int, candidateIsWide bool) {
    if unhandledInterval.GetRegister() != NoRegister {
        panic("regalloc: spilling for an interval that already has a register")
    }
    if !self.atLeastOneOfRegistersAreTaken(candidate, candidateIsWide) {
        panic("regalloc: spilling for a register that is free")
    }

    /* registers the spill must avoid */
    excludedRegisters := make([]int, 0, 4)
    excludedRegisters = append(excludedRegisters, candidate)
    if candidateIsWide {
        excludedRegisters = append(excludedRegisters, candidate + 1)
    }
    if unhandledInterval.IsArgumentInterval() && !unhandledInterval.IsSplitParent() {
        /* the interval becomes active in its pinned argument register
         * and the candidate simultaneously */
        unhandledInterval.SplitParent().ForEachRegister(func(r int) {
            excludedRegisters = append(excludedRegisters, r)
        })
    }

    var newActive []*LiveIntervals
    n := 0
    for _, intervals := range self.active {
        if !intervals.UsesRegister(candidate, candidateIsWide) {
            self.active[n] = intervals
            n++
            continue
        }
        registerNumber := self.getSpillRegister(intervals, excludedRegisters)
        /* free only after choosing the spill register, or the spill
         * could land on the register being vacated */
        self.freeOccupiedRegistersForIntervals(intervals)
        splitChild := intervals.SplitBefore(unhandledInterval.GetStart())
        self.assignRegister(splitChild, registerNumber)
        splitChild.SetSpilled(true)
        self.takeFreeRegistersForIntervals(splitChild)
        newActive = append(newActive, splitChild)

        /* a constant split before its first real use can be dropped
         * entirely if it is rematerializable */
        if intervals.Value().IsConstNumber() &&
           intervals.GetStart() == intervals.Value().Definition().Number &&
           len(intervals.GetUses()) == 1 {
            intervals.SetSpilled(true)
        }

        if len(splitChild.GetUses()) > 0 {
            if splitChild.IsLinked() && !splitChild.IsArgumentInterval() {
                /* pinned register: move back at the next use */
                splitOfSplit := splitChild.SplitBefore(splitChild.GetFirstUse())
                splitOfSplit.SetRegister(intervals.GetRegister())
                self.inactive = append(self.inactive, splitOfSplit)
            } else if intervals.Value().IsConstNumber() {
                self.splitRangesForSpilledConstant(splitChild, registerNumber)
            } else if intervals.IsArgumentInterval() {
                self.splitRangesForSpilledArgument(splitChild)
            } else {
                self.splitRangesForSpilledInterval(splitChild, registerNumber)
            }
        }
    }
    self.active = append(self.active[:n], newActive...)
    if !self.registersAreFree(candidate, candidateIsWide) {
        panic("regalloc: spilling did not free the candidate register")
    }
}

func (self *Allocator) splitRangesForSpilledArgument(spilled *LiveIntervals) {
    /* arguments spill to their original register; split before the
     * next use to get a usable register there */
    if len(spilled.GetUses()) > 0 {
        split := spilled.SplitBefore(spilled.GetUses()[0].Position)
        self.unhandled.add(split)
    }
}

func (self *Allocator) splitRangesForSpilledInterval(spilled *LiveIntervals, registerNumber int) {
    /* keep the value in the spill register as long as the use limits
     * allow, to avoid further moves */
    isSpillingToArgumentRegister := spilled.IsArgumentInterval() || registerNumber < self.numberOfArgumentRegisters
    if isSpillingToArgumentRegister {
        if self.mode.is8Bit() {
            registerNumber = ir.U8BitMax
        } else {
            registerNumber = ir.U16BitMax
        }
    }
    var firstUseWithLowerLimit *LiveIntervalsUse
    hasUsesBeforeFirstUseWithLowerLimit := false
    highestRegisterNumber := registerNumber + spilled.RequiredRegisters() - 1
    for i := range spilled.GetUses() {
        use := &spilled.GetUses()[i]
        if highestRegisterNumber > use.Limit {
            firstUseWithLowerLimit = use
            break
        } else {
            hasUsesBeforeFirstUseWithLowerLimit = true
        }
    }
    if hasUsesBeforeFirstUseWithLowerLimit {
        spilled.SetSpilled(false)
    }
    if firstUseWithLowerLimit != nil {
        splitOfSplit := spilled.SplitBefore(firstUseWithLowerLimit.Position)
        self.unhandled.add(splitOfSplit)
    }
}

func (self *Allocator) splitRangesForSpilledConstant(spilled *LiveIntervals, spillRegister int) {
    /* constants are rematerialized, not reloaded: split aggressively
     * at every large gap between uses so the spill slot stays unused */
    maxGapSize := 11 * ir.InstructionNumberDelta
    if len(spilled.GetUses()) == 0 {
        return
    }
    split := spilled.SplitBefore(spilled.GetFirstUse())
    self.unhandled.add(split)
    changed := true
    for changed {
        changed = false
        previousUse := split.GetStart()
        for _, use := range split.GetUses() {
            if use.Position - previousUse > maxGapSize {
                split = split.SplitBefore(previousUse + ir.InstructionNumberDelta)
                /* spill the gap if the next use is further away */
                if toGapPosition(use.Position) > split.GetStart() {
                    self.assignRegister(split, spillRegister)
                    split.SetSpilled(true)
                    self.inactive = append(self.inactive, split)
                    split = split.SplitBefore(use.Position)
                }
                self.unhandled.add(split)
                changed = true
                break
            }
            previousUse = use.Position
        }
    }
}

func (self *Allocator) blockInvokeRangeIntervals(unhandledInterval *LiveIntervals, registerConstraint int, usePositions *_RegisterPositionsImpl, blockedPositions *_RegisterPositionsImpl) {
    // TODO: index invoke-range intervals by instruction number instead
    // of scanning both interval sets.
    for _, intervals := range append(append([]*LiveIntervals(nil), self.active...), self.inactive...) {
        if !intervals.IsInvokeRangeIntervals() {
            continue
        }
        registerStart := intervals.GetRegister()
        if registerStart <= registerConstraint && intervals.Overlaps(unhandledInterval) {
            blocked := intervals
            blocked.ForEachRegister(func(register int) {
                if register <= registerConstraint {
                    firstUsePos := blocked.FirstUseAfter(unhandledInterval.GetStart())
                    if firstUsePos < blockedPositions.get(register) {
                        blockedPositions.set(register, firstUsePos, blocked)
                    }
                }
            })
        }
    }
}

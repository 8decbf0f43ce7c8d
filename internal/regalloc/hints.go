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

// check-cast lowers to 'move dst, src; check-cast dst'; when the two
// values do not overlap and describe the same local, putting them in
// the same register kills the move.
func (self *Allocator) setHintForDestRegOfCheckCast(unhandledInterval *LiveIntervals) {
    if unhandledInterval.HasHint() {
        return
    }
    value := unhandledInterval.Value()
    if !value.DefinedBy(ir.OpCheckCast) {
        return
    }
    object := value.Definition().In[0]
    objectIntervals := self.intervalsFor(object)
    if objectIntervals != nil && !objectIntervals.Overlaps(unhandledInterval) && object.HasSameLocalInfo(value) {
        unhandledInterval.SetHint(objectIntervals)
    }
}

// A binop whose output shares a register with an operand can use the
// short 2-addr encoding; hint the left operand, or the right one for
// commutative operations when the left overlaps.
func (self *Allocator) setHintToPromote2AddrInstruction(unhandledInterval *LiveIntervals) {
    if unhandledInterval.HasHint() {
        return
    }
    value := unhandledInterval.Value()
    if value.IsPhi() || value.Definition() == nil {
        return
    }
    definition := value.Definition()
    if !definition.IsArithmeticBinop() && !definition.IsLogicalBinop() {
        return
    }
    left := self.intervalsFor(definition.LeftValue())
    if left != nil && !left.Overlaps(unhandledInterval) {
        unhandledInterval.SetHint(left)
        return
    }
    if definition.IsCommutative() {
        right := self.intervalsFor(definition.RightValue())
        if right != nil && !right.Overlaps(unhandledInterval) {
            unhandledInterval.SetHint(right)
        }
    }
}

// useRegisterHint tries, in order: the explicit hint, the previous
// split's register, the next split's register, and for phis the
// operand registers by descending frequency.
func (self *Allocator) useRegisterHint(unhandledInterval *LiveIntervals, registerConstraint int, freePositions *_RegisterPositionsImpl, needsRegisterPair bool) bool {
    tried := make(map[int]bool, 4)
    tryOnce := func(register int) bool {
        if tried[register] {
            return false
        }
        tried[register] = true
        return self.tryHint(unhandledInterval, registerConstraint, freePositions, needsRegisterPair, register)
    }

    if unhandledInterval.HasHint() && tryOnce(unhandledInterval.GetHint()) {
        return true
    }
    if previousSplit := unhandledInterval.GetPreviousSplit(); previousSplit != nil && tryOnce(previousSplit.GetRegister()) {
        return true
    }
    if nextSplit := unhandledInterval.GetNextSplit(); nextSplit != nil && nextSplit.HasRegister() && tryOnce(nextSplit.GetRegister()) {
        return true
    }

    /* for phis, try the operand registers by frequency */
    value := unhandledInterval.Value()
    if value.IsPhi() {
        type freq struct {
            register int
            count    int
            order    int
        }
        counts := make(map[int]*freq)
        order := make([]*freq, 0, len(value.Phi.Operands))
        for i, operand := range value.Phi.Operands {
            intervals := self.intervalsFor(operand)
            if intervals == nil {
                continue
            }
            if intervals.HasSplits() {
                pred := value.Phi.Block.Preds[i]
                intervals = intervals.GetSplitCovering(pred.Exit().Number)
            }
            if intervals.HasRegister() {
                if f := counts[intervals.GetRegister()]; f != nil {
                    f.count++
                } else {
                    f = &freq { register: intervals.GetRegister(), count: 1, order: len(order) }
                    counts[intervals.GetRegister()] = f
                    order = append(order, f)
                }
            }
        }
        sort.SliceStable(order, func(i int, j int) bool {
            return order[i].count > order[j].count
        })
        for _, f := range order {
            if tryOnce(f.register) {
                return true
            }
        }
    }
    return false
}

func (self *Allocator) tryHint(unhandledInterval *LiveIntervals, registerConstraint int, freePositions *_RegisterPositionsImpl, needsRegisterPair bool, register int) bool {
    /* a hint interval may have lost its register again when its own
     * allocation was redone */
    if register == NoRegister {
        return false
    }
    registerEnd := register
    if needsRegisterPair {
        registerEnd++
    }
    if registerEnd > registerConstraint {
        return false
    }
    if freePositions.isBlockedPair(register, needsRegisterPair) {
        return self.tryAllocateBlockedHint(unhandledInterval, register)
    }
    freePosition := freePositions.get(register)
    if needsRegisterPair {
        freePosition = minInt(freePosition, freePositions.get(register + 1))
    }
    if freePosition < unhandledInterval.GetEnd() {
        return false
    }
    if self.needsLongResultOverlappingLongOperandsWorkaround(unhandledInterval) &&
       self.isLongResultOverlappingLongOperands(unhandledInterval, register) {
        return false
    }
    if self.needsArrayGetWideWorkaround(unhandledInterval) &&
       self.isArrayGetArrayRegister(unhandledInterval, register) {
        return false
    }
    self.ensureCapacity(registerEnd)
    self.assignFreeRegisterToUnhandledInterval(unhandledInterval, register)
    return true
}

// tryAllocateBlockedHint is the only path that steals a register from
// an active interval based on a hint: the blocking interval must be
// alone on the register, unconstrained inside the current interval,
// and strictly older.
func (self *Allocator) tryAllocateBlockedHint(unhandledInterval *LiveIntervals, candidate int) bool {
    if !self.options.Testing.EnableRegisterHintsForBlockedRegisters {
        return false
    }
    nextSplit := unhandledInterval.GetNextSplit()
    alternativeHint := NoRegister
    if nextSplit != nil {
        alternativeHint = nextSplit.GetRegister()
    }
    if candidate != alternativeHint {
        return false
    }
    if self.needsArrayGetWideWorkaround(unhandledInterval) || self.needsLongResultOverlappingLongOperandsWorkaround(unhandledInterval) {
        return false
    }
    if self.isArgumentRegister(candidate) {
        for argument := self.firstArgumentValue; argument != nil; argument = argument.NextConsecutive() {
            if self.isPinnedArgument(argument) {
                return false
            }
        }
    }
    if self.isDedicatedMoveExceptionRegister(candidate) {
        return false
    }
    if len(self.getLiveIntervalsWithRegister(self.inactive, unhandledInterval, candidate, unhandledInterval.Overlaps)) != 0 {
        return false
    }
    blockingIntervals := self.getLiveIntervalsWithRegister(self.active, unhandledInterval, candidate, nil)
    if len(blockingIntervals) != 1 {
        return false
    }
    blockingInterval := blockingIntervals[0]
    if unhandledInterval.Type().IsWide() {
        if blockingInterval.GetRegister() != candidate || !blockingInterval.Type().IsWide() {
            /* the low half of the pair may be blocked by something
             * else entirely */
            return false
        }
    }
    if self.isArgumentRegister(candidate) && self.isPinnedArgumentRegister(blockingInterval) {
        return false
    }
    if toInstructionPosition(blockingInterval.GetStart()) == toInstructionPosition(unhandledInterval.GetStart()) {
        return false
    }
    if self.hasConstrainedUseInRange(blockingInterval, unhandledInterval.GetStart(), unhandledInterval.GetEnd()) {
        return false
    }
    if len(self.expiredHere) != 0 {
        return false
    }

    split := blockingInterval.SplitBefore(unhandledInterval.GetStart())
    self.freeOccupiedRegistersForIntervals(blockingInterval)
    self.assignFreeRegisterToUnhandledInterval(unhandledInterval, blockingInterval.GetRegister())
    for i, intervals := range self.active {
        if intervals == blockingInterval {
            self.active = append(self.active[:i], self.active[i + 1:]...)
            break
        }
    }
    self.unhandled.add(split)
    return true
}

// getLiveIntervalsWithRegister collects the intervals of a list that
// conflict with the (possibly wide) slot at register; it stops early
// once the slot is fully accounted for.
func (self *Allocator) getLiveIntervalsWithRegister(intervalsList []*LiveIntervals, unhandledInterval *LiveIntervals, register int, predicate func(*LiveIntervals) bool) []*LiveIntervals {
    isWide := unhandledInterval.Type().IsWide()
    var found *LiveIntervals
    for _, intervals := range intervalsList {
        if !intervals.UsesRegister(register, isWide) {
            continue
        }
        if predicate != nil && !predicate(intervals) {
            continue
        }
        if !isWide || intervals.UsesBothRegisters(register, register + 1) {
            return []*LiveIntervals { intervals }
        }
        if found != nil {
            return []*LiveIntervals { intervals, found }
        }
        found = intervals
    }
    if found != nil {
        return []*LiveIntervals { found }
    }
    return nil
}

func (self *Allocator) hasConstrainedUseInRange(intervals *LiveIntervals, start int, end int) bool {
    for _, use := range intervals.GetUses() {
        if use.hasConstraintInMode(self.mode) && start < use.Position && use.Position < end {
            return true
        }
    }
    return false
}

// updateRegisterHints propagates a fresh assignment to the phis fed by
// the value and, for a phi itself, back to all of its operand splits.
func (self *Allocator) updateRegisterHints(intervals *LiveIntervals) {
    value := intervals.Value()
    for _, phi := range value.UniquePhiUsers() {
        phiIntervals := self.intervalsFor(phi)
        if phiIntervals == nil || phiIntervals.HasHint() {
            continue
        }
        phiIntervals.SetHint(intervals)
        for i, operand := range phi.Phi.Operands {
            operandIntervals := self.intervalsFor(operand)
            if operandIntervals == nil {
                continue
            }
            pred := phi.Phi.Block.Preds[i]
            operandIntervals = operandIntervals.GetSplitCovering(pred.Exit().Number)
            if !operandIntervals.HasHint() {
                operandIntervals.SetHint(intervals)
            }
        }
    }

    /* at the start of a phi interval the register is known: push it to
     * every operand split, overriding weaker hints, to kill phi moves */
    if value.IsPhi() && intervals.IsSplitParent() {
        for i, operand := range value.Phi.Operands {
            operandIntervals := self.intervalsFor(operand)
            if operandIntervals == nil {
                continue
            }
            pred := value.Phi.Block.Preds[i]
            operandIntervals.GetSplitCovering(pred.Exit().Number).SetHint(intervals)
        }
    }
}

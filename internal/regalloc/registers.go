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
    `github.com/bytedance/gopkg/collection/skipset`
    `github.com/dexkit/dexc/internal/ir`
)

func newFreeSet() *skipset.IntSet {
    return skipset.NewInt()
}

func cloneFreeSet(src *skipset.IntSet) *skipset.IntSet {
    dst := skipset.NewInt()
    src.Range(func(v int) bool {
        dst.Add(v)
        return true
    })
    return dst
}

func freeSetSlice(src *skipset.IntSet) []int {
    ret := make([]int, 0, src.Len())
    src.Range(func(v int) bool {
        ret = append(ret, v)
        return true
    })
    return ret
}

func (self *Allocator) ensureCapacity(newMaxRegisterNumber int) {
    if newMaxRegisterNumber > self.maxRegisterNumber {
        self.increaseCapacity(newMaxRegisterNumber, false)
    }
}

// increaseCapacity appends fresh registers; unless takeRegisters is
// set they join the free set.
func (self *Allocator) increaseCapacity(newMaxRegisterNumber int, takeRegisters bool) {
    if !takeRegisters {
        for register := self.maxRegisterNumber + 1; register <= newMaxRegisterNumber; register++ {
            self.freeRegisters.Add(register)
        }
    }
    self.maxRegisterNumber = newMaxRegisterNumber
}

func (self *Allocator) isArgumentRegister(register int) bool {
    return register < self.numberOfArgumentRegisters
}

func (self *Allocator) registerIsFree(register int) bool {
    return self.freeRegisters.Contains(register) || self.isDedicatedMoveExceptionRegister(register)
}

// registersAreFree treats the dedicated move-exception register as
// free: it is reserved, not allocated.
func (self *Allocator) registersAreFree(register int, isWide bool) bool {
    return self.registerIsFree(register) && (!isWide || self.registerIsFree(register + 1))
}

func (self *Allocator) registersAreTaken(register int, isWide bool) bool {
    return !self.freeRegisters.Contains(register) && (!isWide || !self.freeRegisters.Contains(register + 1))
}

func (self *Allocator) registersForIntervalsAreTaken(intervals *LiveIntervals) bool {
    if intervals.GetRegister() == NoRegister {
        return false
    }
    return self.registersAreTaken(intervals.GetRegister(), intervals.Type().IsWide())
}

func (self *Allocator) atLeastOneOfRegistersAreTaken(register int, isWide bool) bool {
    return !self.freeRegisters.Contains(register) || (isWide && !self.freeRegisters.Contains(register + 1))
}

func (self *Allocator) registerRangeIsFree(register int, requiredRegisters int) bool {
    for i := 0; i < requiredRegisters; i++ {
        if !self.freeRegisters.Contains(register + i) {
            return false
        }
    }
    return true
}

func (self *Allocator) registersAreFreeAndConsecutive(register int, registerIsWide bool) bool {
    if !self.freeRegisters.Contains(register) {
        return false
    }
    if registerIsWide {
        if !self.freeRegisters.Contains(register + 1) {
            return false
        }
        if register == self.numberOfArgumentRegisters - 1 {
            // Will not be consecutive after the argument/local swap.
            return false
        }
    }
    return true
}

func (self *Allocator) takeFreeRegisters(register int, isWide bool) {
    if !self.registersAreFree(register, isWide) {
        panic("regalloc: taking a register that is not free")
    }
    self.freeRegisters.Remove(register)
    if isWide {
        self.freeRegisters.Remove(register + 1)
    }
}

func (self *Allocator) takeFreeRegistersForIntervals(intervals *LiveIntervals) {
    self.takeFreeRegisters(intervals.GetRegister(), intervals.Type().IsWide())
    if self.isPinnedArgumentRegister(intervals) && !intervals.IsSplitParent() {
        parent := intervals.SplitParent()
        if parent.GetRegister() != intervals.GetRegister() {
            self.takeFreeRegistersForIntervals(parent)
        }
    }
}

func (self *Allocator) freeOccupiedRegistersForIntervals(intervals *LiveIntervals) {
    register := intervals.GetRegister()
    if register == NoRegister || register + intervals.RequiredRegisters() - 1 > self.maxRegisterNumber {
        panic("regalloc: freeing an unallocated register")
    }
    self.freeRegisters.Add(register)
    if intervals.Type().IsWide() {
        self.freeRegisters.Add(register + 1)
    }
    if self.isPinnedArgumentRegister(intervals) && !intervals.IsSplitParent() {
        parent := intervals.SplitParent()
        if parent.GetRegister() != intervals.GetRegister() {
            self.freeOccupiedRegistersForIntervals(parent)
        }
    }
}

// excludeRegistersForInterval removes the registers of an assigned
// intervals (and its pinned argument parent) from the free set.
func (self *Allocator) excludeRegistersForInterval(intervals *LiveIntervals) {
    intervals.ForEachRegister(func(r int) { self.freeRegisters.Remove(r) })
    if self.isPinnedArgumentRegister(intervals) && !intervals.IsSplitParent() {
        parent := intervals.SplitParent()
        if parent.GetRegister() != intervals.GetRegister() {
            parent.ForEachRegister(func(r int) { self.freeRegisters.Remove(r) })
        }
    }
}

// getFreeConsecutiveRegisters finds (growing capacity on demand) a run
// of free registers that will stay consecutive after the argument swap.
func (self *Allocator) getFreeConsecutiveRegisters(numberOfRegisters int, prioritizeSmallRegisters bool) int {
    oldMaxRegisterNumber := self.maxRegisterNumber
    order := freeSetSlice(self.freeRegisters)

    /* small registers first means trying non-argument registers before
     * argument registers, each group in ascending order */
    if prioritizeSmallRegisters {
        locals := make([]int, 0, len(order))
        params := make([]int, 0, len(order))
        for _, r := range order {
            if self.isArgumentRegister(r) {
                params = append(params, r)
            } else {
                locals = append(locals, r)
            }
        }
        order = append(locals, params...)
    }

    idx := 0
    next := func() int {
        if idx < len(order) {
            r := order[idx]
            idx++
            return r
        }
        self.maxRegisterNumber++
        return self.maxRegisterNumber
    }

    first := next()
    current := first
    for current - first + 1 != numberOfRegisters {
        for i := 0; i < numberOfRegisters - 1; i++ {
            n := next()
            /* a run must not straddle the argument boundary: the two
             * halves would come apart in the post-allocation swap */
            if n != current + 1 || n == self.numberOfArgumentRegisters {
                first = n
                current = first
                break
            }
            current++
        }
    }
    for register := oldMaxRegisterNumber + 1; register <= self.maxRegisterNumber; register++ {
        if !self.freeRegisters.Add(register) {
            panic("regalloc: fresh register is already free")
        }
    }
    return first
}

// getNewSpillRegister always spills to a fresh register; arguments go
// back to their incoming register instead.
func (self *Allocator) getNewSpillRegister(intervals *LiveIntervals) int {
    if intervals.IsArgumentInterval() {
        return intervals.SplitParent().GetRegister()
    }
    register := self.maxRegisterNumber + 1
    self.increaseCapacity(self.maxRegisterNumber + intervals.RequiredRegisters(), false)
    return register
}

// getSpillRegister picks a register to spill intervals to, preferring
// registers already used by sibling splits, and low registers when the
// next use demands a 4-bit number.
func (self *Allocator) getSpillRegister(intervals *LiveIntervals, excludedRegisters []int) int {
    if intervals.IsArgumentInterval() {
        return intervals.SplitParent().GetRegister()
    }

    previousFreeRegisters := cloneFreeSet(self.freeRegisters)
    previousMaxRegisterNumber := self.maxRegisterNumber
    for _, r := range self.expiredHere {
        self.freeRegisters.Remove(r)
    }
    for _, r := range excludedRegisters {
        self.freeRegisters.Remove(r)
    }

    /* reusing the register of a sibling split can save resolution
     * moves later */
    register := -1
    for _, split := range intervals.SplitParent().GetSplitChildren() {
        candidate := split.GetRegister()
        if candidate != NoRegister &&
           self.registersAreFreeAndConsecutive(candidate, intervals.Type().IsWide()) &&
           self.maySpillLiveIntervalsToRegister(intervals, candidate, previousMaxRegisterNumber) {
            register = candidate
            break
        }
    }

    if register == -1 {
        prioritizeSmallRegisters := intervals.HasUses() && intervals.GetUses()[0].Limit == ir.U4BitMax
        for {
            register = self.getFreeConsecutiveRegisters(intervals.RequiredRegisters(), prioritizeSmallRegisters)
            if self.maySpillLiveIntervalsToRegister(intervals, register, previousMaxRegisterNumber) {
                break
            }
        }
    }

    /* restore the free set, extended with any fresh capacity */
    self.freeRegisters = previousFreeRegisters
    for i := previousMaxRegisterNumber + 1; i <= self.maxRegisterNumber; i++ {
        self.freeRegisters.Add(i)
    }
    if !self.registersAreFree(register, intervals.Type().IsWide()) {
        panic("regalloc: chosen spill register is not free")
    }
    return register
}

func (self *Allocator) maySpillLiveIntervalsToRegister(intervals *LiveIntervals, register int, previousMaxRegisterNumber int) bool {
    if register > previousMaxRegisterNumber {
        /* nothing can prevent spilling to an entirely fresh register */
        return true
    }

    /* spilling onto an argument register requires the argument's live
     * ranges to stay clear of the spilled value */
    if register < self.numberOfArgumentRegisters {
        argumentLiveIntervals := self.intervalsFor(self.firstArgumentValue)
        for !argumentLiveIntervals.UsesRegister(register, intervals.Type().IsWide()) {
            argumentLiveIntervals = argumentLiveIntervals.NextConsecutive()
            if argumentLiveIntervals == nil {
                panic("regalloc: argument register without an owner")
            }
        }
        for argumentLiveIntervals != nil && argumentLiveIntervals.UsesRegister(register, intervals.Type().IsWide()) {
            if argumentLiveIntervals.AnySplitOverlaps(intervals) {
                self.freeRegisters.Remove(register)
                if register == argumentLiveIntervals.GetRegister() && argumentLiveIntervals.Type().IsWide() {
                    self.freeRegisters.Remove(register + 1)
                }
                return false
            }
            argumentLiveIntervals = argumentLiveIntervals.NextConsecutive()
        }
    }

    /* check for overlap with inactive intervals */
    for _, inactiveIntervals := range self.inactive {
        if inactiveIntervals.UsesRegister(register, intervals.Type().IsWide()) && intervals.Overlaps(inactiveIntervals) {
            self.freeRegisters.Remove(register)
            if register == inactiveIntervals.GetRegister() && inactiveIntervals.Type().IsWide() {
                self.freeRegisters.Remove(register + 1)
            }
            return false
        }
    }

    /* check for overlap with the move-exception intervals */
    if self.hasDedicatedMoveExceptionRegister() {
        hits := register == self.getMoveExceptionRegister() ||
                (intervals.Type().IsWide() && register + 1 == self.getMoveExceptionRegister())
        if hits && self.overlapsMoveExceptionInterval(intervals) {
            self.freeRegisters.Remove(register)
            return false
        }
    }
    return true
}

// computeUnusedRegisters builds the compaction table: unusedRegisters[i]
// counts unused local registers at or below local index i.
func (self *Allocator) computeUnusedRegisters() bool {
    if self.mode.is4Bit() || self.registersUsedRaw() == 0 {
        return false
    }
    used := self.computeUsedRegisters()
    self.unusedRegisters = self.computeUnusedRegistersFromUsedRegisters(used)
    return lastOrZero(self.unusedRegisters) > 0
}

func (self *Allocator) computeUsedRegisters() *_BitSet {
    used := newBitSet(self.maxRegisterNumber + 1)
    for _, intervals := range self.liveIntervals {
        self.addRegisterIfUsed(used, intervals)
        for _, child := range intervals.GetSplitChildren() {
            self.addRegisterIfUsed(used, child)
        }
    }
    /* the parallel-move temporaries count as used */
    for i := self.firstParallelMoveTemporary; i >= 0 && i <= self.maxRegisterNumber; i++ {
        used.add(i)
    }
    return used
}

func (self *Allocator) addRegisterIfUsed(used *_BitSet, intervals *LiveIntervals) {
    if intervals.GetRegister() == NoRegister {
        return
    }
    if self.isSpilledAndRematerializable(intervals) {
        return
    }
    for i := 0; i < intervals.RequiredRegisters(); i++ {
        used.add(intervals.GetRegister() + i)
    }
}

// isSpilledAndRematerializable marks spill slots that never materialize
// because the value is reloaded as a constant instead.
func (self *Allocator) isSpilledAndRematerializable(intervals *LiveIntervals) bool {
    return intervals.IsSpilled() &&
           intervals.IsRematerializable() &&
           self.unadjustedRealRegisterFromAllocated(intervals.GetRegister()) <= ir.U8BitMax
}

func (self *Allocator) computeUnusedRegistersFromUsedRegisters(used *_BitSet) []int {
    firstLocalRegister := self.numberOfArgumentRegisters + self.getMoveExceptionOffsetForLocalRegisters()
    numberOfTemporaries := self.registersUsedRaw() - self.firstParallelMoveTemporary
    numberOfLocalRegisters := self.registersUsedRaw() - firstLocalRegister - numberOfTemporaries
    unused := 0
    table := make([]int, numberOfLocalRegisters)
    for i := 0; i < numberOfLocalRegisters; i++ {
        if !used.contains(firstLocalRegister + i) {
            unused++
        }
        table[i] = unused
    }
    return table
}

func (self *Allocator) registersUsedRaw() int {
    return self.maxRegisterNumber + 1
}

func lastOrZero(v []int) int {
    if len(v) == 0 {
        return 0
    }
    return v[len(v) - 1]
}

// unadjustedRealRegisterFromAllocated performs the argument/local swap:
// arguments move to the top registers, everything else slides down.
func (self *Allocator) unadjustedRealRegisterFromAllocated(allocated int) int {
    if allocated == NoRegister || allocated < 0 {
        panic("regalloc: remapping an unallocated register")
    }
    if allocated < self.numberOfArgumentRegisters {
        return self.maxRegisterNumber - (self.numberOfArgumentRegisters - allocated - 1)
    } else if self.hasDedicatedMoveExceptionRegister() &&
              self.isDedicatedMoveExceptionRegisterInLastLocalRegister() &&
              allocated == self.getMoveExceptionRegister() {
        return self.maxRegisterNumber - self.numberOfArgumentRegisters
    } else {
        return allocated - self.numberOfArgumentRegisters - self.getMoveExceptionOffsetForLocalRegisters()
    }
}

// realRegisterNumberFromAllocated additionally compacts away the spill
// slots that turned out unused.
func (self *Allocator) realRegisterNumberFromAllocated(allocated int) int {
    register := self.unadjustedRealRegisterFromAllocated(allocated)
    if self.unusedRegisters != nil {
        if register < len(self.unusedRegisters) {
            return register - self.unusedRegisters[register]
        }
        return register - lastOrZero(self.unusedRegisters)
    }
    return register
}

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

// The arm32 interpreters of Android N and O threw the wrong exception
// for 'aget-wide vA, vA, vB' with vB out of bounds, so the result pair
// must not reuse the array register.
func (self *Allocator) needsArrayGetWideWorkaround(intervals *LiveIntervals) bool {
    if self.options.CanUseSameArrayAndResultRegisterInArrayGetWide() {
        return false
    }
    if intervals.RequiredRegisters() == 1 {
        /* not wide, so not the output of aget-wide */
        return false
    }
    if intervals.Value().IsPhi() {
        /* a phi writes its register pair with a move */
        return false
    }
    if !intervals.IsSplitParent() {
        /* splits are written by moves as well */
        return false
    }
    definition := intervals.Value().Definition()
    return definition.Op == ir.OpArrayGet && definition.Out.Type.IsWide()
}

func (self *Allocator) isArrayGetArrayRegister(intervals *LiveIntervals, register int) bool {
    array := intervals.Value().Definition().In[0]
    arrayReg := self.intervalsFor(array).GetSplitCovering(intervals.GetStart()).GetRegister()
    if arrayReg == NoRegister {
        panic("regalloc: aget-wide array operand without a register")
    }
    return arrayReg == register
}

// cmp-long and long-to-int wrote their 32-bit result before consuming
// both halves of the long input on some interpreters; the result must
// not overlap either input half.
func (self *Allocator) needsSingleResultOverlappingLongOperandsWorkaround(intervals *LiveIntervals) bool {
    if !self.options.CanHaveCmpLongBug() && !self.options.CanHaveLongToIntBug() {
        return false
    }
    if intervals.RequiredRegisters() == 2 {
        return false
    }
    if intervals.Value().IsPhi() {
        return false
    }
    if !intervals.IsSplitParent() {
        return false
    }
    definition := intervals.Value().Definition()
    if definition.Op == ir.OpCmp {
        return definition.In[0].Type.IsWide()
    }
    return definition.IsLongToIntConversion()
}

func singleOverlappingLong(register1 int, register2 int) bool {
    return register1 == register2 || register1 == register2 + 1
}

func (self *Allocator) isSingleResultOverlappingLongOperands(intervals *LiveIntervals, register int) bool {
    definition := intervals.Value().Definition()
    if definition.Op == ir.OpCmp {
        left := definition.In[0]
        right := definition.In[1]
        leftReg := self.intervalsFor(left).GetSplitCovering(intervals.GetStart()).GetRegister()
        rightReg := self.intervalsFor(right).GetSplitCovering(intervals.GetStart()).GetRegister()
        if leftReg == NoRegister || rightReg == NoRegister {
            panic("regalloc: cmp-long operand without a register")
        }
        return singleOverlappingLong(register, leftReg) || singleOverlappingLong(register, rightReg)
    }
    input := definition.In[0]
    inputReg := self.intervalsFor(input).GetSplitCovering(intervals.GetStart()).GetRegister()
    return singleOverlappingLong(register, inputReg)
}

// The dalvik jit wrote the first half of a long add/sub/or/xor/and
// result before reading the second half of the inputs, so the result
// pair must not half-overlap either operand pair.
func (self *Allocator) needsLongResultOverlappingLongOperandsWorkaround(intervals *LiveIntervals) bool {
    if !self.options.CanHaveOverlappingLongRegisterBug() {
        return false
    }
    if intervals.RequiredRegisters() == 1 {
        return false
    }
    if intervals.Value().IsPhi() {
        return false
    }
    if !intervals.IsSplitParent() {
        return false
    }
    definition := intervals.Value().Definition()
    if definition.Numeric != ir.NumLong {
        return false
    }
    if definition.IsArithmeticBinop() {
        return definition.Op == ir.OpAdd || definition.Op == ir.OpSub
    }
    if definition.IsLogicalBinop() {
        return definition.Op == ir.OpOr || definition.Op == ir.OpXor || definition.Op == ir.OpAnd
    }
    return false
}

func longHalfOverlappingLong(register1 int, register2 int) bool {
    return register1 == register2 + 1 || register1 + 1 == register2
}

func (self *Allocator) isLongResultOverlappingLongOperands(unhandledInterval *LiveIntervals, register int) bool {
    definition := unhandledInterval.Value().Definition()
    left := definition.In[0]
    right := definition.In[1]
    leftReg := self.intervalsFor(left).GetSplitCovering(unhandledInterval.GetStart()).GetRegister()
    rightReg := self.intervalsFor(right).GetSplitCovering(unhandledInterval.GetStart()).GetRegister()
    if leftReg == NoRegister || rightReg == NoRegister {
        panic("regalloc: long binop operand without a register")
    }
    /* the bug only needs the second operand checked; vendor
     * interpreters have been seen to need the conservative check
     * against both operands, so keep it */
    return longHalfOverlappingLong(register, leftReg) || longHalfOverlappingLong(register, rightReg)
}

// Spill and restore moves always go after a move-exception, so a value
// whose splits overlap any move-exception interval can never share the
// dedicated register.
func (self *Allocator) overlapsMoveExceptionInterval(intervals *LiveIntervals) bool {
    if !self.hasDedicatedMoveExceptionRegister() {
        return false
    }
    if len(self.moveExceptionIntervals) > _ExceptionIntervalsOverlapCutoff {
        /* too many to scan; reusing the register is unlikely anyway */
        return true
    }
    for _, moveExceptionInterval := range self.moveExceptionIntervals {
        if intervals.AnySplitOverlaps(moveExceptionInterval) {
            return true
        }
    }
    return false
}

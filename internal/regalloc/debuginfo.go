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
    `sort`

    `github.com/dexkit/dexc/internal/ir`
)

// _LocalRange is one stretch of a local variable's life in a concrete
// register: a live range of one split, in final register numbers.
type _LocalRange struct {
    value    *ir.Value
    local    *ir.LocalInfo
    register int
    start    int
    end      int
}

func (self *_LocalRange) String() string {
    return fmt.Sprintf("%s @ r%d: [%d, %d[", self.local, self.register, self.start, self.end)
}

// computeDebugInfo rebuilds the DebugLocalsChange stream from the
// finished allocation: it stitches the split live intervals of every
// value with local info back into per-instruction locals deltas.
func (self *Allocator) computeDebugInfo(blocks []*ir.BasicBlock) {
    ranges := make([]*_LocalRange, 0, 16)
    for _, interval := range self.liveIntervals {
        value := interval.Value()
        if !value.HasLocalInfo() {
            continue
        }
        liveRanges := make([]LiveRange, 0, len(interval.GetRanges()))
        liveRanges = append(liveRanges, interval.GetRanges()...)
        for _, child := range interval.GetSplitChildren() {
            liveRanges = append(liveRanges, child.GetRanges()...)
        }
        sort.Slice(liveRanges, func(i int, j int) bool { return liveRanges[i].Start < liveRanges[j].Start })
        for _, liveRange := range liveRanges {
            ranges = append(ranges, &_LocalRange {
                value    : value,
                local    : value.LocalInfo(),
                register : self.getArgumentOrAllocateRegisterForValue(value, liveRange.Start),
                start    : liveRange.Start,
                end      : liveRange.End,
            })
        }
    }
    if len(ranges) == 0 {
        return
    }
    sort.SliceStable(ranges, func(i int, j int) bool {
        if ranges[i].start != ranges[j].start {
            return ranges[i].start < ranges[j].start
        }
        return ranges[i].end < ranges[j].end
    })

    /* walk the blocks emitting the changes to live locals */
    rangeIndex := 0
    nextStartingRange := ranges[rangeIndex]
    rangeIndex++
    nextRange := func() *_LocalRange {
        if rangeIndex < len(ranges) {
            r := ranges[rangeIndex]
            rangeIndex++
            return r
        }
        return nil
    }

    var openRanges []*_LocalRange
    ending := make(map[int]*ir.LocalInfo)
    starting := make(map[int]*ir.LocalInfo)

    for blockIndex, block := range blocks {
        liveLocalValues := ir.NewValueSet()
        liveLocalValues.AddAll(self.liveAtEntrySets[block].LiveLocalValues)

        /* skip past the arguments, opening argument and phi locals */
        cursor := 0
        if blockIndex == 0 {
            for cursor < len(block.Instrs) && block.Instrs[cursor].IsArgument() {
                if out := block.Instrs[cursor].Out; out.HasLocalInfo() {
                    liveLocalValues.Add(out)
                }
                cursor++
            }
        } else {
            for _, phi := range block.Phis {
                if phi.HasLocalInfo() {
                    liveLocalValues.Add(phi)
                }
            }
        }

        /* the first actual instruction is past move-exception and any
         * spill moves */
        first := cursor
        for first < len(block.Instrs) && (block.Instrs[first].IsMoveException() || isSpillInstruction(block.Instrs[first])) {
            first++
        }
        firstInstruction := block.Instrs[first]
        firstIndex := firstInstruction.Number

        /* close ranges that died before the first instruction */
        n := 0
        for _, openRange := range openRanges {
            if liveLocalValues.Contains(openRange.value) && isLocalLiveAtInstruction(firstInstruction, openRange) {
                openRanges[n] = openRange
                n++
            }
        }
        openRanges = openRanges[:n]

        /* open ranges that start before the first instruction */
        for nextStartingRange != nil && nextStartingRange.start < firstIndex {
            if liveLocalValues.Contains(nextStartingRange.value) && isLocalLiveAtInstruction(firstInstruction, nextStartingRange) {
                openRanges = append(openRanges, nextStartingRange)
            }
            nextStartingRange = nextRange()
        }

        currentLocals := make(map[int]*ir.LocalInfo, len(openRanges))
        for _, openRange := range openRanges {
            if liveLocalValues.Contains(openRange.value) {
                currentLocals[openRange.register] = openRange.local
            }
        }

        /* entry locals, adjusted when spill moves shuffled registers */
        cursor = self.setLocalsAtEntry(block, cursor, first, openRanges, currentLocals)

        for cursor < len(block.Instrs) {
            instruction := block.Instrs[cursor]
            if cursor == len(block.Instrs) - 1 {
                instruction.ClearDebugValues()
                break
            }

            if len(instruction.DebugValues) > 0 {
                for _, endAnnotation := range instruction.DebugValues {
                    for _, openRange := range openRanges {
                        if openRange.value == endAnnotation {
                            /* the local keeps its open range: its scope
                             * closes here but the register stays */
                            delete(currentLocals, openRange.register)
                            ending[openRange.register] = openRange.local
                            break
                        }
                    }
                }
                instruction.ClearDebugValues()
            }
            if instruction.Op == ir.OpDebugLocalRead {
                block.RemoveAt(cursor)
                continue
            }
            cursor++

            nextInstruction := block.Instrs[cursor]
            if isSpillInstruction(nextInstruction) {
                /* no locals change needed before a spill move */
                continue
            }
            index := nextInstruction.Number

            n := 0
            for _, openRange := range openRanges {
                if isLocalLiveAtInstruction(nextInstruction, openRange) {
                    openRanges[n] = openRange
                    n++
                } else if _, ok := currentLocals[openRange.register]; ok {
                    /* an explicit end may have closed the local before
                     * its range ended */
                    delete(currentLocals, openRange.register)
                    ending[openRange.register] = openRange.local
                }
            }
            openRanges = openRanges[:n]

            for nextStartingRange != nil && nextStartingRange.start < index {
                if isLocalLiveAtInstruction(nextInstruction, nextStartingRange) {
                    openRanges = append(openRanges, nextStartingRange)
                    currentLocals[nextStartingRange.register] = nextStartingRange.local
                    starting[nextStartingRange.register] = nextStartingRange.local
                }
                nextStartingRange = nextRange()
            }

            if len(ending) > 0 || len(starting) > 0 {
                if change := createLocalsChange(ending, starting); change != nil {
                    block.InsertBefore(cursor, change)
                    cursor++
                }
                ending = make(map[int]*ir.LocalInfo)
                starting = make(map[int]*ir.LocalInfo)
            }
        }
    }
}

func isLocalLiveAtInstruction(instruction *ir.Instr, r *_LocalRange) bool {
    number := instruction.Number
    return number < r.end || (number == r.end && usesValue(r.value, instruction))
}

func usesValue(value *ir.Value, instruction *ir.Instr) bool {
    for _, v := range instruction.In {
        if v == value {
            return true
        }
    }
    for _, v := range instruction.DebugValues {
        if v == value {
            return true
        }
    }
    return false
}

// setLocalsAtEntry records the block's entry locals map. When spill
// moves precede the first instruction, entry locals are read from the
// predecessor's registers and a locals change covers the difference.
// Returns the updated cursor.
func (self *Allocator) setLocalsAtEntry(block *ir.BasicBlock, cursor int, first int, openRanges []*_LocalRange, finalLocals map[int]*ir.LocalInfo) int {
    if len(block.Preds) == 0 || cursor == first {
        block.LocalsAtEntry = cloneLocals(finalLocals)
        return cursor
    }

    /* entry locals use the predecessor-side registers */
    pred := block.Preds[0]
    predecessorExitIndex := pred.Exit().Number
    if block.Entry().IsMoveException() {
        if throwing := pred.ExceptionalExit(); throwing != nil {
            predecessorExitIndex = throwing.Number
        }
    }
    initialLocals := make(map[int]*ir.LocalInfo, len(openRanges))
    for _, open := range openRanges {
        predecessorValue := open.value
        if open.value.IsPhi() && open.value.Phi.Block == block {
            predecessorValue = open.value.Phi.Operand(0)
        }
        predecessorRegister := self.getArgumentOrAllocateRegisterForValue(predecessorValue, predecessorExitIndex)
        initialLocals[predecessorRegister] = open.local
    }
    block.LocalsAtEntry = initialLocals

    /* emit the delta after the spill moves */
    ending := make(map[int]*ir.LocalInfo)
    starting := make(map[int]*ir.LocalInfo)
    for register, local := range initialLocals {
        if finalLocals[register] != local {
            ending[register] = local
        }
    }
    for register, local := range finalLocals {
        if initialLocals[register] != local {
            starting[register] = local
        }
    }
    if change := createLocalsChange(ending, starting); change != nil {
        block.InsertBefore(first, change)
    }
    return cursor
}

func cloneLocals(locals map[int]*ir.LocalInfo) map[int]*ir.LocalInfo {
    ret := make(map[int]*ir.LocalInfo, len(locals))
    for register, local := range locals {
        ret[register] = local
    }
    return ret
}

// createLocalsChange builds the delta instruction, dropping no-op
// same-register same-local pairs.
func createLocalsChange(ending map[int]*ir.LocalInfo, starting map[int]*ir.LocalInfo) *ir.Instr {
    if len(ending) == 0 && len(starting) == 0 {
        return nil
    }
    if len(ending) > 0 && len(starting) > 0 {
        unneeded := make([]int, 0, minInt(len(ending), len(starting)))
        for register, local := range ending {
            if starting[register] == local {
                unneeded = append(unneeded, register)
            }
        }
        if len(unneeded) == len(ending) && len(unneeded) == len(starting) {
            return nil
        }
        for _, register := range unneeded {
            delete(ending, register)
            delete(starting, register)
        }
    }
    return &ir.Instr {
        Op       : ir.OpDebugLocalsChange,
        Number   : -1,
        Ending   : ending,
        Starting : starting,
    }
}

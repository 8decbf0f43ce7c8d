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

// intervalsFor looks up the live intervals of a value; values without
// intervals are a caller error surfaced by getRegisterForValue.
func (self *Allocator) intervalsFor(v *ir.Value) *LiveIntervals {
    return self.valueIntervals[v]
}

func (self *Allocator) createIntervals(v *ir.Value) *LiveIntervals {
    intervals := newLiveIntervals(v)
    self.liveIntervals = append(self.liveIntervals, intervals)
    self.valueIntervals[v] = intervals
    return intervals
}

func (self *Allocator) computeNeedsRegister() {
    for _, bb := range self.code.TopologicallySortedBlocks() {
        for _, ins := range bb.Instrs {
            if ins.Out != nil {
                ins.Out.Register = !ins.Out.IsFixedRegisterValue()
            }
        }
    }
}

// constrainArgumentIntervals pre-seeds one interval per argument so the
// linear scan processes them first, and links them into the chain that
// keeps their registers consecutive.
func (self *Allocator) constrainArgumentIntervals() {
    arguments := self.code.CollectArguments()

    /* ranges from position 0 to the defining argument instruction, so
     * even dead arguments have intervals */
    index := 0
    for _, argument := range arguments {
        intervals := self.createIntervals(argument)
        intervals.AddRange(LiveRange { 0, index })
        index += ir.InstructionNumberDelta
    }

    /* link values and intervals pairwise */
    if len(arguments) > 0 {
        self.firstArgumentValue = arguments[0]
        last := arguments[0]
        for _, next := range arguments[1:] {
            last.LinkTo(next)
            self.intervalsFor(last).Link(self.intervalsFor(next))
            last = next
        }
    }
}

func isInvokeRange(ins *ir.Instr) bool {
    return ins.Op == ir.OpInvoke &&
           ins.RequiredArgumentRegisters() > 5 &&
           !argumentsAreAlreadyLinked(ins)
}

func argumentsAreAlreadyLinked(invoke *ir.Instr) bool {
    if len(invoke.In) == 0 {
        return false
    }
    current := invoke.In[0]
    for _, next := range invoke.In[1:] {
        if !current.IsLinked() || current.NextConsecutive() != next {
            return false
        }
        current = next
    }
    return true
}

// addLiveRange opens (or extends) the live range of value inside block,
// ending at end.
func (self *Allocator) addLiveRange(value *ir.Value, block *ir.BasicBlock, end int) {
    firstInstructionInBlock := block.Entry().Number
    instructionsSize := len(block.Instrs) * ir.InstructionNumberDelta
    lastInstructionInBlock := firstInstructionInBlock + instructionsSize - ir.InstructionNumberDelta

    instructionNumber := firstInstructionInBlock
    if !value.IsPhi() {
        instructionNumber = value.Definition().Number
    }

    if self.intervalsFor(value) == nil {
        current := value.StartOfConsecutive()
        intervals := self.createIntervals(current)
        for {
            next := current.NextConsecutive()
            if next == nil {
                break
            }
            nextIntervals := self.createIntervals(next)
            intervals.Link(nextIntervals)
            current = next
            intervals = nextIntervals
        }
    }

    intervals := self.intervalsFor(value)
    if firstInstructionInBlock <= instructionNumber && instructionNumber <= lastInstructionInBlock {
        if value.IsPhi() {
            /* phi values are defined on the inflowing edge, so they
             * interfere with spill moves before the instruction */
            instructionNumber--
        }
        intervals.AddRange(LiveRange { instructionNumber, end })
        if !value.IsPhi() {
            constraint := value.Definition().MaxOutValueRegister()
            intervals.AddUse(LiveIntervalsUse { instructionNumber, constraint })
        }
    } else {
        intervals.AddRange(LiveRange { firstInstructionInBlock - 1, end })
    }
}

func (self *Allocator) computeLiveRanges() {
    self.computeLiveRangesForBlocks()

    /* Art VMs before Android M assume the receiver register never
     * changes its value and verify under that assumption, so give the
     * receiver a range covering the whole method */
    if (self.options.CanHaveThisTypeVerifierBug() || self.options.CanHaveThisJitCodeDebuggingBug()) && !self.code.Static {
        thisIntervals := self.intervalsFor(self.firstArgumentValue)
        thisIntervals.ranges = thisIntervals.ranges[:0]
        thisIntervals.AddRange(LiveRange { 0, self.code.NextInstructionNumber() })
        for _, sets := range self.liveAtEntrySets {
            sets.LiveValues.Add(self.firstArgumentValue)
        }
    }
}

func (self *Allocator) computeLiveRangesForBlocks() {
    for _, block := range self.code.TopologicallySortedBlocks() {
        /* ordered sets keep the creation order of intervals, and with
         * it the final allocation, deterministic */
        live := ir.NewValueSet()
        phiOperands := ir.NewValueSet()
        liveAtThrowingInstruction := ir.NewValueSet()

        for _, successor := range block.Succs {
            /* values live only because a handler reads them must not
             * survive past the throwing instruction */
            if block.HasCatchSuccessor(successor) {
                liveAtThrowingInstruction.AddAll(self.liveAtEntrySets[successor].LiveValues)
            } else {
                live.AddAll(self.liveAtEntrySets[successor].LiveValues)
            }
            for _, phi := range successor.Phis {
                live.Remove(phi)
                phiOperands.Add(phi.Phi.Operand(successor.PredecessorIndex(block)))
            }
        }
        live.AddAll(phiOperands)

        for _, value := range live.Values() {
            end := block.Entry().Number + len(block.Instrs) * ir.InstructionNumberDelta
            /* a phi operand is only live until the gap where the phi
             * value takes over */
            if phiOperands.Contains(value) {
                end--
            }
            self.addLiveRange(value, block, end)
        }

        for i := len(block.Instrs) - 1; i >= 0; i-- {
            instruction := block.Instrs[i]
            if definition := instruction.Out; definition != nil {
                /* cover unused definitions by the instruction itself;
                 * the side effect may still require execution */
                if !definition.IsUsed() {
                    self.addLiveRange(definition, block, instruction.Number + ir.InstructionNumberDelta - 1)
                }
                live.Remove(definition)
            }

            for _, use := range instruction.In {
                if !use.NeedsRegister() {
                    continue
                }
                if !live.Contains(use) {
                    live.Add(use)
                    self.addLiveRange(use, block, instruction.Number)
                }
                inConstraint := instruction.MaxInValueRegister(use)

                /* arguments stay in their incoming registers, so an
                 * unconstrained argument use needs no record; forcing
                 * one would double the register demand of invoke-range
                 * calls that already read the argument in place */
                isUnconstrainedArgumentUse :=
                    use.IsArgument() &&
                    inConstraint == ir.U16BitMax &&
                    !isInvokeRange(instruction)
                if !isUnconstrainedArgumentUse {
                    self.intervalsFor(use).AddUse(LiveIntervalsUse { instruction.Number, inConstraint })
                }
            }

            /* values live on the exceptional edge end at the throwing
             * instruction; check-cast lowers to a move that may clobber
             * its destination, so unrelated values reach one past it */
            if instruction.CanThrow() {
                for _, use := range liveAtThrowingInstruction.Values() {
                    if use.NeedsRegister() && !live.Contains(use) {
                        live.Add(use)
                        self.addLiveRange(use, block, liveRangeEndOnExceptionalFlow(instruction, use))
                    }
                }
            }

            if self.options.Debug {
                /* keep locals alive through their whole scope */
                number := instruction.Number
                sorted := append([]*ir.Value(nil), instruction.DebugValues...)
                sort.Slice(sorted, func(i int, j int) bool { return sorted[i].Id < sorted[j].Id })
                for _, use := range sorted {
                    if !live.Contains(use) {
                        live.Add(use)
                        self.addLiveRange(use, block, number)
                    }
                }
            }
        }
    }
}

func liveRangeEndOnExceptionalFlow(instruction *ir.Instr, value *ir.Value) int {
    end := instruction.Number
    if instruction.Op == ir.OpCheckCast && value != instruction.In[0] {
        end += ir.InstructionNumberDelta
    }
    return end
}

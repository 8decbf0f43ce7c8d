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

    `github.com/dexkit/dexc/internal/ir`
)

// _SpillMove is one pending copy between two splits of the same value.
type _SpillMove struct {
    to   *LiveIntervals
    from *LiveIntervals
}

// _SpillMoveSet collects every copy the allocation made necessary,
// grouped by the gap position where it executes. Moves sharing a gap
// form one parallel move.
type _SpillMoveSet struct {
    allocator *Allocator
    code      *ir.Code
    inMoves   map[int][]_SpillMove
    outMoves  map[int][]_SpillMove
    phiMoves  map[int][]_SpillMove
}

func newSpillMoveSet(allocator *Allocator) *_SpillMoveSet {
    return &_SpillMoveSet {
        allocator : allocator,
        code      : allocator.code,
        inMoves   : make(map[int][]_SpillMove),
        outMoves  : make(map[int][]_SpillMove),
        phiMoves  : make(map[int][]_SpillMove),
    }
}

func (self *_SpillMoveSet) addTo(m map[int][]_SpillMove, position int, to *LiveIntervals, from *LiveIntervals) {
    if position % 2 != 1 {
        panic(fmt.Sprintf("regalloc: spill move at non-gap position %d", position))
    }
    for _, existing := range m[position] {
        if existing.to == to && existing.from == from {
            return
        }
    }
    m[position] = append(m[position], _SpillMove { to: to, from: from })
}

// addSpillOrRestoreMove records the copy at a split boundary.
func (self *_SpillMoveSet) addSpillOrRestoreMove(position int, to *LiveIntervals, from *LiveIntervals) {
    self.addTo(self.inMoves, position, to, from)
}

// addInResolutionMove records an edge-resolution copy at the start of
// the successor.
func (self *_SpillMoveSet) addInResolutionMove(position int, to *LiveIntervals, from *LiveIntervals) {
    self.addTo(self.inMoves, position, to, from)
}

// addOutResolutionMove records an edge-resolution copy at the end of
// the predecessor.
func (self *_SpillMoveSet) addOutResolutionMove(position int, to *LiveIntervals, from *LiveIntervals) {
    self.addTo(self.outMoves, position, to, from)
}

// addPhiMove records a phi-input copy on the predecessor side.
func (self *_SpillMoveSet) addPhiMove(position int, to *LiveIntervals, from *LiveIntervals) {
    self.addTo(self.phiMoves, position, to, from)
}

// scheduleAndInsertMoves turns the pending copies into move and const
// instructions inside the IR, breaking register cycles with temporaries
// from tempRegister upwards. Returns the number of temporaries used.
func (self *_SpillMoveSet) scheduleAndInsertMoves(tempRegister int) int {
    usedTemps := 0
    for _, block := range self.code.Blocks {
        /* snapshot the numbered instructions; scheduling splices */
        numbered := append([]*ir.Instr(nil), block.Instrs...)
        for _, instruction := range numbered {
            if instruction.Number < 0 {
                continue
            }
            gap := instruction.Number - 1
            moves := append([]_SpillMove(nil), self.outMoves[gap]...)
            moves = append(moves, self.phiMoves[gap]...)
            moves = append(moves, self.inMoves[gap]...)
            if len(moves) == 0 {
                continue
            }
            scheduled, temps := self.scheduleMoves(moves, tempRegister)
            if temps > usedTemps {
                usedTemps = temps
            }
            self.insertAt(block, instruction, scheduled)
        }
    }
    return usedTemps
}

// insertAt splices the scheduled instructions before anchor, or right
// after it when the anchor is a move-exception: nothing may precede a
// move-exception in its block.
func (self *_SpillMoveSet) insertAt(block *ir.BasicBlock, anchor *ir.Instr, scheduled []*ir.Instr) {
    index := -1
    for i, ins := range block.Instrs {
        if ins == anchor {
            index = i
            break
        }
    }
    if index < 0 {
        panic("regalloc: anchor instruction vanished from its block")
    }
    if anchor.IsMoveException() {
        index++
    }
    for i, ins := range scheduled {
        block.InsertBefore(index + i, ins)
    }
}

// _MoveOp is a scheduled copy in terms of allocated register slots.
type _MoveOp struct {
    dst   int
    src   int
    typ   ir.ValueType
    remat *ir.Instr
}

func (self *_MoveOp) width() int {
    return self.typ.Width()
}

func (self *_MoveOp) dstConflictsWithSrc(other *_MoveOp) bool {
    if other.remat != nil {
        return false
    }
    return rangesIntersect(self.dst, self.width(), other.src, other.width())
}

func rangesIntersect(a int, wa int, b int, wb int) bool {
    return a < b + wb && b < a + wa
}

// scheduleMoves linearizes one parallel move group. A copy whose
// destination no other pending copy still reads can run; when only
// cycles remain, one source is saved to a temporary to cut them.
func (self *_SpillMoveSet) scheduleMoves(moves []_SpillMove, tempRegister int) ([]*ir.Instr, int) {
    pending := make([]*_MoveOp, 0, len(moves))
    for _, m := range moves {
        op := &_MoveOp {
            dst : m.to.GetRegister(),
            src : m.from.GetRegister(),
            typ : m.to.Type(),
        }
        if self.allocator.isSpilledAndRematerializable(m.from) {
            op.remat = m.from.Value().Definition()
        }
        if op.dst == NoRegister || op.src == NoRegister {
            panic("regalloc: scheduling a move with unallocated registers")
        }
        if op.dst == op.src {
            /* the value already sits in its slot; rematerializing it
             * there would be a no-op as well */
            continue
        }
        pending = append(pending, op)
    }

    out := make([]*ir.Instr, 0, len(pending))
    usedTemps := 0
    for len(pending) > 0 {
        progress := false
        n := 0
        for _, op := range pending {
            blocked := false
            for _, other := range pending {
                if other != op && op.dstConflictsWithSrc(other) {
                    blocked = true
                    break
                }
            }
            if blocked {
                pending[n] = op
                n++
            } else {
                out = append(out, self.materialize(op))
                progress = true
            }
        }
        pending = pending[:n]

        if !progress && len(pending) > 0 {
            /* a register cycle: park the first source in a temporary */
            op := pending[0]
            if op.remat != nil {
                panic("regalloc: rematerializing move cannot be part of a cycle")
            }
            temp := tempRegister + usedTemps
            usedTemps += op.width()
            out = append(out, self.makeMove(op.typ, temp, op.src))
            for _, other := range pending {
                if other.remat == nil && rangesIntersect(other.src, other.width(), op.src, op.width()) {
                    if other.src != op.src || other.width() != op.width() {
                        panic("regalloc: misaligned register cycle")
                    }
                    other.src = temp
                }
            }
        }
    }
    return out, usedTemps
}

func (self *_SpillMoveSet) materialize(op *_MoveOp) *ir.Instr {
    if op.remat != nil {
        out := self.code.NewFixedRegisterValue(op.typ, op.dst)
        ins := ir.NewInstr(ir.OpConstNumber, out)
        ins.ConstValue = op.remat.ConstValue
        return ins
    }
    return self.makeMove(op.typ, op.dst, op.src)
}

func (self *_SpillMoveSet) makeMove(typ ir.ValueType, dst int, src int) *ir.Instr {
    out := self.code.NewFixedRegisterValue(typ, dst)
    in := self.code.NewFixedRegisterValue(typ, src)
    return ir.NewInstr(ir.OpMove, out, in)
}

// insertMoves materializes one copy per split boundary, resolves the
// control flow, and schedules everything into the IR.
func (self *Allocator) insertMoves() {
    for _, intervals := range self.liveIntervals {
        intervals.computeRematerializable()
    }

    spillMoves := newSpillMoveSet(self)
    for _, intervals := range self.liveIntervals {
        if !intervals.HasSplits() {
            continue
        }
        current := intervals
        for _, split := range intervals.GetSplitChildren() {
            if !self.canSkipArgumentMove(split) {
                spillMoves.addSpillOrRestoreMove(toGapPosition(split.GetStart()), split, current)
            }
            current = split
        }
    }

    self.resolveControlFlow(spillMoves)
    self.firstParallelMoveTemporary = self.maxRegisterNumber + 1
    self.maxRegisterNumber += spillMoves.scheduleAndInsertMoves(self.maxRegisterNumber + 1)
}

// resolveControlFlow inserts copies on CFG edges where a value lives in
// different splits on the two sides, plus the phi-input copies.
//
// For a graph like the following where v is split inside C, the spill
// move in C is never executed on the edge B -> D, so the edge needs its
// own copy:
//
//             r0            r1
//   v: |----------------|--------|
//
//       A ----> B ----> C ----> D
//               |               ^
//               +---------------+
func (self *Allocator) resolveControlFlow(spillMoves *_SpillMoveSet) {
    for _, block := range self.code.Blocks {
        for _, successor := range block.Succs {
            fromInstruction := block.Exit().Number
            isCatch := block.HasCatchSuccessor(successor)
            if isCatch {
                /* an exceptional edge leaves at the throwing
                 * instruction, not at the block exit */
                if throwing := block.ExceptionalExit(); throwing != nil {
                    fromInstruction = throwing.Number
                }
            }
            toInstruction := successor.Entry().Number

            for _, value := range self.liveAtEntrySets[successor].LiveValues.Values() {
                parentInterval := self.intervalsFor(value)
                if parentInterval == nil {
                    continue
                }
                fromIntervals := parentInterval.GetSplitCovering(fromInstruction)
                toIntervals := parentInterval.GetSplitCovering(toInstruction)
                if self.canSkipArgumentMove(toIntervals) {
                    continue
                }
                if fromIntervals != toIntervals {
                    if block.Exit().Op == ir.OpGoto && !isCatch {
                        spillMoves.addOutResolutionMove(fromInstruction - 1, toIntervals, fromIntervals)
                    } else {
                        spillMoves.addInResolutionMove(toInstruction - 1, toIntervals, fromIntervals)
                    }
                }
            }

            /* phi inputs materialize on the predecessor side */
            predIndex := successor.PredecessorIndex(block)
            for _, phi := range successor.Phis {
                phiIntervals := self.intervalsFor(phi)
                if phiIntervals == nil {
                    continue
                }
                toIntervals := phiIntervals.GetSplitCovering(toInstruction)
                operand := phi.Phi.Operand(predIndex)
                operandIntervals := self.intervalsFor(operand)
                if operandIntervals == nil {
                    continue
                }
                fromIntervals := operandIntervals.GetSplitCovering(fromInstruction)
                if fromIntervals != toIntervals && !toIntervals.IsArgumentInterval() {
                    if len(block.Succs) != 1 {
                        panic("regalloc: phi move on a critical edge")
                    }
                    spillMoves.addPhiMove(fromInstruction - 1, toIntervals, fromIntervals)
                }
            }
        }
    }
}

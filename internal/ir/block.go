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

package ir

import (
    `fmt`
    `strings`
)

// BasicBlock is a straight-line run of instructions ending in a single
// control transfer. Catch handlers are successors flagged in Catches.
type BasicBlock struct {
    Id            int
    Phis          []*Value
    Instrs        []*Instr
    Preds         []*BasicBlock
    Succs         []*BasicBlock
    Catches       []*BasicBlock
    LocalsAtEntry map[int]*LocalInfo
}

func (self *BasicBlock) String() string {
    buf := make([]string, 0, len(self.Instrs))
    for _, v := range self.Instrs {
        buf = append(buf, v.String())
    }
    return fmt.Sprintf("bb_%d:\n    %s", self.Id, strings.Join(buf, "\n    "))
}

// Entry is the first instruction of the block.
func (self *BasicBlock) Entry() *Instr {
    return self.Instrs[0]
}

// Exit is the terminating instruction of the block.
func (self *BasicBlock) Exit() *Instr {
    return self.Instrs[len(self.Instrs) - 1]
}

// ExceptionalExit is the throwing instruction that transfers control to
// this block's catch handlers, or nil if the block cannot throw.
func (self *BasicBlock) ExceptionalExit() *Instr {
    for _, ins := range self.Instrs {
        if ins.CanThrow() {
            return ins
        }
    }
    return nil
}

func (self *BasicBlock) HasCatchSuccessor(b *BasicBlock) bool {
    for _, c := range self.Catches {
        if c == b {
            return true
        }
    }
    return false
}

// PredecessorIndex locates pred in the predecessor list; phis index
// their operands by this position.
func (self *BasicBlock) PredecessorIndex(pred *BasicBlock) int {
    for i, p := range self.Preds {
        if p == pred {
            return i
        }
    }
    panic("ir: block is not a predecessor")
}

// InsertBefore places ins at position i of the instruction list.
func (self *BasicBlock) InsertBefore(i int, ins *Instr) {
    ins.Block = self
    self.Instrs = append(self.Instrs, nil)
    copy(self.Instrs[i + 1:], self.Instrs[i:])
    self.Instrs[i] = ins
}

// RemoveAt drops the instruction at position i.
func (self *BasicBlock) RemoveAt(i int) {
    self.Instrs = append(self.Instrs[:i], self.Instrs[i + 1:]...)
}

func (self *BasicBlock) addInstr(ins *Instr) {
    ins.Block = self
    self.Instrs = append(self.Instrs, ins)
}

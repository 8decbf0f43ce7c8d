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
)

// NoRegister marks a value that has no fixed register assigned.
const NoRegister = -1

type ValueType uint8

const (
    TypeSingle ValueType = iota
    TypeWide
    TypeObject
)

func (self ValueType) IsWide() bool {
    return self == TypeWide
}

// Width is the number of register slots a value of this type occupies.
func (self ValueType) Width() int {
    if self == TypeWide {
        return 2
    } else {
        return 1
    }
}

func (self ValueType) String() string {
    switch self {
        case TypeSingle : return "single"
        case TypeWide   : return "wide"
        case TypeObject : return "object"
        default         : return "invalid"
    }
}

// LocalInfo is the debug-level name of a source local variable.
type LocalInfo struct {
    Name      string
    Signature string
}

func (self *LocalInfo) String() string {
    return self.Name
}

// Phi joins the values flowing into a block from each predecessor.
// Operands are indexed by the position of the predecessor in the
// block's predecessor list.
type Phi struct {
    Block    *BasicBlock
    Operands []*Value
}

func (self *Phi) Operand(i int) *Value {
    return self.Operands[i]
}

// Value is a single SSA value.
type Value struct {
    Id            int
    Type          ValueType
    Def           *Instr
    Phi           *Phi
    Users         []*Instr
    DebugUsers    []*Instr
    Local         *LocalInfo
    ThisValue     bool
    FixedRegister int
    Register      bool

    /* consecutive links for values that must occupy adjacent registers */
    next     *Value
    prev     *Value
    phiUsers []*Value
}

func newValue(id int, vt ValueType) *Value {
    return &Value {
        Id            : id,
        Type          : vt,
        FixedRegister : NoRegister,
    }
}

func (self *Value) String() string {
    if self.FixedRegister != NoRegister {
        return fmt.Sprintf("r%d", self.FixedRegister)
    } else {
        return fmt.Sprintf("v%d", self.Id)
    }
}

func (self *Value) IsPhi() bool {
    return self.Phi != nil
}

func (self *Value) IsArgument() bool {
    return self.Def != nil && self.Def.Op == OpArgument
}

func (self *Value) IsThis() bool {
    return self.ThisValue
}

func (self *Value) IsConstNumber() bool {
    return self.Def != nil && self.Def.Op == OpConstNumber
}

func (self *Value) IsFixedRegisterValue() bool {
    return self.FixedRegister != NoRegister
}

func (self *Value) NeedsRegister() bool {
    return self.Register
}

// RequiredRegisters is the number of register slots this value needs.
func (self *Value) RequiredRegisters() int {
    return self.Type.Width()
}

func (self *Value) HasLocalInfo() bool {
    return self.Local != nil
}

func (self *Value) LocalInfo() *LocalInfo {
    return self.Local
}

func (self *Value) HasSameLocalInfo(other *Value) bool {
    return self.Local == other.Local
}

// Definition is the defining instruction, or nil for phis.
func (self *Value) Definition() *Instr {
    return self.Def
}

func (self *Value) DefinedBy(op Op) bool {
    return self.Def != nil && self.Def.Op == op
}

func (self *Value) NextConsecutive() *Value {
    return self.next
}

func (self *Value) PreviousConsecutive() *Value {
    return self.prev
}

func (self *Value) IsLinked() bool {
    return self.next != nil || self.prev != nil
}

// StartOfConsecutive walks back to the head of the consecutive chain.
func (self *Value) StartOfConsecutive() *Value {
    v := self
    for v.prev != nil {
        v = v.prev
    }
    return v
}

// LinkTo appends next to the consecutive chain of self.
func (self *Value) LinkTo(next *Value) {
    if self.next != nil || next.prev != nil {
        panic("ir: value is already linked")
    }
    self.next = next
    next.prev = self
}

func (self *Value) addUser(ins *Instr) {
    for _, u := range self.Users {
        if u == ins {
            return
        }
    }
    self.Users = append(self.Users, ins)
}

func (self *Value) removeUser(ins *Instr) {
    for i, u := range self.Users {
        if u == ins {
            self.Users = append(self.Users[:i], self.Users[i + 1:]...)
            return
        }
    }
}

func (self *Value) addDebugUser(ins *Instr) {
    for _, u := range self.DebugUsers {
        if u == ins {
            return
        }
    }
    self.DebugUsers = append(self.DebugUsers, ins)
}

// IsUsed reports whether any instruction, phi or debug annotation
// reads this value.
func (self *Value) IsUsed() bool {
    return len(self.Users) > 0 || len(self.phiUsers) > 0 || len(self.DebugUsers) > 0
}

// UniqueUsers yields each user instruction once, filtered by pred.
func (self *Value) UniqueUsers(pred func(*Instr) bool) []*Instr {
    ret := make([]*Instr, 0, len(self.Users))
    for _, u := range self.Users {
        if pred(u) {
            ret = append(ret, u)
        }
    }
    return ret
}

// UniquePhiUsers yields each phi that takes this value as an operand.
func (self *Value) UniquePhiUsers() []*Value {
    ret := make([]*Value, 0)
    for _, u := range self.phiUsers {
        ret = append(ret, u)
    }
    return ret
}

// UsedAsMonitor reports whether the value is the operand of a
// monitor-enter or monitor-exit instruction.
func (self *Value) UsedAsMonitor() bool {
    for _, u := range self.Users {
        if u.Op == OpMonitorEnter || u.Op == OpMonitorExit {
            return true
        }
    }
    return false
}

// ReplaceUsers redirects every use of self to repl.
func (self *Value) ReplaceUsers(repl *Value) {
    for _, u := range self.Users {
        for i, in := range u.In {
            if in == self {
                u.In[i] = repl
                repl.addUser(u)
            }
        }
    }
    self.Users = self.Users[:0]
    for _, p := range self.phiUsers {
        for i, op := range p.Phi.Operands {
            if op == self {
                p.Phi.Operands[i] = repl
                repl.addPhiUser(p)
            }
        }
    }
    self.phiUsers = self.phiUsers[:0]
}

func (self *Value) addPhiUser(phi *Value) {
    for _, p := range self.phiUsers {
        if p == phi {
            return
        }
    }
    self.phiUsers = append(self.phiUsers, phi)
}

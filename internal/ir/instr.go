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

// Register number limits of the DEX instruction formats.
const (
    U4BitMax  = 15
    U8BitMax  = 255
    U16BitMax = 65535
)

// InstructionNumberDelta is the numbering stride: instructions get even
// numbers, the odd number before an instruction is its gap position.
const InstructionNumberDelta = 2

type Op uint8

const (
    OpArgument Op = iota
    OpConstNumber
    OpConstString
    OpMove
    OpMoveException
    OpCheckCast
    OpMonitorEnter
    OpMonitorExit
    OpNewInstance
    OpArrayGet
    OpArrayPut
    OpArrayLength
    OpInstanceGet
    OpInstancePut
    OpStaticGet
    OpStaticPut
    OpCmp
    OpNumberConversion
    OpAdd
    OpSub
    OpMul
    OpDiv
    OpRem
    OpAnd
    OpOr
    OpXor
    OpShl
    OpShr
    OpInvoke
    OpIf
    OpGoto
    OpReturn
    OpThrow
    OpDebugLocalsChange
    OpDebugLocalRead
)

type NumericType uint8

const (
    NumInt NumericType = iota
    NumLong
    NumFloat
    NumDouble
)

var _OpNames = [...]string {
    OpArgument          : "argument",
    OpConstNumber       : "const",
    OpConstString       : "const-string",
    OpMove              : "move",
    OpMoveException     : "move-exception",
    OpCheckCast         : "check-cast",
    OpMonitorEnter      : "monitor-enter",
    OpMonitorExit       : "monitor-exit",
    OpNewInstance       : "new-instance",
    OpArrayGet          : "aget",
    OpArrayPut          : "aput",
    OpArrayLength       : "array-length",
    OpInstanceGet       : "iget",
    OpInstancePut       : "iput",
    OpStaticGet         : "sget",
    OpStaticPut         : "sput",
    OpCmp               : "cmp",
    OpNumberConversion  : "convert",
    OpAdd               : "add",
    OpSub               : "sub",
    OpMul               : "mul",
    OpDiv               : "div",
    OpRem               : "rem",
    OpAnd               : "and",
    OpOr                : "or",
    OpXor               : "xor",
    OpShl               : "shl",
    OpShr               : "shr",
    OpInvoke            : "invoke",
    OpIf                : "if",
    OpGoto              : "goto",
    OpReturn            : "return",
    OpThrow             : "throw",
    OpDebugLocalsChange : "debug-locals-change",
    OpDebugLocalRead    : "debug-local-read",
}

/* instructions that can transfer control to a catch handler */
var _OpThrows = [...]bool {
    OpConstString  : true,
    OpCheckCast    : true,
    OpMonitorEnter : true,
    OpMonitorExit  : true,
    OpNewInstance  : true,
    OpArrayGet     : true,
    OpArrayPut     : true,
    OpArrayLength  : true,
    OpInstanceGet  : true,
    OpInstancePut  : true,
    OpStaticGet    : true,
    OpStaticPut    : true,
    OpDiv          : true,
    OpRem          : true,
    OpInvoke       : true,
    OpThrow        : true,
}

func (self Op) String() string {
    if int(self) < len(_OpNames) && _OpNames[self] != "" {
        return _OpNames[self]
    } else {
        return fmt.Sprintf("op_%d", uint8(self))
    }
}

// Instr is a single IR instruction. Control transfer targets live on
// the enclosing block, not on the instruction.
type Instr struct {
    Op          Op
    In          []*Value
    Out         *Value
    Number      int
    Block       *BasicBlock
    Numeric     NumericType
    ConstValue  int64
    DebugValues []*Value

    /* locals delta payload, only for OpDebugLocalsChange */
    Ending   map[int]*LocalInfo
    Starting map[int]*LocalInfo
}

func (self *Instr) String() string {
    buf := make([]string, 0, len(self.In) + 1)
    for _, v := range self.In {
        buf = append(buf, v.String())
    }
    if self.Out != nil {
        return fmt.Sprintf("%s = %s %s", self.Out, self.Op, strings.Join(buf, ", "))
    } else {
        return fmt.Sprintf("%s %s", self.Op, strings.Join(buf, ", "))
    }
}

func (self *Instr) IsArgument() bool {
    return self.Op == OpArgument
}

func (self *Instr) IsMoveException() bool {
    return self.Op == OpMoveException
}

func (self *Instr) CanThrow() bool {
    return int(self.Op) < len(_OpThrows) && _OpThrows[self.Op]
}

func (self *Instr) IsCommutative() bool {
    switch self.Op {
        case OpAdd, OpMul, OpAnd, OpOr, OpXor : return true
        default                               : return false
    }
}

func (self *Instr) IsArithmeticBinop() bool {
    switch self.Op {
        case OpAdd, OpSub, OpMul, OpDiv, OpRem : return true
        default                                : return false
    }
}

func (self *Instr) IsLogicalBinop() bool {
    switch self.Op {
        case OpAnd, OpOr, OpXor, OpShl, OpShr : return true
        default                               : return false
    }
}

func (self *Instr) IsLongToIntConversion() bool {
    return self.Op == OpNumberConversion &&
           len(self.In) == 1             &&
           self.In[0].Type.IsWide()      &&
           self.Out != nil               &&
           !self.Out.Type.IsWide()
}

// LeftValue and RightValue are only meaningful for binops.
func (self *Instr) LeftValue() *Value {
    return self.In[0]
}

func (self *Instr) RightValue() *Value {
    return self.In[1]
}

// RequiredArgumentRegisters is the register-slot demand of an invoke.
func (self *Instr) RequiredArgumentRegisters() int {
    n := 0
    for _, v := range self.In {
        n += v.RequiredRegisters()
    }
    return n
}

// MaxInValueRegister is the largest register number the encoding of
// this instruction can reference for the given input value.
func (self *Instr) MaxInValueRegister(v *Value) int {
    switch self.Op {
        case OpMove            : return U16BitMax
        case OpReturn          : return U8BitMax
        case OpThrow           : return U8BitMax
        case OpMonitorEnter    : return U8BitMax
        case OpMonitorExit     : return U8BitMax
        case OpCheckCast       : return U8BitMax
        case OpArrayGet        : return U8BitMax
        case OpArrayPut        : return U8BitMax
        case OpCmp             : return U8BitMax
        case OpStaticPut       : return U8BitMax

        /* 12x / 22c unary and field formats use 4-bit registers */
        case OpArrayLength     : return U4BitMax
        case OpNumberConversion: return U4BitMax
        case OpInstanceGet     : return U4BitMax
        case OpInstancePut     : return U4BitMax

        /* 23x binop formats use 8-bit registers */
        case OpAdd, OpSub, OpMul, OpDiv, OpRem : return U8BitMax
        case OpAnd, OpOr, OpXor, OpShl, OpShr  : return U8BitMax

        /* if-test is 22t (4-bit pair), if-testz is 21t (8-bit) */
        case OpIf: {
            if len(self.In) == 2 {
                return U4BitMax
            } else {
                return U8BitMax
            }
        }

        /* invoke-kind references 4-bit registers, invoke-range 16-bit */
        case OpInvoke: {
            if self.RequiredArgumentRegisters() > 5 {
                return U16BitMax
            } else {
                return U4BitMax
            }
        }

        default: return U16BitMax
    }
}

// MaxOutValueRegister is the largest register number the encoding of
// this instruction can write its result to.
func (self *Instr) MaxOutValueRegister() int {
    switch self.Op {
        case OpConstNumber     : return U8BitMax
        case OpConstString     : return U8BitMax
        case OpMove            : return U16BitMax
        case OpMoveException   : return U8BitMax
        case OpCheckCast       : return U8BitMax
        case OpNewInstance     : return U8BitMax
        case OpArrayGet        : return U8BitMax
        case OpStaticGet       : return U8BitMax
        case OpCmp             : return U8BitMax
        case OpArrayLength     : return U4BitMax
        case OpNumberConversion: return U4BitMax
        case OpInstanceGet     : return U4BitMax
        case OpInvoke          : return U8BitMax
        case OpArgument        : return U16BitMax

        case OpAdd, OpSub, OpMul, OpDiv, OpRem : return U8BitMax
        case OpAnd, OpOr, OpXor, OpShl, OpShr  : return U8BitMax

        default: return U16BitMax
    }
}

// NewInstr creates a detached instruction with use-def edges wired.
// The number stays -1 until the next renumbering; instructions spliced
// in after numbering keep it.
func NewInstr(op Op, out *Value, in ...*Value) *Instr {
    ins := &Instr { Op: op, Number: -1 }
    ins.attachIn(in)
    ins.attachOut(out)
    return ins
}

// ReplaceInValue swaps the input at slot i, maintaining user lists.
func (self *Instr) ReplaceInValue(i int, v *Value) {
    old := self.In[i]
    self.In[i] = v
    v.addUser(self)
    for _, in := range self.In {
        if in == old {
            return
        }
    }
    old.removeUser(self)
}

func (self *Instr) attachIn(vv []*Value) {
    self.In = vv
    for _, v := range vv {
        v.addUser(self)
    }
}

func (self *Instr) attachOut(v *Value) {
    self.Out = v
    if v != nil {
        v.Def = self
    }
}

// AddDebugValue attaches an end-of-scope marker for a local variable.
func (self *Instr) AddDebugValue(v *Value) {
    self.DebugValues = append(self.DebugValues, v)
    v.addDebugUser(self)
}

// ClearDebugValues drops all end-of-scope markers.
func (self *Instr) ClearDebugValues() {
    self.DebugValues = nil
}

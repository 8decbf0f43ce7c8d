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

// Builder assembles a Code value block by block. Bodies are expected to
// already be in SSA form: the builder wires use-def edges but performs
// no renaming. Phi operand order must match the order in which
// predecessor edges are created.
type Builder struct {
    code *Code
}

func NewBuilder(method string, static bool) *Builder {
    b := &Builder {
        code: &Code { Method: method, Static: static },
    }
    b.Block()
    return b
}

// Code exposes the method body under construction.
func (self *Builder) Code() *Code {
    return self.code
}

// Block appends a fresh empty basic block.
func (self *Builder) Block() *BasicBlock {
    bb := &BasicBlock { Id: len(self.code.Blocks) }
    self.code.Blocks = append(self.code.Blocks, bb)
    return bb
}

func (self *Builder) add(bb *BasicBlock, ins *Instr, out *Value, in ...*Value) *Value {
    ins.attachIn(in)
    ins.attachOut(out)
    bb.addInstr(ins)
    if out != nil {
        out.Register = true
    }
    return out
}

func (self *Builder) edge(from *BasicBlock, to *BasicBlock) {
    from.Succs = append(from.Succs, to)
    to.Preds = append(to.Preds, from)
}

// Argument declares the next method argument; must precede any other
// instruction in the entry block.
func (self *Builder) Argument(vt ValueType) *Value {
    bb := self.code.EntryBlock()
    if len(bb.Instrs) > 0 && !bb.Exit().IsArgument() {
        panic("ir: arguments must come first in the entry block")
    }
    return self.add(bb, &Instr { Op: OpArgument }, self.code.NewValue(vt))
}

// This declares the receiver argument of an instance method.
func (self *Builder) This() *Value {
    v := self.Argument(TypeObject)
    v.ThisValue = true
    return v
}

func (self *Builder) ConstNumber(bb *BasicBlock, vt ValueType, val int64) *Value {
    return self.add(bb, &Instr { Op: OpConstNumber, ConstValue: val }, self.code.NewValue(vt))
}

func (self *Builder) ConstString(bb *BasicBlock, s int64) *Value {
    return self.add(bb, &Instr { Op: OpConstString, ConstValue: s }, self.code.NewValue(TypeObject))
}

func (self *Builder) Move(bb *BasicBlock, src *Value) *Value {
    return self.add(bb, &Instr { Op: OpMove }, self.code.NewValue(src.Type), src)
}

func (self *Builder) MoveException(bb *BasicBlock) *Value {
    return self.add(bb, &Instr { Op: OpMoveException }, self.code.NewValue(TypeObject))
}

func (self *Builder) CheckCast(bb *BasicBlock, obj *Value) *Value {
    return self.add(bb, &Instr { Op: OpCheckCast }, self.code.NewValue(TypeObject), obj)
}

func (self *Builder) MonitorEnter(bb *BasicBlock, obj *Value) {
    self.add(bb, &Instr { Op: OpMonitorEnter }, nil, obj)
}

func (self *Builder) MonitorExit(bb *BasicBlock, obj *Value) {
    self.add(bb, &Instr { Op: OpMonitorExit }, nil, obj)
}

func (self *Builder) NewInstance(bb *BasicBlock) *Value {
    return self.add(bb, &Instr { Op: OpNewInstance }, self.code.NewValue(TypeObject))
}

func (self *Builder) ArrayGet(bb *BasicBlock, vt ValueType, array *Value, index *Value) *Value {
    return self.add(bb, &Instr { Op: OpArrayGet }, self.code.NewValue(vt), array, index)
}

func (self *Builder) ArrayPut(bb *BasicBlock, array *Value, index *Value, val *Value) {
    self.add(bb, &Instr { Op: OpArrayPut }, nil, array, index, val)
}

func (self *Builder) InstanceGet(bb *BasicBlock, vt ValueType, obj *Value) *Value {
    return self.add(bb, &Instr { Op: OpInstanceGet }, self.code.NewValue(vt), obj)
}

func (self *Builder) StaticGet(bb *BasicBlock, vt ValueType) *Value {
    return self.add(bb, &Instr { Op: OpStaticGet }, self.code.NewValue(vt))
}

func (self *Builder) Cmp(bb *BasicBlock, left *Value, right *Value) *Value {
    ins := &Instr { Op: OpCmp, Numeric: NumLong }
    return self.add(bb, ins, self.code.NewValue(TypeSingle), left, right)
}

func (self *Builder) LongToInt(bb *BasicBlock, v *Value) *Value {
    return self.add(bb, &Instr { Op: OpNumberConversion }, self.code.NewValue(TypeSingle), v)
}

func (self *Builder) Binop(bb *BasicBlock, op Op, nt NumericType, left *Value, right *Value) *Value {
    vt := TypeSingle
    if nt == NumLong || nt == NumDouble {
        vt = TypeWide
    }
    return self.add(bb, &Instr { Op: op, Numeric: nt }, self.code.NewValue(vt), left, right)
}

func (self *Builder) Add(bb *BasicBlock, nt NumericType, left *Value, right *Value) *Value {
    return self.Binop(bb, OpAdd, nt, left, right)
}

func (self *Builder) Sub(bb *BasicBlock, nt NumericType, left *Value, right *Value) *Value {
    return self.Binop(bb, OpSub, nt, left, right)
}

// Invoke emits a call; vt is the result type, or pass NoResult for a
// void call.
func (self *Builder) Invoke(bb *BasicBlock, vt ValueType, args ...*Value) *Value {
    var out *Value
    if vt != NoResult {
        out = self.code.NewValue(vt)
    }
    return self.add(bb, &Instr { Op: OpInvoke }, out, args...)
}

// NoResult makes Invoke produce no out value.
const NoResult ValueType = 0xff

// Phi creates a phi on bb. Operands must be attached with AddPhiOperand
// in predecessor-edge order.
func (self *Builder) Phi(bb *BasicBlock, vt ValueType) *Value {
    v := self.code.NewValue(vt)
    v.Phi = &Phi { Block: bb }
    v.Register = true
    bb.Phis = append(bb.Phis, v)
    return v
}

func (self *Builder) AddPhiOperand(phi *Value, operand *Value) {
    phi.Phi.Operands = append(phi.Phi.Operands, operand)
    operand.addPhiUser(phi)
}

func (self *Builder) Goto(from *BasicBlock, to *BasicBlock) {
    self.add(from, &Instr { Op: OpGoto }, nil)
    self.edge(from, to)
}

// If terminates from with a two-way branch; the true edge is created
// first, then the false edge.
func (self *Builder) If(from *BasicBlock, cond *Value, onTrue *BasicBlock, onFalse *BasicBlock) {
    self.add(from, &Instr { Op: OpIf }, nil, cond)
    self.edge(from, onTrue)
    self.edge(from, onFalse)
}

func (self *Builder) Return(bb *BasicBlock, v *Value) {
    if v != nil {
        self.add(bb, &Instr { Op: OpReturn }, nil, v)
    } else {
        self.add(bb, &Instr { Op: OpReturn }, nil)
    }
}

func (self *Builder) Throw(bb *BasicBlock, v *Value) {
    self.add(bb, &Instr { Op: OpThrow }, nil, v)
}

// CatchEdge routes the exceptional flow of from into handler.
func (self *Builder) CatchEdge(from *BasicBlock, handler *BasicBlock) {
    self.edge(from, handler)
    from.Catches = append(from.Catches, handler)
}

// SetLocal attaches debug-local information to a value.
func (self *Builder) SetLocal(v *Value, name string, sig string) *Value {
    v.Local = &LocalInfo { Name: name, Signature: sig }
    return v
}

// Build finalizes and validates the method body.
func (self *Builder) Build() (*Code, error) {
    code := self.code
    for _, bb := range code.Blocks {
        if len(bb.Instrs) == 0 {
            return nil, &ConsistencyError { Method: code.Method, Reason: fmt.Sprintf("empty block bb_%d", bb.Id) }
        }
        for _, phi := range bb.Phis {
            if len(phi.Phi.Operands) != len(bb.Preds) {
                return nil, &ConsistencyError {
                    Method : code.Method,
                    Reason : fmt.Sprintf("phi v%d has %d operands for %d predecessors", phi.Id, len(phi.Phi.Operands), len(bb.Preds)),
                }
            }
        }
        if ent := bb.Entry(); ent.IsMoveException() && len(bb.Preds) == 0 {
            return nil, &ConsistencyError { Method: code.Method, Reason: fmt.Sprintf("unreachable handler bb_%d", bb.Id) }
        }
    }
    return code, nil
}

// MustBuild is Build for tests and generated inputs.
func (self *Builder) MustBuild() *Code {
    code, err := self.Build()
    if err != nil {
        panic(err)
    }
    return code
}

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

package main

import (
	"fmt"

	"github.com/dexkit/dexc/internal/ir"
	"gopkg.in/yaml.v3"
)

// YAML description of a method body. Blocks list their successors by
// name; goto takes the first successor, if takes (true, false). Phi
// operands follow the order in which predecessor edges are declared.
type methodDoc struct {
	Method string     `yaml:"method"`
	Static bool       `yaml:"static"`
	Blocks []blockDoc `yaml:"blocks"`
}

type blockDoc struct {
	Name    string     `yaml:"name"`
	Phis    []phiDoc   `yaml:"phis"`
	Instrs  []instrDoc `yaml:"instrs"`
	Succs   []string   `yaml:"succs"`
	Catches []string   `yaml:"catches"`
}

type phiDoc struct {
	Out      string   `yaml:"out"`
	Type     string   `yaml:"type"`
	Operands []string `yaml:"operands"`
}

type instrDoc struct {
	Op      string   `yaml:"op"`
	Out     string   `yaml:"out"`
	Type    string   `yaml:"type"`
	Numeric string   `yaml:"numeric"`
	Value   int64    `yaml:"value"`
	In      []string `yaml:"in"`
	Local   string   `yaml:"local"`
}

type loader struct {
	b      *ir.Builder
	blocks map[string]*ir.BasicBlock
	values map[string]*ir.Value
}

func loadMethod(buf []byte) (*ir.Code, error) {
	var doc methodDoc
	if err := yaml.Unmarshal(buf, &doc); err != nil {
		return nil, err
	}
	if len(doc.Blocks) == 0 {
		return nil, fmt.Errorf("dexra: method %q has no blocks", doc.Method)
	}

	ld := &loader{
		b:      ir.NewBuilder(doc.Method, doc.Static),
		blocks: make(map[string]*ir.BasicBlock),
		values: make(map[string]*ir.Value),
	}

	/* first pass: materialize the blocks so edges can resolve */
	for i, bd := range doc.Blocks {
		var bb *ir.BasicBlock
		if i == 0 {
			bb = ld.b.Code().EntryBlock()
		} else {
			bb = ld.b.Block()
		}
		if _, dup := ld.blocks[bd.Name]; dup {
			return nil, fmt.Errorf("dexra: duplicate block %q", bd.Name)
		}
		ld.blocks[bd.Name] = bb
	}

	/* second pass: instructions and edges in block order */
	for _, bd := range doc.Blocks {
		if err := ld.loadBlock(bd); err != nil {
			return nil, err
		}
	}

	/* third pass: phis, now that every predecessor edge exists */
	for _, bd := range doc.Blocks {
		for _, pd := range bd.Phis {
			phi := ld.values[pd.Out]
			for _, name := range pd.Operands {
				operand, ok := ld.values[name]
				if !ok {
					return nil, fmt.Errorf("dexra: unknown phi operand %q", name)
				}
				ld.b.AddPhiOperand(phi, operand)
			}
		}
	}
	return ld.b.Build()
}

func (ld *loader) valueType(name string) (ir.ValueType, error) {
	switch name {
	case "", "single":
		return ir.TypeSingle, nil
	case "wide":
		return ir.TypeWide, nil
	case "object":
		return ir.TypeObject, nil
	default:
		return ir.TypeSingle, fmt.Errorf("dexra: unknown value type %q", name)
	}
}

func (ld *loader) numericType(name string) (ir.NumericType, error) {
	switch name {
	case "", "int":
		return ir.NumInt, nil
	case "long":
		return ir.NumLong, nil
	case "float":
		return ir.NumFloat, nil
	case "double":
		return ir.NumDouble, nil
	default:
		return ir.NumInt, fmt.Errorf("dexra: unknown numeric type %q", name)
	}
}

func (ld *loader) inputs(id instrDoc) ([]*ir.Value, error) {
	in := make([]*ir.Value, 0, len(id.In))
	for _, name := range id.In {
		v, ok := ld.values[name]
		if !ok {
			return nil, fmt.Errorf("dexra: unknown value %q", name)
		}
		in = append(in, v)
	}
	return in, nil
}

func (ld *loader) define(id instrDoc, v *ir.Value) {
	if id.Out != "" {
		ld.values[id.Out] = v
	}
	if v != nil && id.Local != "" {
		ld.b.SetLocal(v, id.Local, "")
	}
}

func (ld *loader) loadBlock(bd blockDoc) error {
	bb := ld.blocks[bd.Name]

	for _, pd := range bd.Phis {
		vt, err := ld.valueType(pd.Type)
		if err != nil {
			return err
		}
		ld.values[pd.Out] = ld.b.Phi(bb, vt)
	}

	for _, id := range bd.Instrs {
		vt, err := ld.valueType(id.Type)
		if err != nil {
			return err
		}
		nt, err := ld.numericType(id.Numeric)
		if err != nil {
			return err
		}
		in, err := ld.inputs(id)
		if err != nil {
			return err
		}

		switch id.Op {
		case "argument":
			ld.define(id, ld.b.Argument(vt))
		case "this":
			ld.define(id, ld.b.This())
		case "const":
			ld.define(id, ld.b.ConstNumber(bb, vt, id.Value))
		case "const-string":
			ld.define(id, ld.b.ConstString(bb, id.Value))
		case "move":
			ld.define(id, ld.b.Move(bb, in[0]))
		case "move-exception":
			ld.define(id, ld.b.MoveException(bb))
		case "check-cast":
			ld.define(id, ld.b.CheckCast(bb, in[0]))
		case "monitor-enter":
			ld.b.MonitorEnter(bb, in[0])
		case "monitor-exit":
			ld.b.MonitorExit(bb, in[0])
		case "new-instance":
			ld.define(id, ld.b.NewInstance(bb))
		case "aget":
			ld.define(id, ld.b.ArrayGet(bb, vt, in[0], in[1]))
		case "aput":
			ld.b.ArrayPut(bb, in[0], in[1], in[2])
		case "iget":
			ld.define(id, ld.b.InstanceGet(bb, vt, in[0]))
		case "sget":
			ld.define(id, ld.b.StaticGet(bb, vt))
		case "cmp":
			ld.define(id, ld.b.Cmp(bb, in[0], in[1]))
		case "long-to-int":
			ld.define(id, ld.b.LongToInt(bb, in[0]))
		case "add":
			ld.define(id, ld.b.Add(bb, nt, in[0], in[1]))
		case "sub":
			ld.define(id, ld.b.Sub(bb, nt, in[0], in[1]))
		case "mul":
			ld.define(id, ld.b.Binop(bb, ir.OpMul, nt, in[0], in[1]))
		case "div":
			ld.define(id, ld.b.Binop(bb, ir.OpDiv, nt, in[0], in[1]))
		case "and":
			ld.define(id, ld.b.Binop(bb, ir.OpAnd, nt, in[0], in[1]))
		case "or":
			ld.define(id, ld.b.Binop(bb, ir.OpOr, nt, in[0], in[1]))
		case "xor":
			ld.define(id, ld.b.Binop(bb, ir.OpXor, nt, in[0], in[1]))
		case "invoke":
			rt := ir.NoResult
			if id.Out != "" {
				rt = vt
			}
			ld.define(id, ld.b.Invoke(bb, rt, in...))
		case "if":
			if len(bd.Succs) != 2 {
				return fmt.Errorf("dexra: block %q: if needs two successors", bd.Name)
			}
			ld.b.If(bb, in[0], ld.blocks[bd.Succs[0]], ld.blocks[bd.Succs[1]])
		case "goto":
			if len(bd.Succs) != 1 {
				return fmt.Errorf("dexra: block %q: goto needs one successor", bd.Name)
			}
			ld.b.Goto(bb, ld.blocks[bd.Succs[0]])
		case "return":
			if len(in) > 0 {
				ld.b.Return(bb, in[0])
			} else {
				ld.b.Return(bb, nil)
			}
		case "throw":
			ld.b.Throw(bb, in[0])
		default:
			return fmt.Errorf("dexra: block %q: unknown op %q", bd.Name, id.Op)
		}
	}

	for _, name := range bd.Catches {
		handler, ok := ld.blocks[name]
		if !ok {
			return fmt.Errorf("dexra: unknown catch handler %q", name)
		}
		ld.b.CatchEdge(bb, handler)
	}
	return nil
}

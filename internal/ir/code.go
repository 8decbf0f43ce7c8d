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

    `github.com/oleiade/lane`
)

// LiveAtEntrySets is the liveness summary at a block's entry point. The
// block's own phis are members of LiveValues.
type LiveAtEntrySets struct {
    LiveValues      *ValueSet
    LiveLocalValues *ValueSet
}

// Code is one method body in SSA form: the façade the register
// allocator consumes.
type Code struct {
    Method   string
    Static   bool
    Blocks   []*BasicBlock
    nextval  int
    nextnum  int
}

func (self *Code) String() string {
    buf := make([]string, 0, len(self.Blocks))
    for _, bb := range self.Blocks {
        buf = append(buf, bb.String())
    }
    return strings.Join(buf, "\n")
}

func (self *Code) EntryBlock() *BasicBlock {
    return self.Blocks[0]
}

// NextInstructionNumber is the first number past the numbered range.
func (self *Code) NextInstructionNumber() int {
    return self.nextnum
}

// NewValue mints a fresh SSA value.
func (self *Code) NewValue(vt ValueType) *Value {
    v := newValue(self.nextval, vt)
    self.nextval++
    return v
}

// NewFixedRegisterValue mints a value pinned to a physical register;
// spill and resolution moves operate on these.
func (self *Code) NewFixedRegisterValue(vt ValueType, register int) *Value {
    v := self.NewValue(vt)
    v.FixedRegister = register
    return v
}

// CollectArguments yields the argument values in declaration order.
func (self *Code) CollectArguments() []*Value {
    args := make([]*Value, 0, 4)
    for _, ins := range self.EntryBlock().Instrs {
        if ins.IsArgument() {
            args = append(args, ins.Out)
        } else {
            break
        }
    }
    return args
}

// NumberInstructions assigns stride-2 numbers to every instruction in
// block order and returns the block list the numbering follows.
func (self *Code) NumberInstructions() []*BasicBlock {
    self.nextnum = 0
    for _, bb := range self.Blocks {
        for _, ins := range bb.Instrs {
            ins.Number = self.nextnum
            self.nextnum += InstructionNumberDelta
        }
    }
    return self.Blocks
}

// TopologicallySortedBlocks returns the blocks in reverse post-order,
// which is a topological order up to loop back-edges.
func (self *Code) TopologicallySortedBlocks() []*BasicBlock {
    st := lane.NewStack()
    vis := make(map[int]bool, len(self.Blocks))
    ord := make([]*BasicBlock, 0, len(self.Blocks))

    /* iterative DFS, successors pushed in reverse for stable ordering */
    type frame struct {
        bb *BasicBlock
        ex bool
    }
    for st.Push(&frame { bb: self.EntryBlock() }); !st.Empty(); {
        f := st.Pop().(*frame)

        /* post-order emit on the way back up */
        if f.ex {
            ord = append(ord, f.bb)
            continue
        }
        if vis[f.bb.Id] {
            continue
        }
        vis[f.bb.Id] = true
        st.Push(&frame { bb: f.bb, ex: true })
        for i := len(f.bb.Succs) - 1; i >= 0; i-- {
            if !vis[f.bb.Succs[i].Id] {
                st.Push(&frame { bb: f.bb.Succs[i] })
            }
        }
    }

    /* reverse the post-order */
    for i, j := 0, len(ord) - 1; i < j; i, j = i + 1, j - 1 {
        ord[i], ord[j] = ord[j], ord[i]
    }
    return ord
}

// ComputeLiveAtEntrySets runs the backward liveness fixpoint. Sets are
// insertion-ordered so that interval creation order is deterministic.
func (self *Code) ComputeLiveAtEntrySets() map[*BasicBlock]*LiveAtEntrySets {
    ret := make(map[*BasicBlock]*LiveAtEntrySets, len(self.Blocks))
    for _, bb := range self.Blocks {
        ret[bb] = &LiveAtEntrySets {
            LiveValues      : NewValueSet(),
            LiveLocalValues : NewValueSet(),
        }
    }

    /* seed the worklist with the blocks in reverse topological order */
    topo := self.TopologicallySortedBlocks()
    q := lane.NewQueue()
    inq := make(map[int]bool, len(topo))
    for i := len(topo) - 1; i >= 0; i-- {
        q.Enqueue(topo[i])
        inq[topo[i].Id] = true
    }

    for !q.Empty() {
        bb := q.Dequeue().(*BasicBlock)
        inq[bb.Id] = false
        live := self.liveAtEntry(bb, ret)
        if !live.LiveValues.Equals(ret[bb].LiveValues) || !live.LiveLocalValues.Equals(ret[bb].LiveLocalValues) {
            ret[bb] = live
            for _, pred := range bb.Preds {
                if !inq[pred.Id] {
                    q.Enqueue(pred)
                    inq[pred.Id] = true
                }
            }
        }
    }
    return ret
}

func (self *Code) liveAtEntry(bb *BasicBlock, sets map[*BasicBlock]*LiveAtEntrySets) *LiveAtEntrySets {
    live := NewValueSet()

    /* live-out is the union of the successors' live-in, with each
     * successor's phis replaced by the operands on this edge */
    for _, succ := range bb.Succs {
        for _, v := range sets[succ].LiveValues.Values() {
            if !v.IsPhi() || v.Phi.Block != succ {
                live.Add(v)
            }
        }
        for _, phi := range succ.Phis {
            live.Add(phi.Phi.Operand(succ.PredecessorIndex(bb)))
        }
    }

    /* scan the block backwards */
    for i := len(bb.Instrs) - 1; i >= 0; i-- {
        ins := bb.Instrs[i]
        if ins.Out != nil {
            live.Remove(ins.Out)
        }
        for _, v := range ins.In {
            if v.NeedsRegister() {
                live.Add(v)
            }
        }
        for _, v := range ins.DebugValues {
            live.Add(v)
        }
    }

    /* the block's own phis are live at entry */
    for _, phi := range bb.Phis {
        live.Add(phi)
    }

    /* extract the values that carry local info */
    locals := NewValueSet()
    for _, v := range live.Values() {
        if v.HasLocalInfo() {
            locals.Add(v)
        }
    }
    return &LiveAtEntrySets { LiveValues: live, LiveLocalValues: locals }
}

// ConsistencyError describes a malformed method body.
type ConsistencyError struct {
    Method string
    Reason string
}

func (self *ConsistencyError) Error() string {
    return fmt.Sprintf("ir: inconsistent method `%s`: %s", self.Method, self.Reason)
}

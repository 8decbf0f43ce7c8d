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
    `math`
    `sort`
    `strings`
    `sync/atomic`

    `github.com/dexkit/dexc/internal/ir`
)

// NoRegister marks intervals that have not been assigned a register.
const NoRegister = -1

const (
    _P_max = math.MaxInt32
)

// LiveRange is a half-open [Start, End) span of instruction positions.
type LiveRange struct {
    Start int
    End   int
}

func (self LiveRange) String() string {
    return fmt.Sprintf("[%d, %d[", self.Start, self.End)
}

// LiveIntervalsUse records that a value is read at Position by an
// instruction whose encoding cannot reference registers above Limit.
type LiveIntervalsUse struct {
    Position int
    Limit    int
}

func (self LiveIntervalsUse) HasConstraint() bool {
    return self.Limit < ir.U16BitMax
}

func (self LiveIntervalsUse) hasConstraintInMode(mode _Mode) bool {
    return mode.hasUseConstraint(self.Limit)
}

func (self LiveIntervalsUse) String() string {
    return fmt.Sprintf("@%d<=%d", self.Position, self.Limit)
}

// LiveIntervals is the liveness of one SSA value, or of one split of
// it. Split children share the parent's value but carry their own
// ranges, uses and register assignment. Children are flat: they hang
// off the split parent and never have children of their own.
type LiveIntervals struct {
    value    *ir.Value
    typ      ir.ValueType
    seq      int64
    ranges   []LiveRange
    uses     []LiveIntervalsUse
    register int
    spilled  bool
    remat    bool
    invoke   bool
    hint     *LiveIntervals
    parent   *LiveIntervals
    children []*LiveIntervals
    next     *LiveIntervals
    prev     *LiveIntervals
}

// The creation counter is the stable tiebreak for intervals that start
// at the same position. Allocators may run concurrently on different
// methods; the counter is atomic so relative order within one method
// stays deterministic.
var liveIntervalsSeq int64

func newLiveIntervals(value *ir.Value) *LiveIntervals {
    return &LiveIntervals {
        value    : value,
        typ      : value.Type,
        seq      : atomic.AddInt64(&liveIntervalsSeq, 1),
        register : NoRegister,
    }
}

func (self *LiveIntervals) String() string {
    buf := make([]string, 0, len(self.ranges))
    for _, r := range self.ranges {
        buf = append(buf, r.String())
    }
    return fmt.Sprintf("%s: {%s}", self.value, strings.Join(buf, ", "))
}

func (self *LiveIntervals) Value() *ir.Value {
    return self.value
}

func (self *LiveIntervals) Type() ir.ValueType {
    return self.typ
}

func (self *LiveIntervals) RequiredRegisters() int {
    return self.typ.Width()
}

func (self *LiveIntervals) GetStart() int {
    if len(self.ranges) == 0 {
        panic("regalloc: live intervals without ranges")
    }
    return self.ranges[0].Start
}

func (self *LiveIntervals) GetEnd() int {
    if len(self.ranges) == 0 {
        panic("regalloc: live intervals without ranges")
    }
    return self.ranges[len(self.ranges) - 1].End
}

func (self *LiveIntervals) GetRanges() []LiveRange {
    return self.ranges
}

// AddRange extends the intervals with r, coalescing with the last range
// when they touch. Ranges must arrive with non-decreasing starts.
func (self *LiveIntervals) AddRange(r LiveRange) {
    if n := len(self.ranges); n == 0 {
        self.ranges = append(self.ranges, r)
    } else if last := &self.ranges[n - 1]; last.End >= r.Start {
        if r.End > last.End {
            last.End = r.End
        }
    } else {
        self.ranges = append(self.ranges, r)
    }
}

// AddUse records a register-constrained read position.
func (self *LiveIntervals) AddUse(use LiveIntervalsUse) {
    i := sort.Search(len(self.uses), func(i int) bool {
        u := self.uses[i]
        return u.Position > use.Position || (u.Position == use.Position && u.Limit >= use.Limit)
    })
    if i < len(self.uses) && self.uses[i] == use {
        return
    }
    self.uses = append(self.uses, LiveIntervalsUse{})
    copy(self.uses[i + 1:], self.uses[i:])
    self.uses[i] = use
}

func (self *LiveIntervals) GetUses() []LiveIntervalsUse {
    return self.uses
}

func (self *LiveIntervals) HasUses() bool {
    return len(self.uses) > 0
}

func (self *LiveIntervals) GetFirstUse() int {
    return self.uses[0].Position
}

// GetRegisterLimit is the most constrained use limit of this split.
func (self *LiveIntervals) GetRegisterLimit() int {
    ret := ir.U16BitMax
    for _, u := range self.uses {
        if u.Limit < ret {
            ret = u.Limit
        }
    }
    return ret
}

// FirstUseWithConstraint is the first use whose limit is below 16 bits,
// or nil.
func (self *LiveIntervals) FirstUseWithConstraint() *LiveIntervalsUse {
    for i := range self.uses {
        if self.uses[i].HasConstraint() {
            return &self.uses[i]
        }
    }
    return nil
}

func (self *LiveIntervals) firstUseWithConstraintInMode(mode _Mode) *LiveIntervalsUse {
    for i := range self.uses {
        if self.uses[i].hasConstraintInMode(mode) {
            return &self.uses[i]
        }
    }
    return nil
}

func (self *LiveIntervals) NumberOfUsesWithConstraint() int {
    n := 0
    for _, u := range self.uses {
        if u.HasConstraint() {
            n++
        }
    }
    return n
}

// FirstUseAfter is the first use position at or after pos, or _P_max.
func (self *LiveIntervals) FirstUseAfter(pos int) int {
    for _, u := range self.uses {
        if u.Position >= pos {
            return u.Position
        }
    }
    return _P_max
}

func (self *LiveIntervals) GetRegister() int {
    return self.register
}

func (self *LiveIntervals) HasRegister() bool {
    return self.register != NoRegister
}

func (self *LiveIntervals) SetRegister(register int) {
    self.register = register
}

func (self *LiveIntervals) ClearRegisterAssignment() {
    self.register = NoRegister
    self.hint = nil
}

func (self *LiveIntervals) IsSpilled() bool {
    return self.spilled
}

func (self *LiveIntervals) SetSpilled(spilled bool) {
    self.spilled = spilled
}

// IsRematerializable reports that re-creating the value with a constant
// load is always possible, making its spill slot removable.
func (self *LiveIntervals) IsRematerializable() bool {
    return self.remat
}

func (self *LiveIntervals) computeRematerializable() {
    self.remat = self.value.IsConstNumber()
    for _, c := range self.children {
        c.remat = self.remat
    }
}

func (self *LiveIntervals) IsInvokeRangeIntervals() bool {
    return self.invoke
}

func (self *LiveIntervals) SetIsInvokeRangeIntervals() {
    self.invoke = true
}

func (self *LiveIntervals) UnsetIsInvokeRangeIntervals() {
    self.invoke = false
    for _, c := range self.children {
        c.invoke = false
    }
}

// IsLinked marks intervals whose register is pinned by a calling
// convention: argument chains and invoke-range splits.
func (self *LiveIntervals) IsLinked() bool {
    return self.invoke || self.IsArgumentInterval()
}

func (self *LiveIntervals) NextConsecutive() *LiveIntervals {
    return self.next
}

func (self *LiveIntervals) PreviousConsecutive() *LiveIntervals {
    return self.prev
}

// Link chains other right after self: their registers must be adjacent.
func (self *LiveIntervals) Link(other *LiveIntervals) {
    self.next = other
    other.prev = self
}

func (self *LiveIntervals) IsArgumentInterval() bool {
    return self.SplitParent().value.IsArgument()
}

func (self *LiveIntervals) SplitParent() *LiveIntervals {
    if self.parent != nil {
        return self.parent
    }
    return self
}

func (self *LiveIntervals) IsSplitParent() bool {
    return self.parent == nil
}

func (self *LiveIntervals) GetSplitChildren() []*LiveIntervals {
    return self.children
}

func (self *LiveIntervals) HasSplits() bool {
    return len(self.SplitParent().children) > 0
}

// SetHint biases register selection toward the register of other.
func (self *LiveIntervals) SetHint(other *LiveIntervals) {
    self.hint = other
}

func (self *LiveIntervals) HasHint() bool {
    return self.hint != nil
}

// GetHint is the hint register, or NoRegister when the hint interval
// lost its assignment again.
func (self *LiveIntervals) GetHint() int {
    if self.hint == nil {
        return NoRegister
    }
    return self.hint.register
}

// SplitBefore cuts the intervals at the gap preceding pos. The
// receiver keeps [start, gap); the returned sibling owns [gap, end)
// along with every use at or after the gap.
func (self *LiveIntervals) SplitBefore(pos int) *LiveIntervals {
    split := toGapPosition(pos)
    if split <= self.GetStart() {
        panic(fmt.Sprintf("regalloc: split at %d does not cut %s", split, self))
    }

    parent := self.SplitParent()
    child := newLiveIntervals(parent.value)
    child.parent = parent
    child.invoke = false
    child.remat = parent.remat

    /* partition the ranges around the split position */
    keep := make([]LiveRange, 0, len(self.ranges))
    move := make([]LiveRange, 0, len(self.ranges))
    for _, r := range self.ranges {
        switch {
            case r.End <= split   : keep = append(keep, r)
            case r.Start >= split : move = append(move, r)
            default: {
                keep = append(keep, LiveRange { r.Start, split })
                move = append(move, LiveRange { split, r.End })
            }
        }
    }
    if len(keep) == 0 || len(move) == 0 {
        panic(fmt.Sprintf("regalloc: split at %d leaves an empty side of %s", split, self))
    }
    self.ranges = keep
    child.ranges = move

    /* transfer the uses at or after the split position */
    cut := sort.Search(len(self.uses), func(i int) bool { return self.uses[i].Position >= split })
    child.uses = append(child.uses, self.uses[cut:]...)
    self.uses = self.uses[:cut]

    parent.insertSplitChild(child)
    return child
}

// SplitAfter cuts at the gap following the instruction at pos.
func (self *LiveIntervals) SplitAfter(pos int) *LiveIntervals {
    return self.SplitBefore(toInstructionPosition(pos) + 1)
}

func (self *LiveIntervals) insertSplitChild(child *LiveIntervals) {
    start := child.GetStart()
    i := sort.Search(len(self.children), func(i int) bool {
        return self.children[i].GetStart() > start
    })
    self.children = append(self.children, nil)
    copy(self.children[i + 1:], self.children[i:])
    self.children[i] = child
}

// GetSplitCovering locates the split whose ranges span pos. A use
// position equals the exclusive end of the range it closes, so when no
// split covers pos outright the one ending exactly there holds the
// value at pos. Positions outside every split resolve to the parent.
func (self *LiveIntervals) GetSplitCovering(pos int) *LiveIntervals {
    parent := self.SplitParent()
    if parent.coversEntry(pos) {
        return parent
    }
    for _, c := range parent.children {
        if c.coversEntry(pos) {
            return c
        }
    }
    if len(parent.ranges) > 0 && parent.GetEnd() == pos {
        return parent
    }
    for _, c := range parent.children {
        if len(c.ranges) > 0 && c.GetEnd() == pos {
            return c
        }
    }
    return parent
}

func (self *LiveIntervals) coversEntry(pos int) bool {
    return len(self.ranges) > 0 && self.GetStart() <= pos && pos < self.GetEnd()
}

// GetPreviousSplit is the sibling ending right where self starts.
func (self *LiveIntervals) GetPreviousSplit() *LiveIntervals {
    var best *LiveIntervals
    start := self.GetStart()
    for _, s := range self.siblings() {
        if s != self && s.GetStart() < start && (best == nil || s.GetStart() > best.GetStart()) {
            best = s
        }
    }
    return best
}

// GetNextSplit is the sibling starting right after self ends.
func (self *LiveIntervals) GetNextSplit() *LiveIntervals {
    var best *LiveIntervals
    start := self.GetStart()
    for _, s := range self.siblings() {
        if s != self && s.GetStart() > start && (best == nil || s.GetStart() < best.GetStart()) {
            best = s
        }
    }
    return best
}

func (self *LiveIntervals) siblings() []*LiveIntervals {
    parent := self.SplitParent()
    ret := make([]*LiveIntervals, 0, len(parent.children) + 1)
    ret = append(ret, parent)
    ret = append(ret, parent.children...)
    return ret
}

// UndoSplits reabsorbs every split child into the parent.
func (self *LiveIntervals) UndoSplits() {
    if self.parent != nil {
        panic("regalloc: undoSplits on a split child")
    }
    if len(self.children) == 0 {
        return
    }
    for _, c := range self.children {
        for _, r := range c.ranges {
            self.AddRangeSorted(r)
        }
        for _, u := range c.uses {
            self.AddUse(u)
        }
    }
    self.children = nil
    self.normalizeRanges()
}

// AddRangeSorted inserts r keeping the range list ordered; used when
// re-merging splits whose ranges are not appended in order.
func (self *LiveIntervals) AddRangeSorted(r LiveRange) {
    i := sort.Search(len(self.ranges), func(i int) bool {
        return self.ranges[i].Start >= r.Start
    })
    self.ranges = append(self.ranges, LiveRange{})
    copy(self.ranges[i + 1:], self.ranges[i:])
    self.ranges[i] = r
}

func (self *LiveIntervals) normalizeRanges() {
    if len(self.ranges) < 2 {
        return
    }
    out := self.ranges[:1]
    for _, r := range self.ranges[1:] {
        if last := &out[len(out) - 1]; last.End >= r.Start {
            if r.End > last.End {
                last.End = r.End
            }
        } else {
            out = append(out, r)
        }
    }
    self.ranges = out
}

// Overlaps reports whether the two intervals are ever live at the same
// position.
func (self *LiveIntervals) Overlaps(other *LiveIntervals) bool {
    return self.nextOverlapImpl(other) != _P_max
}

// NextOverlap is the first position where both intervals are live.
func (self *LiveIntervals) NextOverlap(other *LiveIntervals) int {
    return self.nextOverlapImpl(other)
}

func (self *LiveIntervals) nextOverlapImpl(other *LiveIntervals) int {
    i, j := 0, 0
    for i < len(self.ranges) && j < len(other.ranges) {
        a, b := self.ranges[i], other.ranges[j]
        if a.End <= b.Start {
            i++
        } else if b.End <= a.Start {
            j++
        } else if a.Start > b.Start {
            return a.Start
        } else {
            return b.Start
        }
    }
    return _P_max
}

// AnySplitOverlaps checks self's whole split family against other.
func (self *LiveIntervals) AnySplitOverlaps(other *LiveIntervals) bool {
    parent := self.SplitParent()
    if parent.Overlaps(other) {
        return true
    }
    for _, c := range parent.children {
        if c.Overlaps(other) {
            return true
        }
    }
    return false
}

// OverlapsPosition reports whether pos falls inside a live range (not
// in a hole).
func (self *LiveIntervals) OverlapsPosition(pos int) bool {
    for _, r := range self.ranges {
        if r.Start > pos {
            return false
        }
        if pos < r.End {
            return true
        }
    }
    return false
}

// UsesRegister reports a register conflict between this intervals'
// assignment and the (possibly wide) slot starting at register.
func (self *LiveIntervals) UsesRegister(register int, isWide bool) bool {
    if self.register == NoRegister {
        return false
    }
    lo, hi := register, register
    if isWide {
        hi = register + 1
    }
    mylo, myhi := self.register, self.register + self.RequiredRegisters() - 1
    return lo <= myhi && mylo <= hi
}

func (self *LiveIntervals) UsesBothRegisters(r1 int, r2 int) bool {
    return self.register == r1 && self.typ.IsWide() && self.register + 1 == r2
}

func (self *LiveIntervals) HasConflictingRegisters(other *LiveIntervals) bool {
    return other.HasRegister() && self.UsesRegister(other.register, other.typ.IsWide())
}

// ForEachRegister visits every register slot of the assignment.
func (self *LiveIntervals) ForEachRegister(fn func(int)) {
    for i := 0; i < self.RequiredRegisters(); i++ {
        fn(self.register + i)
    }
}

// GetRegisterEnd is the last register slot of the assignment.
func (self *LiveIntervals) GetRegisterEnd() int {
    return self.register + self.RequiredRegisters() - 1
}

// AsciiArt renders the live ranges for debug dumps.
func (self *LiveIntervals) AsciiArt() string {
    var sb strings.Builder
    pos := 0
    for _, r := range self.ranges {
        for ; pos < r.Start; pos++ {
            sb.WriteByte(' ')
        }
        for ; pos < r.End; pos++ {
            sb.WriteByte('-')
        }
    }
    return sb.String()
}

func toInstructionPosition(pos int) int {
    if pos % 2 == 0 {
        return pos
    }
    return pos + 1
}

func toGapPosition(pos int) int {
    if pos % 2 == 1 {
        return pos
    }
    return pos - 1
}

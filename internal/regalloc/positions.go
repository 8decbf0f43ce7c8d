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

// _RegisterType classifies what kind of value currently occupies a
// register, so that blocked-register allocation can prefer spilling
// rematerializable constants and avoid spilling monitor objects.
type _RegisterType uint8

const (
    _T_any _RegisterType = iota
    _T_const_number
    _T_other
    _T_monitor
)

// _RegisterPositions tracks, per register, either a blocked marker or
// the position until which the register stays free (or, in blocked
// allocation, the next use position of its occupant).
type _RegisterPositions interface {
    get(register int) int
    set(register int, position int, intervals *LiveIntervals)
    hasType(register int, typ _RegisterType) bool
    isBlocked(register int) bool
    isBlockedPair(register int, pair bool) bool
    setBlocked(register int)
    limit() int
}

type _RegisterPositionsImpl struct {
    n       int
    pos     []int
    types   []_RegisterType
    blocked []bool
}

func newRegisterPositions(n int) *_RegisterPositionsImpl {
    p := &_RegisterPositionsImpl {
        n       : n,
        pos     : make([]int, n),
        types   : make([]_RegisterType, n),
        blocked : make([]bool, n),
    }
    for i := range p.pos {
        p.pos[i] = _P_max
        p.types[i] = _T_other
    }
    return p
}

func (self *_RegisterPositionsImpl) limit() int {
    return self.n
}

func (self *_RegisterPositionsImpl) get(register int) int {
    if self.blocked[register] {
        panic("regalloc: reading the position of a blocked register")
    }
    return self.pos[register]
}

func (self *_RegisterPositionsImpl) set(register int, position int, intervals *LiveIntervals) {
    self.pos[register] = position
    self.types[register] = classifyIntervals(intervals)
}

func (self *_RegisterPositionsImpl) hasType(register int, typ _RegisterType) bool {
    return typ == _T_any || self.types[register] == typ
}

func (self *_RegisterPositionsImpl) isBlocked(register int) bool {
    return self.blocked[register]
}

func (self *_RegisterPositionsImpl) isBlockedPair(register int, pair bool) bool {
    if self.blocked[register] {
        return true
    }
    return pair && (register + 1 >= self.n || self.blocked[register + 1])
}

func (self *_RegisterPositionsImpl) setBlocked(register int) {
    self.blocked[register] = true
}

func classifyIntervals(intervals *LiveIntervals) _RegisterType {
    v := intervals.Value()
    if v.UsedAsMonitor() {
        return _T_monitor
    } else if v.IsConstNumber() {
        return _T_const_number
    } else {
        return _T_other
    }
}

// _RegisterPositionsWithExtraBlocked overlays temporary blocks on top
// of a base table; target workarounds blacklist candidates here so the
// block only lasts for the current allocation attempt.
type _RegisterPositionsWithExtraBlocked struct {
    base  _RegisterPositions
    extra map[int]bool
}

func newExtraBlockedPositions(base _RegisterPositions) *_RegisterPositionsWithExtraBlocked {
    return &_RegisterPositionsWithExtraBlocked {
        base  : base,
        extra : make(map[int]bool),
    }
}

func (self *_RegisterPositionsWithExtraBlocked) limit() int {
    return self.base.limit()
}

func (self *_RegisterPositionsWithExtraBlocked) get(register int) int {
    return self.base.get(register)
}

func (self *_RegisterPositionsWithExtraBlocked) set(register int, position int, intervals *LiveIntervals) {
    self.base.set(register, position, intervals)
}

func (self *_RegisterPositionsWithExtraBlocked) hasType(register int, typ _RegisterType) bool {
    return self.base.hasType(register, typ)
}

func (self *_RegisterPositionsWithExtraBlocked) isBlocked(register int) bool {
    return self.extra[register] || self.base.isBlocked(register)
}

func (self *_RegisterPositionsWithExtraBlocked) isBlockedPair(register int, pair bool) bool {
    if self.isBlocked(register) {
        return true
    }
    return pair && (register + 1 >= self.limit() || self.isBlocked(register + 1))
}

func (self *_RegisterPositionsWithExtraBlocked) setBlocked(register int) {
    self.base.setBlocked(register)
}

// setBlockedTemporarily blocks register only in this overlay.
func (self *_RegisterPositionsWithExtraBlocked) setBlockedTemporarily(register int) {
    self.extra[register] = true
}

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
    `github.com/dexkit/dexc/internal/ir`
)

// _Mode is one rung of the retry ladder. Each rung decides which use
// limits still count as a constraint: in 4-bit mode nothing does (all
// registers already fit), in the 8-bit modes only 4-bit uses do, and in
// 16-bit mode every limited use does.
type _Mode uint8

const (
    _M_reuse4bit _Mode = iota
    _M_8bit
    _M_8bitRefinement
    _M_8bitRetry
    _M_16bit
)

func (self _Mode) String() string {
    switch self {
        case _M_reuse4bit      : return "allow-argument-reuse-4bit"
        case _M_8bit           : return "8bit"
        case _M_8bitRefinement : return "8bit-refinement"
        case _M_8bitRetry      : return "8bit-retry"
        case _M_16bit          : return "16bit"
        default                : return "invalid"
    }
}

func (self _Mode) is4Bit() bool {
    return self == _M_reuse4bit
}

func (self _Mode) is8Bit() bool {
    return self == _M_8bit || self == _M_8bitRefinement || self == _M_8bitRetry
}

func (self _Mode) is8BitRefinement() bool {
    return self == _M_8bitRefinement
}

func (self _Mode) is16Bit() bool {
    return self == _M_16bit
}

func (self _Mode) hasUseConstraint(limit int) bool {
    switch self {
        case _M_reuse4bit                            : return false
        case _M_8bit, _M_8bitRefinement, _M_8bitRetry : return limit == ir.U4BitMax
        case _M_16bit                                : return limit != ir.U16BitMax
        default                                      : panic("regalloc: invalid mode")
    }
}

func (self _Mode) hasRegisterConstraint(intervals *LiveIntervals) bool {
    return self.hasUseConstraint(intervals.GetRegisterLimit())
}

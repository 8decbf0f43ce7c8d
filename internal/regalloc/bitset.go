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

type _BitSet struct {
    bits []uint64
}

func newBitSet(n int) *_BitSet {
    return &_BitSet {
        bits: make([]uint64, (n + 63) / 64),
    }
}

func (self *_BitSet) add(i int) {
    self.bits[i / 64] |= 1 << (uint(i) % 64)
}

func (self *_BitSet) contains(i int) bool {
    if i / 64 >= len(self.bits) {
        return false
    }
    return self.bits[i / 64] & (1 << (uint(i) % 64)) != 0
}

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

package opts

import (
	"os"
	"strconv"
)

const (
	_DefaultMinSDK = 19 // KitKat, all workarounds on
)

var (
	MinSDK        = parseOrDefault("DEXC_MIN_SDK", _DefaultMinSDK, 1)
	Debug         = parseBool("DEXC_DEBUG")
	DumpAllocator = parseBool("DEXC_DUMP_REGALLOC")
)

func parseOrDefault(key string, def int, min int) int {
	if env := os.Getenv(key); env == "" {
		return def
	} else if val, err := strconv.ParseUint(env, 0, 64); err != nil {
		panic("dexc: invalid value for " + key)
	} else if ret := int(val); ret < min {
		panic("dexc: value too small for " + key)
	} else {
		return ret
	}
}

func parseBool(key string) bool {
	switch os.Getenv(key) {
	case "", "0", "false", "no":
		return false
	default:
		return true
	}
}

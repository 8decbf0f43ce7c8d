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

// Android API levels at which the interpreter and JIT bugs the register
// allocator works around were fixed.
const (
	MinSDKNoDalvikJitBugs   = 21 // Lollipop, first ART-only release
	MinSDKNoThisPinningBugs = 23 // Marshmallow
	MinSDKNoArrayGetWideBug = 28 // Pie, fixed arm32 aget-wide (b/68761724)
)

// Testing holds knobs that only tests flip.
type Testing struct {
	AlwaysUsePessimisticRegisterAllocation            bool
	EnableRegisterAllocation8BitRefinement            bool
	EnableRegisterHintsForBlockedRegisters            bool
	EnableUseLastLocalRegisterAsMoveExceptionRegister bool
}

// Options is the immutable compiler configuration consulted by the
// register allocator. Carry it by pointer; never mutate it mid-run.
type Options struct {
	MinSDK        int
	Debug         bool
	DumpAllocator bool
	Testing       Testing
}

func (self *Options) CanHaveOverlappingLongRegisterBug() bool {
	return self.MinSDK < MinSDKNoDalvikJitBugs
}

func (self *Options) CanHaveCmpLongBug() bool {
	return self.MinSDK < MinSDKNoThisPinningBugs
}

func (self *Options) CanHaveLongToIntBug() bool {
	return self.MinSDK < MinSDKNoThisPinningBugs
}

func (self *Options) CanUseSameArrayAndResultRegisterInArrayGetWide() bool {
	return self.MinSDK >= MinSDKNoArrayGetWideBug
}

func (self *Options) CanHaveThisTypeVerifierBug() bool {
	return self.MinSDK < MinSDKNoThisPinningBugs
}

func (self *Options) CanHaveThisJitCodeDebuggingBug() bool {
	return self.MinSDK < MinSDKNoThisPinningBugs
}

func GetDefaultOptions() Options {
	return Options{
		MinSDK:        MinSDK,
		Debug:         Debug,
		DumpAllocator: DumpAllocator,
		Testing: Testing{
			EnableRegisterAllocation8BitRefinement: true,
			EnableRegisterHintsForBlockedRegisters: true,
		},
	}
}

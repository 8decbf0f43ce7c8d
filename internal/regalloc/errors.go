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

    `golang.org/x/xerrors`
)

// CompilationError is a failure attributed to the method being
// compiled. Internal allocator bugs panic instead.
type CompilationError struct {
    Method string
    Reason string
    frame  xerrors.Frame
}

func compilationErrorf(method string, format string, args ...interface{}) error {
    return &CompilationError {
        Method : method,
        Reason : fmt.Sprintf(format, args...),
        frame  : xerrors.Caller(1),
    }
}

func (self *CompilationError) Error() string {
    return fmt.Sprintf("regalloc: %s in method `%s`", self.Reason, self.Method)
}

func (self *CompilationError) Format(f fmt.State, c rune) {
    xerrors.FormatError(self, f, c)
}

func (self *CompilationError) FormatError(p xerrors.Printer) error {
    p.Print(self.Error())
    if p.Detail() {
        self.frame.Format(p)
    }
    return nil
}

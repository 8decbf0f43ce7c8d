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
	"os"

	"github.com/dexkit/dexc/internal/opts"
	"github.com/dexkit/dexc/internal/regalloc"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var (
	flagMinSDK int
	flagDebug  bool
	flagDump   bool
)

func main() {
	root := &cobra.Command{
		Use:     "dexra",
		Short:   "dexra runs the DEX register allocator on a YAML method description",
		Version: version,
	}
	allocate := &cobra.Command{
		Use:   "allocate <method.yaml>",
		Short: "Allocate registers and print the assignment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAllocate(args[0])
		},
	}
	allocate.Flags().IntVar(&flagMinSDK, "min-sdk", opts.MinSDK, "target Android API level")
	allocate.Flags().BoolVar(&flagDebug, "debug", false, "compile in debug mode, keeping locals alive")
	allocate.Flags().BoolVar(&flagDump, "dump", false, "dump allocator state after every mode")
	root.AddCommand(allocate)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runAllocate(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	code, err := loadMethod(buf)
	if err != nil {
		return err
	}

	options := opts.GetDefaultOptions()
	options.MinSDK = flagMinSDK
	options.Debug = flagDebug
	options.DumpAllocator = flagDump

	allocator := regalloc.NewAllocator(code, &options)
	if err := allocator.AllocateRegisters(); err != nil {
		return err
	}

	fmt.Printf("method %s: %d registers\n", code.Method, allocator.RegistersUsed())
	for _, block := range code.Blocks {
		fmt.Printf("bb_%d:\n", block.Id)
		for _, ins := range block.Instrs {
			fmt.Printf("    %s", ins)
			if ins.Out != nil && ins.Out.NeedsRegister() {
				register, err := allocator.GetRegisterForValue(ins.Out, ins.Number)
				if err != nil {
					return err
				}
				fmt.Printf("    # %s -> r%d", ins.Out, register)
			}
			fmt.Println()
		}
	}
	return nil
}

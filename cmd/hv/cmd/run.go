/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/tinyguest/hypervisor"
)

var (
	runMaxMemory uint64
	runTimeoutMs uint32
	runVerbose   bool
	runFunc      string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Uint64VarP(&runMaxMemory, "mem", "m", 64<<20, "guest physical memory size, bytes")
	runCmd.Flags().Uint32VarP(&runTimeoutMs, "timeout", "t", 0, "wall-clock timeout in milliseconds (0 = none)")
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "log loader segment decisions")
	runCmd.Flags().StringVarP(&runFunc, "call", "c", "", "after Run, call this symbol via TimedVmcall, with any remaining args as integer arguments")
}

var runCmd = &cobra.Command{
	Use:   "run [binary] [args...]",
	Short: "Load a statically-linked ELF binary and run it under KVM",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if ok, err := hypervisor.Supported(); err != nil || !ok {
			return fmt.Errorf("kvm not supported: %v", err)
		}

		binary, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read binary: %w", err)
		}

		m, err := hypervisor.NewMachine(binary, hypervisor.MachineOptions{
			MaxMemory:     runMaxMemory,
			VerboseLoader: runVerbose,
		})
		if err != nil {
			return fmt.Errorf("new machine: %w", err)
		}
		defer m.Close()

		if err := m.MigrateToThisThread(); err != nil {
			return fmt.Errorf("migrate to this thread: %w", err)
		}

		if err := m.Run(runTimeoutMs); err != nil {
			return fmt.Errorf("run: %w", err)
		}

		if runFunc == "" {
			ret, err := m.ReturnValue()
			if err != nil {
				return fmt.Errorf("return value: %w", err)
			}
			fmt.Printf("exit: %d\n", ret)
			return nil
		}

		addr, err := m.AddressOf(runFunc)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", runFunc, err)
		}
		var callArgs []uint64
		for _, a := range args[1:] {
			v, err := strconv.ParseUint(a, 0, 64)
			if err != nil {
				return fmt.Errorf("parse argument %q: %w", a, err)
			}
			callArgs = append(callArgs, v)
		}
		ret, err := m.TimedVmcall(addr, runTimeoutMs, callArgs...)
		if err != nil {
			return fmt.Errorf("vmcall %s: %w", runFunc, err)
		}
		fmt.Printf("%s(%v) = %d\n", runFunc, callArgs, ret)
		return nil
	},
}

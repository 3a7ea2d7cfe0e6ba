// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ring0

import "fmt"

// Vector is an exception vector.
type Vector uintptr

// Exception vectors raised by the simulated MMU.
const (
	NoException Vector = iota

	// El1SyncDa is a data abort taken from EL1.
	El1SyncDa

	// El1SyncIa is an instruction abort taken from EL1.
	El1SyncIa

	// El0SyncDa is a data abort taken from EL0.
	El0SyncDa

	// El0SyncIa is an instruction abort taken from EL0.
	El0SyncIa
)

// PageFault is the vector the page fault handler is installed on.
const PageFault = El0SyncDa

func (v Vector) String() string {
	switch v {
	case NoException:
		return "none"
	case El1SyncDa:
		return "el1_da"
	case El1SyncIa:
		return "el1_ia"
	case El0SyncDa:
		return "el0_da"
	case El0SyncIa:
		return "el0_ia"
	default:
		return fmt.Sprintf("Vector(%d)", uintptr(v))
	}
}

// ExceptionLevel is the privilege level an access is made from.
type ExceptionLevel int

// Exception levels.
const (
	EL0 ExceptionLevel = iota
	EL1
)

// Syndrome fields, laid out as in ESR_EL1.
const (
	esrECShift = 26

	// Exception classes.
	ecInstructionAbortLower = 0x20
	ecInstructionAbortSame  = 0x21
	ecDataAbortLower        = 0x24
	ecDataAbortSame         = 0x25

	// esrWnR is set for faulting writes.
	esrWnR = 1 << 6

	// Fault status codes. The low two bits hold the level.
	FaultTranslation = 0x04
	FaultAccessFlag  = 0x08
	FaultPermission  = 0x0c
	faultStatusMask  = 0x3f
)

// CPUArchState contains CPU-specific arch state.
type CPUArchState struct {
	// ttbr0 is the value of ttbr0_el1, the root of the user tree.
	ttbr0 uintptr

	// ttbr1 is the value of ttbr1_el1, the root of the kernel tree.
	ttbr1 uintptr

	// errorCode is the syndrome of the last exception.
	errorCode uintptr

	// errorType indicates the type of error code here, it is always set
	// along with the errorCode value above.
	//
	// It will either by 1, which indicates a user error, or 0 indicating a
	// kernel error.
	errorType uintptr

	// faultAddr is the value of far_el1.
	faultAddr uintptr

	// vecCode is the last exception vector.
	vecCode Vector
}

// ErrorCode returns the last error code.
//
// The returned boolean indicates whether the error code corresponds to the
// last user error or not. If it does not, then fault information must be
// ignored. This is generally the result of a kernel fault while servicing a
// user fault.
//
//go:nosplit
func (c *CPU) ErrorCode() (value uintptr, user bool) {
	return c.errorCode, c.errorType != 0
}

// ClearErrorCode resets the error code.
//
//go:nosplit
func (c *CPU) ClearErrorCode() {
	c.errorCode = 0 // No code.
	c.errorType = 1 // User mode.
	c.faultAddr = 0
	c.vecCode = NoException
}

// FaultAddr returns the address of the last fault.
//
//go:nosplit
func (c *CPU) FaultAddr() uintptr {
	return c.faultAddr
}

// Vector returns the vector of the last exception.
//
//go:nosplit
func (c *CPU) Vector() Vector {
	return c.vecCode
}

// FaultStatus extracts the fault status code and level from a syndrome.
func FaultStatus(errorCode uintptr) (status uintptr, level int) {
	fsc := errorCode & faultStatusMask
	return fsc &^ 3, int(fsc & 3)
}

// IsWrite returns true if the syndrome describes a faulting write.
func IsWrite(errorCode uintptr) bool {
	return errorCode&esrWnR != 0
}

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

// Package kerr contains canonical kernel errors for the memory management
// core. Callers wrap these with fmt.Errorf("...: %w") and classify them with
// errors.Is or Equals.
package kerr

import (
	goerrors "errors"

	"labkernel.dev/labkernel/pkg/abi/errno"
	"labkernel.dev/labkernel/pkg/errors"
)

// The following errors are semantically identical to the errno of the same
// name.
var (
	NOERROR = errors.New(errno.NOERRNO, "not an error")
	EFAULT  = errors.New(errno.EFAULT, "bad address")
	EEXIST  = errors.New(errno.EEXIST, "file exists")
	EINVAL  = errors.New(errno.EINVAL, "invalid argument")

	// ENOMEM is returned when the buddy allocator has no free block of the
	// requested order or larger. It is an expected outcome; callers may
	// retry with a smaller order.
	ENOMEM = errors.New(errno.ENOMEM, "cannot allocate memory")
)

// Errors specific to the translation tree and the allocator.
var (
	// ENOMAPPING is returned when a walk reaches an invalid entry and may
	// not create tables. Page fault handling treats it as "not yet mapped".
	ENOMAPPING = errors.New(errno.ENOMAPPING, "no mapping")

	// EBLOCKMAPPING is returned when a walk at a finer granularity finds a
	// block leaf at an intermediate level.
	EBLOCKMAPPING = errors.New(errno.EBLOCKMAPPING, "blocked by coarser mapping")

	// EINVARIANT is returned when an allocator or layout invariant does not
	// hold. It is never retryable.
	EINVARIANT = errors.New(errno.EINVARIANT, "invariant violation")
)

var errnoMap = map[errno.Errno]*errors.Error{
	errno.NOERRNO:       NOERROR,
	errno.EFAULT:        EFAULT,
	errno.EEXIST:        EEXIST,
	errno.EINVAL:        EINVAL,
	errno.ENOMEM:        ENOMEM,
	errno.ENOMAPPING:    ENOMAPPING,
	errno.EBLOCKMAPPING: EBLOCKMAPPING,
	errno.EINVARIANT:    EINVARIANT,
}

// ErrorFromErrno returns the canonical error for the given errno, or nil if
// the errno is not known.
func ErrorFromErrno(e errno.Errno) *errors.Error {
	return errnoMap[e]
}

// Equals compares an *errors.Error to a generic error, unwrapping err as
// necessary.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil || e == NOERROR
	}
	if e == nil {
		return false
	}
	return goerrors.Is(err, e)
}

// ToErrno returns the errno carried by err, or 0 if err does not wrap an
// *errors.Error.
func ToErrno(err error) errno.Errno {
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno()
	}
	return errno.NOERRNO
}

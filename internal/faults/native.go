package faults

import (
	"fmt"
	"time"
)

// NativeFault is the closed set of faults the native boundary can raise.
// Only types declared in this package implement it.
type NativeFault interface {
	error
	Kind() Kind
	nativeFault()
}

// PermissionFault is raised when the user or the OS denied camera access.
type PermissionFault struct {
	Resource string
}

func (f PermissionFault) Error() string { return fmt.Sprintf("%s permission denied", f.Resource) }
func (PermissionFault) Kind() Kind      { return KindPermissionDenied }
func (PermissionFault) nativeFault()    {}

// HardwareFault covers camera device failures. Unavailable marks a device
// that is absent or held by another process rather than one that broke.
type HardwareFault struct {
	Detail      string
	Unavailable bool
}

func (f HardwareFault) Error() string {
	if f.Unavailable {
		return "capture device unavailable: " + f.Detail
	}
	return "capture device error: " + f.Detail
}

func (f HardwareFault) Kind() Kind {
	if f.Unavailable {
		return KindHardwareUnavailable
	}
	return KindHardwareError
}

func (HardwareFault) nativeFault() {}

// DetectorFault is raised when the face detector could not be started.
type DetectorFault struct {
	Detail string
}

func (f DetectorFault) Error() string { return "detector unavailable: " + f.Detail }
func (DetectorFault) Kind() Kind      { return KindInitializationFailed }
func (DetectorFault) nativeFault()    {}

// TimeoutFault is raised when a native operation did not finish in time.
type TimeoutFault struct {
	Operation string
	After     time.Duration
}

func (f TimeoutFault) Error() string {
	return fmt.Sprintf("%s timed out after %s", f.Operation, f.After)
}
func (TimeoutFault) Kind() Kind   { return KindTimeoutError }
func (TimeoutFault) nativeFault() {}

// MemoryFault is raised when the native layer could not allocate a frame.
type MemoryFault struct {
	Detail string
}

func (f MemoryFault) Error() string { return "out of memory: " + f.Detail }
func (MemoryFault) Kind() Kind      { return KindMemoryError }
func (MemoryFault) nativeFault()    {}

// FaceFault reports a detection-level problem with the observed face.
type FaceFault struct {
	Reason Kind
	Detail string
}

func (f FaceFault) Error() string {
	if f.Detail == "" {
		return string(f.Reason)
	}
	return string(f.Reason) + ": " + f.Detail
}

func (f FaceFault) Kind() Kind {
	if _, ok := profiles[f.Reason]; !ok {
		return KindProcessingError
	}
	return f.Reason
}

func (FaceFault) nativeFault() {}

// CodedFault carries an explicit fault code from a detector adapter whose
// code set is wider than the typed faults above. Unknown codes classify as
// unknown_error.
type CodedFault struct {
	Code   string
	Detail string
}

func (f CodedFault) Error() string { return f.Code + ": " + f.Detail }

func (f CodedFault) Kind() Kind {
	if k, ok := ParseKind(f.Code); ok {
		return k
	}
	return KindUnknownError
}

func (CodedFault) nativeFault() {}

//go:build windows && (amd64 || arm64)

package platform

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/go-ole/go-ole"
	"golang.org/x/sys/windows"
)

// COM vtable calling for the WASAPI interfaces, which go-ole has no
// dispatch wrappers for.

// HRESULT codes the backend maps onto package errors.
const (
	hrENotFound             = 0x80070490 // HRESULT_FROM_WIN32(ERROR_NOT_FOUND)
	hrAudclntEDeviceInvalid = 0x88890004 // AUDCLNT_E_DEVICE_INVALIDATED
	hrAudclntEServiceNotRun = 0x88890010 // AUDCLNT_E_SERVICE_NOT_RUNNING
	hrAudclntSBufferEmpty   = 0x08890001 // AUDCLNT_S_BUFFER_EMPTY
)

// comCall invokes a COM vtable method at the given index.
// obj is a pointer to a COM interface (pointer to pointer to vtable).
func comCall(obj uintptr, vtableIdx int, args ...uintptr) (uintptr, error) {
	vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
	fnPtr := *(*uintptr)(unsafe.Pointer(vtablePtr + uintptr(vtableIdx)*unsafe.Sizeof(uintptr(0))))
	allArgs := make([]uintptr, 0, 1+len(args))
	allArgs = append(allArgs, obj)
	allArgs = append(allArgs, args...)
	ret, _, _ := syscall.SyscallN(fnPtr, allArgs...)
	if int32(ret) < 0 {
		return ret, hresultError(ret)
	}
	return ret, nil
}

// comRelease calls IUnknown::Release (vtable index 2).
func comRelease(obj uintptr) {
	if obj != 0 {
		vtablePtr := *(*uintptr)(unsafe.Pointer(obj))
		fnPtr := *(*uintptr)(unsafe.Pointer(vtablePtr + 2*unsafe.Sizeof(uintptr(0))))
		syscall.SyscallN(fnPtr, obj)
	}
}

// hresultError wraps a failing HRESULT in an *ole.OleError and tags the
// codes callers need to tell apart.
func hresultError(hr uintptr) error {
	oleErr := ole.NewError(hr)
	switch uint32(hr) {
	case hrENotFound:
		return fmt.Errorf("%w: %w", ErrNotFound, oleErr)
	case hrAudclntEDeviceInvalid, hrAudclntEServiceNotRun:
		return fmt.Errorf("%w: %w", ErrDeviceInvalidated, oleErr)
	}
	return fmt.Errorf("HRESULT 0x%08X: %w", uint32(hr), oleErr)
}

// --- DLL procs ---

var (
	kernel32DLL = windows.NewLazySystemDLL("kernel32.dll")

	procQueryPerformanceCounter   = kernel32DLL.NewProc("QueryPerformanceCounter")
	procQueryPerformanceFrequency = kernel32DLL.NewProc("QueryPerformanceFrequency")
)

func queryPerformanceCounter() int64 {
	var v int64
	procQueryPerformanceCounter.Call(uintptr(unsafe.Pointer(&v)))
	return v
}

func queryPerformanceFrequency() int64 {
	var v int64
	procQueryPerformanceFrequency.Call(uintptr(unsafe.Pointer(&v)))
	return v
}

package cuda

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

// result is a CUresult status code.
type result int32

const (
	success                 result = 0
	errorInvalidValue       result = 1
	errorOutOfMemory        result = 2
	errorNotInitialized     result = 3
	errorNoDevice           result = 100
	errorInvalidDevice      result = 101
	errorInvalidContext     result = 201
	errorAlreadyAcquired    result = 210
	errorInvalidPTX         result = 218
	errorInvalidHandle      result = 400
	errorNotFound           result = 500
	errorNotReady           result = 600
	errorLaunchOutOfRes     result = 701
	errorLaunchFailed       result = 719
	errorIllegalAddress     result = 700
	errorContextIsDestroyed result = 709
)

const (
	attrMaxThreadsPerBlock   = 1
	attrMultiprocessorCount  = 16
	attrComputeCapabilityMaj = 75
	attrComputeCapabilityMin = 76

	funcAttrMaxThreadsPerBlock     = 0
	funcAttrMaxDynamicSharedMemory = 8

	streamNonBlocking   = 1
	eventDisableTiming  = 2
	memHostAllocDefault = 0
)

var (
	libOnce sync.Once
	libErr  error

	cuInit                     func(flags uint32) result
	cuGetErrorName             func(r result, name **byte) result
	cuDeviceGetCount           func(count *int32) result
	cuDeviceGet                func(dev *int32, ordinal int32) result
	cuDeviceGetName            func(name *byte, length int32, dev int32) result
	cuDeviceGetAttribute       func(value *int32, attrib int32, dev int32) result
	cuDeviceTotalMem           func(bytes *uint64, dev int32) result
	cuDevicePrimaryCtxRetain   func(ctx *uintptr, dev int32) result
	cuDevicePrimaryCtxRelease  func(dev int32) result
	cuCtxSetCurrent            func(ctx uintptr) result
	cuMemAlloc                 func(dptr *uint64, size uint64) result
	cuMemFree                  func(dptr uint64) result
	cuMemAllocHost             func(ptr *unsafe.Pointer, size uint64) result
	cuMemFreeHost              func(ptr unsafe.Pointer) result
	cuMemcpyHtoD               func(dst uint64, src unsafe.Pointer, size uint64) result
	cuMemcpyDtoH               func(dst unsafe.Pointer, src uint64, size uint64) result
	cuMemcpyDtoD               func(dst, src uint64, size uint64) result
	cuMemcpyHtoDAsync          func(dst uint64, src unsafe.Pointer, size uint64, stream uintptr) result
	cuMemcpyDtoHAsync          func(dst unsafe.Pointer, src uint64, size uint64, stream uintptr) result
	cuMemsetD8                 func(dst uint64, value byte, n uint64) result
	cuStreamCreate             func(stream *uintptr, flags uint32) result
	cuStreamSynchronize        func(stream uintptr) result
	cuStreamWaitEvent          func(stream, event uintptr, flags uint32) result
	cuStreamDestroy            func(stream uintptr) result
	cuEventCreate              func(event *uintptr, flags uint32) result
	cuEventRecord              func(event, stream uintptr) result
	cuEventQuery               func(event uintptr) result
	cuEventSynchronize         func(event uintptr) result
	cuEventDestroy             func(event uintptr) result
	cuModuleLoadData           func(mod *uintptr, image unsafe.Pointer) result
	cuModuleGetFunction        func(fn *uintptr, mod uintptr, name *byte) result
	cuModuleUnload             func(mod uintptr) result
	cuFuncGetAttribute         func(value *int32, attrib int32, fn uintptr) result
	cuFuncSetAttribute         func(fn uintptr, attrib int32, value int32) result
	cuLaunchKernel             func(fn uintptr, gx, gy, gz, bx, by, bz, sharedMem uint32, stream uintptr, params, extra unsafe.Pointer) result
)

// loadLibrary opens libcuda and resolves every driver entry point once.
func loadLibrary() error {
	libOnce.Do(func() {
		var lib uintptr
		lib, libErr = purego.Dlopen("libcuda.so.1", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
		if libErr != nil {
			lib, libErr = purego.Dlopen("libcuda.so", purego.RTLD_LAZY|purego.RTLD_GLOBAL)
			if libErr != nil {
				libErr = fmt.Errorf("load libcuda: %w", libErr)
				return
			}
		}

		purego.RegisterLibFunc(&cuInit, lib, "cuInit")
		purego.RegisterLibFunc(&cuGetErrorName, lib, "cuGetErrorName")
		purego.RegisterLibFunc(&cuDeviceGetCount, lib, "cuDeviceGetCount")
		purego.RegisterLibFunc(&cuDeviceGet, lib, "cuDeviceGet")
		purego.RegisterLibFunc(&cuDeviceGetName, lib, "cuDeviceGetName")
		purego.RegisterLibFunc(&cuDeviceGetAttribute, lib, "cuDeviceGetAttribute")
		purego.RegisterLibFunc(&cuDeviceTotalMem, lib, "cuDeviceTotalMem_v2")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRetain, lib, "cuDevicePrimaryCtxRetain")
		purego.RegisterLibFunc(&cuDevicePrimaryCtxRelease, lib, "cuDevicePrimaryCtxRelease_v2")
		purego.RegisterLibFunc(&cuCtxSetCurrent, lib, "cuCtxSetCurrent")
		purego.RegisterLibFunc(&cuMemAlloc, lib, "cuMemAlloc_v2")
		purego.RegisterLibFunc(&cuMemFree, lib, "cuMemFree_v2")
		purego.RegisterLibFunc(&cuMemAllocHost, lib, "cuMemAllocHost_v2")
		purego.RegisterLibFunc(&cuMemFreeHost, lib, "cuMemFreeHost")
		purego.RegisterLibFunc(&cuMemcpyHtoD, lib, "cuMemcpyHtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoH, lib, "cuMemcpyDtoH_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoD, lib, "cuMemcpyDtoD_v2")
		purego.RegisterLibFunc(&cuMemcpyHtoDAsync, lib, "cuMemcpyHtoDAsync_v2")
		purego.RegisterLibFunc(&cuMemcpyDtoHAsync, lib, "cuMemcpyDtoHAsync_v2")
		purego.RegisterLibFunc(&cuMemsetD8, lib, "cuMemsetD8_v2")
		purego.RegisterLibFunc(&cuStreamCreate, lib, "cuStreamCreate")
		purego.RegisterLibFunc(&cuStreamSynchronize, lib, "cuStreamSynchronize")
		purego.RegisterLibFunc(&cuStreamWaitEvent, lib, "cuStreamWaitEvent")
		purego.RegisterLibFunc(&cuStreamDestroy, lib, "cuStreamDestroy_v2")
		purego.RegisterLibFunc(&cuEventCreate, lib, "cuEventCreate")
		purego.RegisterLibFunc(&cuEventRecord, lib, "cuEventRecord")
		purego.RegisterLibFunc(&cuEventQuery, lib, "cuEventQuery")
		purego.RegisterLibFunc(&cuEventSynchronize, lib, "cuEventSynchronize")
		purego.RegisterLibFunc(&cuEventDestroy, lib, "cuEventDestroy_v2")
		purego.RegisterLibFunc(&cuModuleLoadData, lib, "cuModuleLoadData")
		purego.RegisterLibFunc(&cuModuleGetFunction, lib, "cuModuleGetFunction")
		purego.RegisterLibFunc(&cuModuleUnload, lib, "cuModuleUnload")
		purego.RegisterLibFunc(&cuFuncGetAttribute, lib, "cuFuncGetAttribute")
		purego.RegisterLibFunc(&cuFuncSetAttribute, lib, "cuFuncSetAttribute")
		purego.RegisterLibFunc(&cuLaunchKernel, lib, "cuLaunchKernel")

		if r := cuInit(0); r != success {
			libErr = check("cuInit", r)
		}
	})
	return libErr
}

// cString copies a NUL-terminated C string.
func cString(p *byte) string {
	if p == nil {
		return ""
	}
	var n uintptr
	for *(*byte)(unsafe.Add(unsafe.Pointer(p), n)) != 0 {
		n++
	}
	return string(unsafe.Slice(p, n))
}

func nulTerminated(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

package safety

import (
	"fmt"
	"unsafe"
)

// Bytes views *v as raw bytes. T should pass CheckDeviceCopy; the view
// aliases v.
func Bytes[T any](v *T) []byte {
	size := unsafe.Sizeof(*v)
	if size == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), size)
}

// SliceBytes views a slice of T as raw bytes.
func SliceBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return []byte{}
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), uintptr(len(s))*unsafe.Sizeof(zero))
}

// FromBytes bit-copies b into a T. b must be exactly the size of T.
func FromBytes[T any](b []byte) (T, error) {
	var v T
	if uintptr(len(b)) != unsafe.Sizeof(v) {
		return v, fmt.Errorf("have %d bytes, %T needs %d", len(b), v, unsafe.Sizeof(v))
	}
	copy(Bytes(&v), b)
	return v, nil
}

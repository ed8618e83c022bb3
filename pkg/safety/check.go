// Package safety decides which Go values may be bit-copied to the device
// and describes their memory layout so host and PTX signatures can be
// compared.
package safety

import (
	"errors"
	"fmt"
	"reflect"
)

// ErrNotDeviceCopy is returned for types that cannot be bit-copied to the
// device.
var ErrNotDeviceCopy = errors.New("type is not device-copyable")

// CheckDeviceCopy reports whether t is stack-only with portable bit
// semantics: no pointers, slices, maps, strings, interfaces, channels,
// funcs or unsafe pointers anywhere in it, and no platform-width integers.
func CheckDeviceCopy(t reflect.Type) error {
	if t == nil {
		return fmt.Errorf("%w: nil type", ErrNotDeviceCopy)
	}
	return checkType(t, t.String())
}

// Check is CheckDeviceCopy for a type parameter.
func Check[T any]() error {
	return CheckDeviceCopy(reflect.TypeFor[T]())
}

func checkType(t reflect.Type, path string) error {
	switch t.Kind() {
	case reflect.Bool,
		reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.Complex64, reflect.Complex128:
		return nil
	case reflect.Int, reflect.Uint, reflect.Uintptr:
		return fmt.Errorf("%w: %s is %s, whose width depends on the platform", ErrNotDeviceCopy, path, t.Kind())
	case reflect.Array:
		return checkType(t.Elem(), path+"[]")
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if err := checkType(f.Type, path+"."+f.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %s is a %s", ErrNotDeviceCopy, path, t.Kind())
	}
}

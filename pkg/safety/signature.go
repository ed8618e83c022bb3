package safety

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
)

// ErrSignatureMismatch is returned when a kernel's PTX declares a parameter
// layout that differs from the host parameter.
var ErrSignatureMismatch = errors.New("kernel signature mismatch")

var markerRegexp = regexp.MustCompile(`// <cudalend-type-layout-(\d+)-([0-9a-f]{16})> //`)

// Marker is the PTX comment that declares the layout of parameter index.
func Marker(index int, l Layout) string {
	return fmt.Sprintf("// <cudalend-type-layout-%d-%016x> //", index, l.Hash())
}

// Signature maps a parameter index to its declared layout hash.
type Signature map[int]uint64

// ParseSignature returns the layout hash declared for each parameter index.
// PTX without markers yields an empty map.
func ParseSignature(ptx []byte) (Signature, error) {
	sig := make(Signature)
	for _, m := range markerRegexp.FindAllSubmatch(ptx, -1) {
		idx, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, fmt.Errorf("parse layout marker index %q: %w", m[1], err)
		}
		hash, err := strconv.ParseUint(string(m[2]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse layout marker hash %q: %w", m[2], err)
		}
		if prev, ok := sig[idx]; ok && prev != hash {
			return nil, fmt.Errorf("%w: parameter %d declared as both %016x and %016x", ErrSignatureMismatch, idx, prev, hash)
		}
		sig[idx] = hash
	}
	return sig, nil
}

// CheckSignature compares the host parameter layouts with the markers in
// ptx. Parameters without a marker are not checked; a marker for a
// parameter the host does not pass is a mismatch.
func CheckSignature(ptx []byte, params []Layout) error {
	sig, err := ParseSignature(ptx)
	if err != nil {
		return err
	}
	return sig.Check(params)
}

// Check compares params with the declared layouts.
func (sig Signature) Check(params []Layout) error {
	indices := make([]int, 0, len(sig))
	for idx := range sig {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		if idx >= len(params) {
			return fmt.Errorf("%w: PTX declares parameter %d, host passes %d", ErrSignatureMismatch, idx, len(params))
		}
		if got := params[idx].Hash(); got != sig[idx] {
			return fmt.Errorf("%w: parameter %d is %s on the host, PTX expects %016x", ErrSignatureMismatch, idx, params[idx], sig[idx])
		}
	}
	return nil
}

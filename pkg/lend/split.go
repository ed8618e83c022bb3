package lend

import (
	"github.com/samcharles93/cudalend/pkg/alloc"
	"github.com/samcharles93/cudalend/pkg/device"
)

// SplitRepr is a slice representation shared out over the threads of a
// launch: thread i owns elements [i*Stride, min(Len, i*Stride+Stride)).
// No two threads own the same element, so each may write its chunk.
type SplitRepr struct {
	Data   device.Ptr
	Len    uint64
	Stride uint64
}

// Chunk returns the element range owned by the thread with linear index i.
// The range is empty for threads past the end of the slice.
func (r SplitRepr) Chunk(i uint64) (lo, hi uint64) {
	lo = min(r.Len, i*r.Stride)
	hi = min(r.Len, lo+r.Stride)
	return lo, hi
}

func split(r SliceRepr, stride uint64) SplitRepr {
	return SplitRepr{Data: r.Data, Len: r.Len, Stride: stride}
}

// SplitConstStride lends Inner split into chunks of a stride fixed when it
// is created. The allocation chain is Inner's own.
type SplitConstStride[L Lendable[SliceRepr]] struct {
	Inner  L
	stride uint64
}

// SplitConst wraps inner with a fixed stride.
func SplitConst[L Lendable[SliceRepr]](inner L, stride uint64) *SplitConstStride[L] {
	return &SplitConstStride[L]{Inner: inner, stride: stride}
}

// Stride is the number of elements per thread.
func (s *SplitConstStride[L]) Stride() uint64 { return s.stride }

func (s *SplitConstStride[L]) Borrow(drv device.Driver, a alloc.Alloc) (SplitRepr, alloc.Alloc, error) {
	r, chain, err := s.Inner.Borrow(drv, a)
	return split(r, s.stride), chain, err
}

func (s *SplitConstStride[L]) Restore(drv device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	return s.Inner.Restore(drv, a)
}

func (s *SplitConstStride[L]) BorrowAsync(drv device.Driver, st device.Stream, a alloc.Alloc) (SplitRepr, alloc.Alloc, error) {
	r, chain, err := borrowInnerAsync[SliceRepr](drv, st, s.Inner, a)
	return split(r, s.stride), chain, err
}

func (s *SplitConstStride[L]) RestoreAsync(drv device.Driver, st device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	return restoreInnerAsync[SliceRepr](drv, st, s.Inner, a)
}

// SplitDynamicStride is SplitConstStride with a stride that may change
// between lends.
type SplitDynamicStride[L Lendable[SliceRepr]] struct {
	Inner  L
	Stride uint64
}

// SplitDynamic wraps inner with an initial stride.
func SplitDynamic[L Lendable[SliceRepr]](inner L, stride uint64) *SplitDynamicStride[L] {
	return &SplitDynamicStride[L]{Inner: inner, Stride: stride}
}

func (s *SplitDynamicStride[L]) Borrow(drv device.Driver, a alloc.Alloc) (SplitRepr, alloc.Alloc, error) {
	r, chain, err := s.Inner.Borrow(drv, a)
	return split(r, s.Stride), chain, err
}

func (s *SplitDynamicStride[L]) Restore(drv device.Driver, a alloc.Alloc) (alloc.Alloc, error) {
	return s.Inner.Restore(drv, a)
}

func (s *SplitDynamicStride[L]) BorrowAsync(drv device.Driver, st device.Stream, a alloc.Alloc) (SplitRepr, alloc.Alloc, error) {
	r, chain, err := borrowInnerAsync[SliceRepr](drv, st, s.Inner, a)
	return split(r, s.Stride), chain, err
}

func (s *SplitDynamicStride[L]) RestoreAsync(drv device.Driver, st device.Stream, a alloc.Alloc) (alloc.Alloc, error) {
	return restoreInnerAsync[SliceRepr](drv, st, s.Inner, a)
}

// borrowInnerAsync borrows inner on st when it supports that and
// synchronously otherwise.
func borrowInnerAsync[R any](drv device.Driver, st device.Stream, inner Lendable[R], a alloc.Alloc) (R, alloc.Alloc, error) {
	if av, ok := inner.(AsyncLendable[R]); ok {
		return av.BorrowAsync(drv, st, a)
	}
	return inner.Borrow(drv, a)
}

func restoreInnerAsync[R any](drv device.Driver, st device.Stream, inner Lendable[R], a alloc.Alloc) (alloc.Alloc, error) {
	if av, ok := inner.(AsyncLendable[R]); ok {
		return av.RestoreAsync(drv, st, a)
	}
	return inner.Restore(drv, a)
}

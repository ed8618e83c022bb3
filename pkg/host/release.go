package host

import (
	"errors"
	"sync/atomic"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/alloc"
)

// ErrReleased is returned when a scoped reference or allocation is used
// after its scope ended.
var ErrReleased = errors.New("used after release")

var pkgLogger atomic.Pointer[logger.Logger]

// SetLogger sets the logger that cleanup failures are reported to.
func SetLogger(l logger.Logger) {
	if l == nil {
		l = logger.Discard()
	}
	pkgLogger.Store(&l)
}

// Logger returns the logger set with SetLogger.
func Logger() logger.Logger {
	if l := pkgLogger.Load(); l != nil {
		return *l
	}
	return logger.Discard()
}

// Release frees a and logs a failure. The error is returned so callers
// can surface it when nothing else failed.
func Release(op string, a alloc.Alloc) error {
	if a == nil {
		return nil
	}
	err := a.Free()
	if err != nil {
		Logger().Warn("release device allocation", "op", op, "error", err)
	}
	return err
}

// FirstError returns primary when set, otherwise the joined cleanup errors.
func FirstError(primary error, cleanup ...error) error {
	if primary != nil {
		return primary
	}
	return errors.Join(cleanup...)
}

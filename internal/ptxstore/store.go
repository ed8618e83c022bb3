// Package ptxstore persists registered kernel sources and the PTX
// specialised from them in a badger database.
package ptxstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	badger "github.com/dgraph-io/badger/v4"
	json "github.com/goccy/go-json"

	"github.com/samcharles93/cudalend/internal/logger"
	"github.com/samcharles93/cudalend/pkg/ptxjit"
)

var ErrNotFound = errors.New("kernel not found")

const (
	kernelPrefix = "kernel/"
	specPrefix   = "spec/"
)

// Kernel is a registered kernel source.
type Kernel struct {
	ID         string             `json:"id"`
	EntryPoint string             `json:"entry_point"`
	PTX        string             `json:"ptx"`
	ConstLoads []ptxjit.ConstLoad `json:"const_loads"`
	CreatedAt  time.Time          `json:"created_at"`
}

type Store struct {
	db  *badger.DB
	log logger.Logger
}

// Open opens or creates the store in dir. An empty dir keeps the store in
// memory.
func Open(dir string, log logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.Discard()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open ptx store %q: %w", dir, err)
	}
	return &Store{db: db, log: log}, nil
}

// OpenInMemory is Open("").
func OpenInMemory(log logger.Logger) (*Store, error) {
	return Open("", log)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) PutKernel(k Kernel) error {
	if k.ID == "" {
		return errors.New("kernel id is empty")
	}
	b, err := json.Marshal(k)
	if err != nil {
		return fmt.Errorf("encode kernel %s: %w", k.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(kernelPrefix+k.ID), b)
	})
}

func (s *Store) GetKernel(id string) (Kernel, error) {
	var k Kernel
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(kernelPrefix + id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &k)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Kernel{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return k, err
}

// ListKernels returns all kernels, oldest first.
func (s *Store) ListKernels() ([]Kernel, error) {
	var out []Kernel
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(kernelPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var k Kernel
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &k)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, k)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b Kernel) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out, nil
}

// DeleteKernel removes the kernel and, when no other kernel shares its
// source, the PTX specialised from it.
func (s *Store) DeleteKernel(id string) error {
	k, err := s.GetKernel(id)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(kernelPrefix + id))
	}); err != nil {
		return err
	}

	others, err := s.ListKernels()
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.PTX == k.PTX {
			return nil
		}
	}
	if err := s.db.DropPrefix([]byte(specSourcePrefix([]byte(k.PTX)))); err != nil {
		s.log.Warn("drop specialised ptx", "kernel", id, "error", err)
	}
	return nil
}

// PutSpecialised records the PTX produced from source for args.
func (s *Store) PutSpecialised(source []byte, args [][]byte, ptx []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(specKey(source, args), ptx)
	})
}

// GetSpecialised returns the PTX recorded for source and args.
func (s *Store) GetSpecialised(source []byte, args [][]byte) ([]byte, bool, error) {
	var ptx []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(specKey(source, args))
		if err != nil {
			return err
		}
		ptx, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ptx, true, nil
}

// CountSpecialised returns how many specialisations are stored for source.
func (s *Store) CountSpecialised(source []byte) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(specSourcePrefix(source))
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func specSourcePrefix(source []byte) string {
	return fmt.Sprintf("%s%016x/", specPrefix, xxhash.Sum64(source))
}

func specKey(source []byte, args [][]byte) []byte {
	return []byte(fmt.Sprintf("%s%016x", specSourcePrefix(source), ArgsHash(args)))
}

// ArgsHash hashes an argument set. A nil set (no specialisation) hashes
// differently from an empty one, and a nil argument differently from an
// empty argument.
func ArgsHash(args [][]byte) uint64 {
	d := xxhash.New()
	var hdr [9]byte
	if args != nil {
		hdr[0] = 1
	}
	binary.LittleEndian.PutUint64(hdr[1:], uint64(len(args)))
	_, _ = d.Write(hdr[:])
	for _, a := range args {
		hdr[0] = 0
		if a != nil {
			hdr[0] = 1
		}
		binary.LittleEndian.PutUint64(hdr[1:], uint64(len(a)))
		_, _ = d.Write(hdr[:])
		_, _ = d.Write(a)
	}
	return d.Sum64()
}

// badgerLogger routes badger's logging to a Logger. Badger's info output
// is demoted to debug.
type badgerLogger struct {
	log logger.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.log.Error(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.log.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)), "component", "badger")
}

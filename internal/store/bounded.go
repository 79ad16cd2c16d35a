package store

import (
	"context"
	"os"

	"golang.org/x/sync/semaphore"
)

// NewBounded wraps backend so that at most n descriptors opened through
// OpenFile are outstanding at once (specification §5's addition: a runaway
// guest workload meets backpressure at the engine boundary rather than
// exhausting host descriptors out from under the rest of the system).
// OpenFile blocks until a permit is free; it never fails with EMFILE. A
// permit acquired in OpenFile is released when the returned File is
// closed.
func NewBounded(backend Backend, n int) Backend {
	return &bounded{Backend: backend, sem: semaphore.NewWeighted(int64(n))}
}

type bounded struct {
	Backend
	sem *semaphore.Weighted
}

func (b *bounded) OpenFile(path string, flags OpenFlag, mode os.FileMode) (File, error) {
	if err := b.sem.Acquire(context.Background(), 1); err != nil {
		return nil, err
	}
	f, err := b.Backend.OpenFile(path, flags, mode)
	if err != nil {
		b.sem.Release(1)
		return nil, err
	}
	return &boundedFile{File: f, sem: b.sem}, nil
}

// boundedFile releases its backend's permit exactly once, on the first
// Close — a second Close (the caller's mistake, not ours) is a no-op
// beyond whatever the wrapped File itself does.
type boundedFile struct {
	File
	sem      *semaphore.Weighted
	released bool
}

func (f *boundedFile) Close() error {
	err := f.File.Close()
	if !f.released {
		f.released = true
		f.sem.Release(1)
	}
	return err
}

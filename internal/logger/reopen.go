package logger

import (
	"os"
	"sync"
)

// Reopenable is a log sink whose underlying file can be replaced while
// loggers keep writing to it. The worker cannot open its log file itself
// after dropping privileges, so on SIGUSR1 it asks the monitor for a fresh
// descriptor and swaps it in here.
type Reopenable struct {
	mu sync.Mutex
	f  *os.File
}

func NewReopenable(f *os.File) *Reopenable {
	return &Reopenable{f: f}
}

func (r *Reopenable) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return len(p), nil
	}
	return r.f.Write(p)
}

func (r *Reopenable) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Sync()
}

// Swap installs f and closes the previous file.
func (r *Reopenable) Swap(f *os.File) error {
	r.mu.Lock()
	old := r.f
	r.f = f
	r.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

func (r *Reopenable) Close() error {
	return r.Swap(nil)
}

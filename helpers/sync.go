package helpers

import "sync"

// FirstError remembers first non-nil error of concurrent workers.
type FirstError struct {
	mu  sync.Mutex
	err error
}

func (f *FirstError) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

// Store returns true if e is the first non-nil error.
func (f *FirstError) Store(e error) bool {
	if e == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false
	}
	f.err = e
	return true
}

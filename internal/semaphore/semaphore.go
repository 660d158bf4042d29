// Package semaphore implements a simple counting semaphore over a channel.
package semaphore

// Semaphore limits the number of concurrent operations.
type Semaphore struct {
	c chan struct{}
}

// New returns a new Semaphore that allows n concurrent operations.
func New(n int) *Semaphore {
	return &Semaphore{c: make(chan struct{}, n)}
}

// Wait acquires a slot. Blocks until one is available.
func (s *Semaphore) Wait() {
	s.c <- struct{}{}
}

// Signal releases a slot.
func (s *Semaphore) Signal() {
	<-s.c
}

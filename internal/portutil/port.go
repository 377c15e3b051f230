// Package portutil allocates TCP ports the OS currently reports free.
package portutil

import (
	"fmt"
	"net"
	"sync"
)

// Allocator hands out free TCP ports one at a time, serializing concurrent
// Allocate calls. It keeps no record of ports already handed out, so two
// calls can return the same port if the kernel assigns it again.
type Allocator struct {
	mu sync.Mutex
}

// NewAllocator returns a ready Allocator.
func NewAllocator() *Allocator { return &Allocator{} }

// Allocate binds to an ephemeral port, reads back the port the kernel
// assigned, closes the listener, and returns the port number. The hold of
// mu across the whole bind-read-close sequence serializes concurrent
// Allocate calls on the same Allocator; nothing is reserved after close, so
// neither a later call nor an unrelated process on the host is kept from
// getting the same port before its first use.
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("portutil: allocate: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("portutil: allocate: unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}

var defaultAllocator = NewAllocator()

// Allocate is a package-level convenience wrapping a shared default
// Allocator, sufficient for callers that don't need an isolated instance.
func Allocate() (int, error) { return defaultAllocator.Allocate() }

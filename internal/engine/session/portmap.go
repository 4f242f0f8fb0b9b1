package session

import (
	"sync"

	"GoISG/internal/errors"
)

// PortMap allocates virtual port numbers. Port 0 is never handed out.
type PortMap struct {
	mu    sync.Mutex
	words []uint64
	size  uint32
	next  uint32
	inUse int
}

// NewPortMap creates a bitmap of size ports.
func NewPortMap(size uint32) *PortMap {
	if size < 2 {
		size = 2
	}
	return &PortMap{
		words: make([]uint64, (size+63)/64),
		size:  size,
		next:  1,
	}
}

func (p *PortMap) test(port uint32) bool {
	return p.words[port/64]&(1<<(port%64)) != 0
}

func (p *PortMap) set(port uint32) {
	p.words[port/64] |= 1 << (port % 64)
	p.inUse++
}

// Alloc returns the next free port.
func (p *PortMap) Alloc() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := uint32(0); i < p.size; i++ {
		port := p.next
		p.next++
		if p.next >= p.size {
			p.next = 1
		}
		if port == 0 || p.test(port) {
			continue
		}
		p.set(port)
		return port, nil
	}
	return 0, errors.Errorf(errors.KindCapacityExceeded, "virtual port bitmap exhausted (%d ports)", p.size-1)
}

// Claim marks port as used. It reports false when the port is out of range or taken.
func (p *PortMap) Claim(port uint32) bool {
	if port == 0 || port >= p.size {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.test(port) {
		return false
	}
	p.set(port)
	return true
}

// Release frees port.
func (p *PortMap) Release(port uint32) {
	if port == 0 || port >= p.size {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.test(port) {
		p.words[port/64] &^= 1 << (port % 64)
		p.inUse--
	}
}

// InUse returns the number of allocated ports.
func (p *PortMap) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

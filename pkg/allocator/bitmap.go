// Package allocator provides bitmap-based framed-IP allocation.
package allocator

import (
	"encoding/binary"
	"fmt"
	"math/big"
	"net"
	"sync"
)

// Pool hands out IPv4 host addresses from a CIDR. Each bit of the bitmap
// represents one address; an address is owned by at most one session at a
// time, so two subscribers can never be given the same Framed-IP.
type Pool struct {
	mu sync.Mutex

	name    string
	network *net.IPNet
	base    uint32
	size    int

	// Bitmap state
	bitmap *big.Int

	// Allocation tracking
	owners  map[string]int // owner -> bit index
	byIndex map[int]string // bit index -> owner

	nextFree    int
	allocated   int
	unavailable int
}

// PoolConfig configures a framed-IP pool.
type PoolConfig struct {
	// Name labels the pool in metrics and logs
	Name string

	// CIDR is the pool network, e.g. "10.0.0.0/24"
	CIDR string

	// Exclude lists addresses never handed out (gateway, NAS, ...)
	Exclude []string
}

// PoolStats contains pool statistics.
type PoolStats struct {
	Name        string `json:"name"`
	Total       int    `json:"total"`
	Allocated   int    `json:"allocated"`
	Available   int    `json:"available"`
	Unavailable int    `json:"unavailable"`
}

// NewPool creates a framed-IP pool.
func NewPool(cfg PoolConfig) (*Pool, error) {
	ip, network, err := net.ParseCIDR(cfg.CIDR)
	if err != nil {
		return nil, fmt.Errorf("invalid pool network: %w", err)
	}
	if ip.To4() == nil {
		return nil, fmt.Errorf("pool %s: only IPv4 framed pools are supported", cfg.CIDR)
	}

	ones, bits := network.Mask.Size()
	if bits-ones > 24 {
		return nil, fmt.Errorf("pool %s is larger than /8", cfg.CIDR)
	}

	name := cfg.Name
	if name == "" {
		name = network.String()
	}

	p := &Pool{
		name:    name,
		network: network,
		base:    binary.BigEndian.Uint32(network.IP.To4()),
		size:    1 << (bits - ones),
		bitmap:  big.NewInt(0),
		owners:  make(map[string]int),
		byIndex: make(map[int]string),
	}

	// Network and broadcast addresses are never handed out
	if p.size > 2 {
		p.markUnavailable(0)
		p.markUnavailable(p.size - 1)
		p.nextFree = 1
	}

	for _, s := range cfg.Exclude {
		ex := net.ParseIP(s)
		if ex == nil {
			return nil, fmt.Errorf("invalid excluded address %q", s)
		}
		if idx, ok := p.index(ex); ok {
			p.markUnavailable(idx)
		}
	}

	return p, nil
}

// Name returns the pool label.
func (p *Pool) Name() string {
	return p.name
}

// Contains reports whether ip belongs to the pool network.
func (p *Pool) Contains(ip net.IP) bool {
	return p.network.Contains(ip)
}

// Allocate assigns a free address to owner. Allocating twice for the same
// owner returns the same address.
func (p *Pool) Allocate(owner string) (net.IP, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if idx, exists := p.owners[owner]; exists {
		return p.address(idx), nil
	}

	idx, err := p.findFreeBit()
	if err != nil {
		return nil, err
	}

	p.take(idx, owner)
	return p.address(idx), nil
}

// Reserve claims a specific address for owner, e.g. one assigned by the
// RADIUS server. It fails with ErrInUse if another owner holds it and with
// ErrReserved if the pool never hands it out.
func (p *Pool) Reserve(ip net.IP, owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index(ip)
	if !ok {
		return fmt.Errorf("%w: %s not in %s", ErrOutOfRange, ip, p.network)
	}

	if holder, taken := p.byIndex[idx]; taken {
		if holder == owner {
			return nil
		}
		return fmt.Errorf("%w: %s held by %s", ErrInUse, ip, holder)
	}
	if p.bitmap.Bit(idx) == 1 {
		return fmt.Errorf("%w: %s", ErrReserved, ip)
	}

	if prev, exists := p.owners[owner]; exists {
		p.clear(prev, owner)
	}
	p.take(idx, owner)
	return nil
}

// Release frees the address held by owner.
func (p *Pool) Release(owner string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, exists := p.owners[owner]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, owner)
	}

	p.clear(idx, owner)
	return nil
}

// Lookup returns the address held by owner.
func (p *Pool) Lookup(owner string) (net.IP, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, exists := p.owners[owner]
	if !exists {
		return nil, false
	}
	return p.address(idx), true
}

// Owner returns who holds ip.
func (p *Pool) Owner(ip net.IP) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	idx, ok := p.index(ip)
	if !ok {
		return "", false
	}
	owner, exists := p.byIndex[idx]
	return owner, exists
}

// Stats returns pool statistics.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := p.size - p.unavailable
	return PoolStats{
		Name:        p.name,
		Total:       total,
		Allocated:   p.allocated,
		Available:   total - p.allocated,
		Unavailable: p.unavailable,
	}
}

func (p *Pool) take(idx int, owner string) {
	p.bitmap.SetBit(p.bitmap, idx, 1)
	p.owners[owner] = idx
	p.byIndex[idx] = owner
	p.allocated++
}

func (p *Pool) clear(idx int, owner string) {
	p.bitmap.SetBit(p.bitmap, idx, 0)
	delete(p.owners, owner)
	delete(p.byIndex, idx)
	p.allocated--

	if idx < p.nextFree {
		p.nextFree = idx
	}
}

func (p *Pool) markUnavailable(idx int) {
	if p.bitmap.Bit(idx) == 0 {
		p.bitmap.SetBit(p.bitmap, idx, 1)
		p.unavailable++
	}
}

// findFreeBit finds the next available bit index.
func (p *Pool) findFreeBit() (int, error) {
	for i := p.nextFree; i < p.size; i++ {
		if p.bitmap.Bit(i) == 0 {
			p.nextFree = i + 1
			return i, nil
		}
	}

	// Wrap around and search from beginning
	for i := 0; i < p.nextFree && i < p.size; i++ {
		if p.bitmap.Bit(i) == 0 {
			p.nextFree = i + 1
			return i, nil
		}
	}

	return 0, ErrPoolExhausted
}

func (p *Pool) address(idx int) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, p.base+uint32(idx))
	return ip
}

func (p *Pool) index(ip net.IP) (int, bool) {
	ip4 := ip.To4()
	if ip4 == nil || !p.network.Contains(ip4) {
		return 0, false
	}
	return int(binary.BigEndian.Uint32(ip4) - p.base), true
}

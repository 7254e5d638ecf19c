package allocator

import "errors"

var (
	// ErrPoolExhausted is returned when no more addresses are available.
	ErrPoolExhausted = errors.New("pool exhausted")

	// ErrNotFound is returned when an allocation is not found.
	ErrNotFound = errors.New("allocation not found")

	// ErrInUse is returned when reserving an address held by another owner.
	ErrInUse = errors.New("address already allocated")

	// ErrReserved is returned when reserving an excluded, network or
	// broadcast address.
	ErrReserved = errors.New("address reserved")

	// ErrOutOfRange is returned for an address outside the pool.
	ErrOutOfRange = errors.New("address outside pool")
)

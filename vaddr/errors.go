package vaddr

import "github.com/cockroachdb/errors"

// ErrOutOfAddressSpace is returned when no free range in the pool can satisfy
// a placement request. This is a user-visible exhaustion condition, not an
// internal failure.
var ErrOutOfAddressSpace = errors.New("no free range can satisfy the requested placement")

// ErrRangeUnavailable is returned when an exact-address request overlaps
// address space that is not entirely free.
var ErrRangeUnavailable = errors.New("the requested address range is not entirely free")

// ErrNotAllocated is returned when freeing an address that has no current
// allocation.
var ErrNotAllocated = errors.New("the address is not currently allocated")

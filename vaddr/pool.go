package vaddr

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/interpose/memutils"
	"golang.org/x/exp/slices"
	"golang.org/x/exp/slog"
)

// addressRange is one maximal run of free or allocated address space. Ranges
// in a pool are sorted by start, disjoint, and cover the pool end to end; no
// two adjacent free ranges may coexist.
type addressRange struct {
	start uintptr
	size  int
	free  bool
}

func (r addressRange) end() uintptr {
	return r.start + uintptr(r.size)
}

// Pool is a first-fit free-list allocator over a single fixed address range.
// The range is established once at construction and never grows; callers
// reserve the underlying addresses from the OS so nothing else can land in
// them. All operations are serialized by one mutex.
type Pool struct {
	logger *slog.Logger
	mutex  sync.Mutex

	base uintptr
	size int

	ranges      []addressRange
	allocations *swiss.Map[uintptr, int]
	usedSize    int
}

// NewPool creates a Pool managing [base, base+size).
func NewPool(logger *slog.Logger, base uintptr, size int) (*Pool, error) {
	if base == 0 {
		return nil, errors.New("vaddr.NewPool: base cannot be 0")
	}
	if size <= 0 {
		return nil, errors.Newf("vaddr.NewPool: size must be positive, got %d", size)
	}

	logger.Debug("Pool::NewPool",
		slog.Uint64("base", uint64(base)),
		slog.Int("size", size),
	)

	return &Pool{
		logger:      logger,
		base:        base,
		size:        size,
		ranges:      []addressRange{{start: base, size: size, free: true}},
		allocations: swiss.NewMap[uintptr, int](32),
	}, nil
}

// Base returns the first address managed by the pool.
func (p *Pool) Base() uintptr { return p.base }

// Size returns the pool's total byte length.
func (p *Pool) Size() int { return p.size }

// Contains reports whether [address, address+size) lies entirely inside the
// pool.
func (p *Pool) Contains(address uintptr, size int) bool {
	return address >= p.base && size >= 0 && address+uintptr(size) <= p.base+uintptr(p.size)
}

// AllocateAny finds the first free range that can fit size bytes at the
// requested alignment, carves the allocation out of it, and returns the
// allocated address. Alignment 0 or 1 means no constraint; any other
// alignment must be a power of two. Returns ErrOutOfAddressSpace when no
// free range fits.
func (p *Pool) AllocateAny(size int, alignment uintptr) (uintptr, error) {
	p.logger.Debug("Pool::AllocateAny",
		slog.Int("size", size),
		slog.Uint64("alignment", uint64(alignment)),
	)

	if size <= 0 {
		return 0, errors.Newf("allocation size must be positive, got %d", size)
	}
	if alignment > 1 {
		err := memutils.CheckPow2(alignment, "alignment")
		if err != nil {
			return 0, err
		}
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for index, candidate := range p.ranges {
		if !candidate.free || candidate.size < size {
			continue
		}

		aligned := memutils.AlignUp(candidate.start, alignment)
		padding := int(aligned - candidate.start)
		if padding+size > candidate.size {
			continue
		}

		p.carveLocked(index, aligned, size)
		p.allocations.Put(aligned, size)
		p.usedSize += size
		memutils.DebugValidate(p)

		return aligned, nil
	}

	p.logger.Warn("Pool::AllocateAny failed",
		slog.Int("size", size),
		slog.Int("freeBytes", p.size-p.usedSize),
	)
	return 0, errors.Wrapf(ErrOutOfAddressSpace, "size %d alignment %d", size, alignment)
}

// AllocateExact carves [address, address+size) out of the pool. The entire
// range must be contained in a single free range; overlapping any allocated
// space fails with ErrRangeUnavailable and leaves the pool unchanged.
func (p *Pool) AllocateExact(address uintptr, size int) error {
	p.logger.Debug("Pool::AllocateExact",
		slog.Uint64("address", uint64(address)),
		slog.Int("size", size),
	)

	if size <= 0 {
		return errors.Newf("allocation size must be positive, got %d", size)
	}
	if !p.Contains(address, size) {
		return errors.Wrapf(ErrRangeUnavailable, "address 0x%x size %d is outside the pool", address, size)
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for index, candidate := range p.ranges {
		if !candidate.free {
			continue
		}
		if address < candidate.start || address+uintptr(size) > candidate.end() {
			continue
		}

		p.carveLocked(index, address, size)
		p.allocations.Put(address, size)
		p.usedSize += size
		memutils.DebugValidate(p)

		return nil
	}

	return errors.Wrapf(ErrRangeUnavailable, "address 0x%x size %d", address, size)
}

// Free releases the allocation at address and coalesces adjacent free
// ranges. Freeing an address with no current allocation returns
// ErrNotAllocated without modifying the pool.
func (p *Pool) Free(address uintptr) error {
	p.logger.Debug("Pool::Free", slog.Uint64("address", uint64(address)))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	size, ok := p.allocations.Get(address)
	if !ok {
		p.logger.Warn("Pool::Free called for an address that is not allocated",
			slog.Uint64("address", uint64(address)),
		)
		return errors.Wrapf(ErrNotAllocated, "address 0x%x", address)
	}
	p.allocations.Delete(address)

	for index, candidate := range p.ranges {
		if candidate.start == address && candidate.size == size && !candidate.free {
			p.ranges[index].free = true
			p.usedSize -= size
			p.coalesceLocked()
			memutils.DebugValidate(p)

			return nil
		}
	}

	return errors.Newf("allocation table and range list disagree about address 0x%x", address)
}

// UsedSize returns the number of currently-allocated bytes.
func (p *Pool) UsedSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.usedSize
}

// FreeSize returns the number of bytes available for allocation.
func (p *Pool) FreeSize() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.size - p.usedSize
}

// FreeRangeCount returns how many maximal free ranges the pool currently
// holds.
func (p *Pool) FreeRangeCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	var count int
	for _, r := range p.ranges {
		if r.free {
			count++
		}
	}
	return count
}

// carveLocked splits ranges[index] so that [start, start+size) becomes a
// single allocated range, inserting leading and trailing free fragments as
// needed.
func (p *Pool) carveLocked(index int, start uintptr, size int) {
	original := p.ranges[index]
	leading := int(start - original.start)
	trailing := original.size - leading - size

	p.ranges[index] = addressRange{start: start, size: size, free: false}
	if trailing > 0 {
		p.ranges = slices.Insert(p.ranges, index+1, addressRange{
			start: start + uintptr(size),
			size:  trailing,
			free:  true,
		})
	}
	if leading > 0 {
		p.ranges = slices.Insert(p.ranges, index, addressRange{
			start: original.start,
			size:  leading,
			free:  true,
		})
	}
}

// coalesceLocked merges every pair of adjacent free ranges. Ranges stay
// sorted across all mutations, so one forward pass suffices.
func (p *Pool) coalesceLocked() {
	for index := 0; index < len(p.ranges)-1; {
		current := &p.ranges[index]
		next := p.ranges[index+1]

		if current.free && next.free && current.end() == next.start {
			current.size += next.size
			p.ranges = slices.Delete(p.ranges, index+1, index+2)
			continue
		}
		index++
	}
}

// Validate performs internal consistency checks on the pool's range list.
// When the implementation is functioning correctly it should not be possible
// for this method to return an error.
func (p *Pool) Validate() error {
	expectedStart := p.base
	var usedBytes, allocatedRanges int

	for index, r := range p.ranges {
		if r.start != expectedStart {
			return errors.Newf("range %d starts at 0x%x, expected 0x%x- the ranges do not cover the pool", index, r.start, expectedStart)
		}
		if r.size <= 0 {
			return errors.Newf("range %d has non-positive size %d", index, r.size)
		}
		if r.free && index > 0 && p.ranges[index-1].free {
			return errors.Newf("ranges %d and %d are both free- they should have been coalesced", index-1, index)
		}
		if !r.free {
			usedBytes += r.size
			allocatedRanges++

			recordedSize, ok := p.allocations.Get(r.start)
			if !ok {
				return errors.Newf("allocated range at 0x%x has no allocation record", r.start)
			}
			if recordedSize != r.size {
				return errors.Newf("allocated range at 0x%x has size %d, but its allocation record says %d", r.start, r.size, recordedSize)
			}
		}

		expectedStart = r.end()
	}

	if expectedStart != p.base+uintptr(p.size) {
		return errors.Newf("ranges end at 0x%x, expected 0x%x", expectedStart, p.base+uintptr(p.size))
	}
	if usedBytes != p.usedSize {
		return errors.Newf("counted %d used bytes, but the pool has recorded %d", usedBytes, p.usedSize)
	}
	if allocatedRanges != p.allocations.Count() {
		return errors.Newf("counted %d allocated ranges, but there are %d allocation records", allocatedRanges, p.allocations.Count())
	}

	return nil
}

// PoolJsonData populates a json object with the pool's current layout.
func (p *Pool) PoolJsonData(json jwriter.ObjectState) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	json.Name("BaseAddress").Int(int(p.base))
	json.Name("TotalBytes").Int(p.size)
	json.Name("UsedBytes").Int(p.usedSize)
	json.Name("FreeBytes").Int(p.size - p.usedSize)

	arrayState := json.Name("Ranges").Array()
	defer arrayState.End()

	for _, r := range p.ranges {
		obj := arrayState.Object()

		obj.Name("Start").Int(int(r.start))
		obj.Name("Size").Int(r.size)
		obj.Name("Free").Bool(r.free)

		obj.End()
	}
}

//go:build linux

package placed

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// osRegionMapper implements RegionMapper on the mmap family of system calls.
// Reservations are PROT_NONE private anonymous mappings; binds and releases
// overwrite slices of them with MAP_FIXED, which never punches holes in the
// surrounding reservation.
type osRegionMapper struct{}

// NewOSRegionMapper returns the RegionMapper backed by the operating system.
func NewOSRegionMapper() RegionMapper {
	return osRegionMapper{}
}

func (osRegionMapper) Reserve(base uintptr, size int) (uintptr, error) {
	// MAP_NORESERVE keeps a multi-gigabyte pool from counting against
	// overcommit limits
	ret, err := unix.MmapPtr(-1, 0, unsafe.Pointer(base), uintptr(size),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, errors.Wrapf(err, "reserving %d bytes at 0x%x", size, base)
	}

	return uintptr(ret), nil
}

func (osRegionMapper) Bind(address uintptr, size int) error {
	ret, err := unix.MmapPtr(-1, 0, unsafe.Pointer(address), uintptr(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED)
	if err != nil {
		return errors.Wrapf(err, "binding %d bytes at 0x%x", size, address)
	}
	if uintptr(ret) != address {
		return errors.Newf("the OS bound 0x%x instead of the requested 0x%x", uintptr(ret), address)
	}

	return nil
}

func (osRegionMapper) Release(address uintptr, size int) error {
	// Re-cover the range with PROT_NONE rather than unmapping, so the pool's
	// reservation stays contiguous
	_, err := unix.MmapPtr(-1, 0, unsafe.Pointer(address), uintptr(size),
		unix.PROT_NONE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE|unix.MAP_FIXED)
	if err != nil {
		return errors.Wrapf(err, "releasing %d bytes at 0x%x", size, address)
	}

	return nil
}

func (osRegionMapper) Unreserve(base uintptr, size int) error {
	err := unix.MunmapPtr(unsafe.Pointer(base), uintptr(size))
	if err != nil {
		return errors.Wrapf(err, "unreserving %d bytes at 0x%x", size, base)
	}

	return nil
}

//go:build !linux

package placed

import "github.com/cockroachdb/errors"

// Placed mappings require fixed-address mmap semantics that are only wired up
// for linux. Other platforms get a RegionMapper that declines everything, so
// the extension simply never activates redirection there.
type unsupportedRegionMapper struct{}

// NewOSRegionMapper returns the RegionMapper backed by the operating system.
func NewOSRegionMapper() RegionMapper {
	return unsupportedRegionMapper{}
}

func (unsupportedRegionMapper) Reserve(base uintptr, size int) (uintptr, error) {
	return 0, errors.New("placed mappings are not supported on this platform")
}

func (unsupportedRegionMapper) Bind(address uintptr, size int) error {
	return errors.New("placed mappings are not supported on this platform")
}

func (unsupportedRegionMapper) Release(address uintptr, size int) error {
	return errors.New("placed mappings are not supported on this platform")
}

func (unsupportedRegionMapper) Unreserve(base uintptr, size int) error {
	return errors.New("placed mappings are not supported on this platform")
}

package placed

import (
	"io"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/vaddr"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

const (
	poolBase uintptr = 0x10_0000_0000
	poolSize int     = 0x100_0000

	driverBase uintptr = 0x7000_0000
)

// fakeRegions records Bind/Release calls and can be told to fail binds.
type fakeRegions struct {
	bound    map[uintptr]int
	failBind bool
}

func newFakeRegions() *fakeRegions {
	return &fakeRegions{bound: map[uintptr]int{}}
}

func (f *fakeRegions) Reserve(base uintptr, size int) (uintptr, error) {
	return base, nil
}

func (f *fakeRegions) Bind(address uintptr, size int) error {
	if f.failBind {
		return errors.New("bind refused")
	}
	f.bound[address] = size
	return nil
}

func (f *fakeRegions) Release(address uintptr, size int) error {
	delete(f.bound, address)
	return nil
}

func (f *fakeRegions) Unreserve(base uintptr, size int) error {
	return nil
}

// fakeDriver hands out sequential driver addresses and tracks outstanding
// driver-level mappings.
type fakeDriver struct {
	next   uintptr
	mapped map[vkabi.DeviceMemory]uintptr
	fail   bool
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{next: driverBase, mapped: map[vkabi.DeviceMemory]uintptr{}}
}

func (f *fakeDriver) mapMemory(device vkabi.Device, memory vkabi.DeviceMemory, offset int, size int, flags uint32) (uintptr, common.VkResult) {
	if f.fail {
		return 0, core1_0.VKErrorMemoryMapFailed
	}
	addr := f.next
	f.next += uintptr(size)
	f.mapped[memory] = addr
	return addr, core1_0.VKSuccess
}

func (f *fakeDriver) unmapMemory(device vkabi.Device, memory vkabi.DeviceMemory) {
	delete(f.mapped, memory)
}

func mapperFixture(t *testing.T, options MapperOptions) (*Mapper, *fakeDriver, *fakeRegions, *vaddr.Pool) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	pool, err := vaddr.NewPool(logger, poolBase, poolSize)
	require.NoError(t, err)

	driver := newFakeDriver()
	regions := newFakeRegions()

	mapper, err := NewMapper(logger, vkabi.Device(0x2002), driver.mapMemory, driver.unmapMemory, pool, regions, options)
	require.NoError(t, err)

	return mapper, driver, regions, pool
}

func TestMapperPlacedRoundTrip(t *testing.T) {
	mapper, driver, regions, pool := mapperFixture(t, MapperOptions{})

	memory := vkabi.DeviceMemory(0x100)
	target := poolBase + 0x1000

	addr, res, err := mapper.MapMemory(memory, 0, 0x4000, target)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, target, addr)
	require.Contains(t, regions.bound, target)
	require.Equal(t, 0x4000, pool.UsedSize())
	require.Len(t, driver.mapped, 1)

	res, err = mapper.UnmapMemory(memory)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	// The map/unmap pair is idempotent against the pool
	require.Zero(t, pool.UsedSize())
	require.Equal(t, 1, pool.FreeRangeCount())
	require.Empty(t, regions.bound)
	require.Empty(t, driver.mapped)
	require.False(t, mapper.IsMapped(memory))
}

func TestMapperUnplacedMapping(t *testing.T) {
	mapper, driver, regions, pool := mapperFixture(t, MapperOptions{})

	memory := vkabi.DeviceMemory(0x100)

	addr, res, err := mapper.MapMemory(memory, 0, 0x1000, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, driver.mapped[memory], addr)
	require.Empty(t, regions.bound)
	require.Zero(t, pool.UsedSize())
}

func TestMapperPlaceUnrequestedPolicy(t *testing.T) {
	mapper, _, regions, pool := mapperFixture(t, MapperOptions{PlaceUnrequested: true})

	memory := vkabi.DeviceMemory(0x100)

	addr, res, err := mapper.MapMemory(memory, 0, 0x1000, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.True(t, pool.Contains(addr, 0x1000))
	require.Contains(t, regions.bound, addr)

	_, err = mapper.UnmapMemory(memory)
	require.NoError(t, err)
	require.Zero(t, pool.UsedSize())
}

func TestMapperBindFailureRollsBack(t *testing.T) {
	mapper, driver, regions, pool := mapperFixture(t, MapperOptions{})
	regions.failBind = true

	memory := vkabi.DeviceMemory(0x100)
	target := poolBase + 0x1000

	_, res, err := mapper.MapMemory(memory, 0, 0x4000, target)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)

	// No half-established state: pool reservation released, driver mapping
	// unmapped, nothing tracked
	require.Zero(t, pool.UsedSize())
	require.Empty(t, driver.mapped)
	require.False(t, mapper.IsMapped(memory))
}

func TestMapperPreferredAddressFallback(t *testing.T) {
	mapper, driver, regions, pool := mapperFixture(t, MapperOptions{})

	blocker := vkabi.DeviceMemory(0x100)
	target := poolBase + 0x1000
	_, _, err := mapper.MapMemory(blocker, 0, 0x4000, target)
	require.NoError(t, err)

	// The preferred range is taken, so the second mapping falls back to the
	// driver's address instead of failing
	contender := vkabi.DeviceMemory(0x200)
	addr, res, err := mapper.MapMemory(contender, 0, 0x1000, target+0x2000)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, driver.mapped[contender], addr)
	require.Len(t, regions.bound, 1)
	require.Equal(t, 0x4000, pool.UsedSize())
}

func TestMapperRemapReturnsExistingAddress(t *testing.T) {
	mapper, _, _, _ := mapperFixture(t, MapperOptions{})

	memory := vkabi.DeviceMemory(0x100)
	target := poolBase + 0x1000

	first, _, err := mapper.MapMemory(memory, 0, 0x1000, target)
	require.NoError(t, err)

	second, res, err := mapper.MapMemory(memory, 0, 0x1000, 0)
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, first, second)
}

func TestMapperUnmapUnknownIsTolerated(t *testing.T) {
	mapper, _, _, pool := mapperFixture(t, MapperOptions{})

	res, err := mapper.UnmapMemory(vkabi.DeviceMemory(0xdead))
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.Zero(t, pool.UsedSize())

	memory := vkabi.DeviceMemory(0x100)
	_, _, err = mapper.MapMemory(memory, 0, 0x1000, poolBase)
	require.NoError(t, err)

	_, err = mapper.UnmapMemory(memory)
	require.NoError(t, err)
	_, err = mapper.UnmapMemory(memory)
	require.NoError(t, err)
	require.Zero(t, pool.UsedSize())
}

func TestMapperDriverFailurePropagates(t *testing.T) {
	mapper, driver, _, pool := mapperFixture(t, MapperOptions{})
	driver.fail = true

	_, res, err := mapper.MapMemory(vkabi.DeviceMemory(0x100), 0, 0x1000, poolBase)
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorMemoryMapFailed, res)
	require.Zero(t, pool.UsedSize())
}

func TestMapperClose(t *testing.T) {
	mapper, driver, regions, pool := mapperFixture(t, MapperOptions{})

	_, _, err := mapper.MapMemory(vkabi.DeviceMemory(0x100), 0, 0x1000, poolBase)
	require.NoError(t, err)
	_, _, err = mapper.MapMemory(vkabi.DeviceMemory(0x200), 0, 0x1000, 0)
	require.NoError(t, err)

	mapper.Close()

	require.Zero(t, pool.UsedSize())
	require.Empty(t, regions.bound)
	require.Empty(t, driver.mapped)
}

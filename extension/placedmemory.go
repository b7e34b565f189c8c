package extension

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/placed"
	"github.com/vkngwrapper/interpose/vaddr"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

const (
	// PlacedMemoryExtensionName identifies the placed-memory-mapping
	// capability extension.
	PlacedMemoryExtensionName = "VK_EXT_map_memory_placed"
	placedMemorySpecVersion   = 1

	// Pool defaults: a high, rarely-contended corner of the address space,
	// 4 GiB wide.
	DefaultPoolBase uintptr = 0x10_0000_0000
	DefaultPoolSize int     = 0x1_0000_0000
)

// PlacedMemoryOptions configures the extension's address pool and placement
// policy.
type PlacedMemoryOptions struct {
	// PoolBase and PoolSize locate the reserved address pool. Zero values
	// take the defaults.
	PoolBase uintptr
	PoolSize int

	// PlaceUnrequested routes mappings without a requested address through
	// the pool as well.
	PlaceUnrequested bool
}

// PlacedMemory implements the placed-memory-mapping extension: vkMapMemory2KHR
// requests carrying a placed address land at that address instead of wherever
// the driver put them. One address pool is shared by every device; each
// device gets its own mapper over its own driver map/unmap functions.
type PlacedMemory struct {
	logger  *slog.Logger
	regions placed.RegionMapper
	options PlacedMemoryOptions

	pool     *vaddr.Pool
	poolBase uintptr

	mutex   sync.Mutex
	mappers *swiss.Map[vkabi.Device, *placed.Mapper]
}

var _ Extension = (*PlacedMemory)(nil)

// NewPlacedMemory reserves the address pool from the OS and builds the
// extension over it. The OS may place the reservation away from the
// requested base; the pool follows the actual placement.
func NewPlacedMemory(logger *slog.Logger, regions placed.RegionMapper, options PlacedMemoryOptions) (*PlacedMemory, error) {
	if regions == nil {
		return nil, errors.New("extension.NewPlacedMemory requires a region mapper")
	}
	if options.PoolBase == 0 {
		options.PoolBase = DefaultPoolBase
	}
	if options.PoolSize == 0 {
		options.PoolSize = DefaultPoolSize
	}

	base, err := regions.Reserve(options.PoolBase, options.PoolSize)
	if err != nil {
		return nil, errors.Wrapf(err, "reserving the placed-memory address pool")
	}
	if base != options.PoolBase {
		logger.Warn("PlacedMemory::NewPlacedMemory pool was reserved away from the requested base",
			slog.Uint64("requested", uint64(options.PoolBase)),
			slog.Uint64("actual", uint64(base)),
		)
	}

	pool, err := vaddr.NewPool(logger, base, options.PoolSize)
	if err != nil {
		releaseErr := regions.Unreserve(base, options.PoolSize)
		if releaseErr != nil {
			logger.Error("PlacedMemory::NewPlacedMemory could not return the reservation",
				slog.String("error", releaseErr.Error()),
			)
		}
		return nil, err
	}

	return &PlacedMemory{
		logger:   logger,
		regions:  regions,
		options:  options,
		pool:     pool,
		poolBase: base,
		mappers:  swiss.NewMap[vkabi.Device, *placed.Mapper](8),
	}, nil
}

func (p *PlacedMemory) Name() string {
	return PlacedMemoryExtensionName
}

func (p *PlacedMemory) SpecVersion() uint {
	return placedMemorySpecVersion
}

func (p *PlacedMemory) InterceptsFunction(name string) bool {
	return name == "vkMapMemory2KHR" || name == "vkUnmapMemory2KHR"
}

func (p *PlacedMemory) InterceptedFunctions() []string {
	return []string{"vkMapMemory2KHR", "vkUnmapMemory2KHR"}
}

func (p *PlacedMemory) ProcAddr(name string) vkabi.ProcAddr {
	switch name {
	case "vkMapMemory2KHR":
		return vkabi.MapMemory2Func(p.MapMemory2)
	case "vkUnmapMemory2KHR":
		return vkabi.UnmapMemory2Func(p.UnmapMemory2)
	}
	return nil
}

// InitializeDevice captures the device's driver map/unmap functions and sets
// up its mapper over the shared pool.
func (p *PlacedMemory) InitializeDevice(device vkabi.Device, resolver vkabi.GetDeviceProcAddrFunc) (common.VkResult, error) {
	p.logger.Debug("PlacedMemory::InitializeDevice", slog.Uint64("device", uint64(device)))

	if resolver == nil {
		return core1_0.VKErrorInitializationFailed, errors.New("PlacedMemory.InitializeDevice requires a device resolver")
	}

	driverMap, _ := resolver(device, "vkMapMemory").(vkabi.MapMemoryFunc)
	driverUnmap, _ := resolver(device, "vkUnmapMemory").(vkabi.UnmapMemoryFunc)
	if driverMap == nil || driverUnmap == nil {
		return core1_0.VKErrorInitializationFailed, errors.New("the driver did not provide vkMapMemory and vkUnmapMemory")
	}

	mapper, err := placed.NewMapper(p.logger, device, driverMap, driverUnmap, p.pool, p.regions, placed.MapperOptions{
		PlaceUnrequested: p.options.PlaceUnrequested,
	})
	if err != nil {
		return core1_0.VKErrorInitializationFailed, err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.mappers.Get(device); ok {
		p.logger.Warn("PlacedMemory::InitializeDevice is reusing a tracked device handle, resetting it",
			slog.Uint64("device", uint64(device)),
		)
	}
	p.mappers.Put(device, mapper)

	return core1_0.VKSuccess, nil
}

// ReleaseDevice tears down a device's mapper, unmapping anything still
// outstanding. Unknown devices are tolerated.
func (p *PlacedMemory) ReleaseDevice(device vkabi.Device) {
	p.logger.Debug("PlacedMemory::ReleaseDevice", slog.Uint64("device", uint64(device)))

	p.mutex.Lock()
	mapper, ok := p.mappers.Get(device)
	if ok {
		p.mappers.Delete(device)
	}
	p.mutex.Unlock()

	if ok {
		mapper.Close()
	}
}

func (p *PlacedMemory) deviceMapper(device vkabi.Device) (*placed.Mapper, bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.mappers.Get(device)
}

// MapMemory2 serves vkMapMemory2KHR. A placed request carries the target
// address in the chained placed info; everything else maps like plain
// vkMapMemory.
func (p *PlacedMemory) MapMemory2(device vkabi.Device, mapInfo *vkabi.MemoryMapInfo) (uintptr, common.VkResult) {
	if mapInfo == nil {
		return 0, core1_0.VKErrorInitializationFailed
	}

	mapper, ok := p.deviceMapper(device)
	if !ok {
		p.logger.Error("PlacedMemory::MapMemory2 called for a device the extension was never initialized on",
			slog.Uint64("device", uint64(device)),
		)
		return 0, core1_0.VKErrorExtensionNotPresent
	}

	var preferredAddress uintptr
	if mapInfo.Flags&vkabi.MemoryMapPlaced != 0 && mapInfo.PlacedInfo != nil {
		preferredAddress = mapInfo.PlacedInfo.PlacedAddress
	}

	address, res, err := mapper.MapMemory(mapInfo.Memory, mapInfo.Offset, mapInfo.Size, preferredAddress)
	if err != nil {
		p.logger.Error("PlacedMemory::MapMemory2 failed",
			slog.Uint64("memory", uint64(mapInfo.Memory)),
			slog.String("error", err.Error()),
		)
	}
	return address, res
}

// UnmapMemory2 serves vkUnmapMemory2KHR.
func (p *PlacedMemory) UnmapMemory2(device vkabi.Device, unmapInfo *vkabi.MemoryUnmapInfo) common.VkResult {
	if unmapInfo == nil {
		return core1_0.VKErrorInitializationFailed
	}

	mapper, ok := p.deviceMapper(device)
	if !ok {
		p.logger.Error("PlacedMemory::UnmapMemory2 called for a device the extension was never initialized on",
			slog.Uint64("device", uint64(device)),
		)
		return core1_0.VKErrorExtensionNotPresent
	}

	res, err := mapper.UnmapMemory(unmapInfo.Memory)
	if err != nil {
		p.logger.Error("PlacedMemory::UnmapMemory2 failed",
			slog.Uint64("memory", uint64(unmapInfo.Memory)),
			slog.String("error", err.Error()),
		)
	}
	return res
}

// Shutdown closes every device mapper and returns the address pool's
// reservation to the OS.
func (p *PlacedMemory) Shutdown() {
	p.logger.Debug("PlacedMemory::Shutdown")

	p.mutex.Lock()
	mappers := make([]*placed.Mapper, 0, p.mappers.Count())
	p.mappers.Iter(func(device vkabi.Device, mapper *placed.Mapper) bool {
		mappers = append(mappers, mapper)
		return false
	})
	p.mappers = swiss.NewMap[vkabi.Device, *placed.Mapper](8)
	p.mutex.Unlock()

	for _, mapper := range mappers {
		mapper.Close()
	}

	err := p.regions.Unreserve(p.poolBase, p.options.PoolSize)
	if err != nil {
		p.logger.Error("PlacedMemory::Shutdown could not return the pool reservation",
			slog.String("error", err.Error()),
		)
	}
}

// Pool exposes the shared address pool, mostly for diagnostics.
func (p *PlacedMemory) Pool() *vaddr.Pool {
	return p.pool
}

// DumpState populates a json object with the pool layout and every device's
// active mappings.
func (p *PlacedMemory) DumpState(json jwriter.ObjectState) {
	poolObj := json.Name("Pool").Object()
	p.pool.PoolJsonData(poolObj)
	poolObj.End()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	arrayState := json.Name("Devices").Array()
	defer arrayState.End()

	p.mappers.Iter(func(device vkabi.Device, mapper *placed.Mapper) bool {
		obj := arrayState.Object()
		mapper.DumpMappings(obj)
		obj.End()
		return false
	})
}

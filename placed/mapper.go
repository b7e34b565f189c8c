package placed

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/vaddr"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// mappingRecord tracks one currently-mapped device memory object. At most one
// mapping per memory object exists at a time.
type mappingRecord struct {
	offset int
	size   int

	// driverAddress is where the driver mapped the memory; address is what
	// the application was handed. They differ only when placed is set.
	driverAddress uintptr
	address       uintptr
	placed        bool
}

// MapperOptions adjusts placement policy for a Mapper.
type MapperOptions struct {
	// PlaceUnrequested makes the mapper route mappings through the address
	// pool even when the caller did not ask for a particular address, so
	// every mapping exercises the same redirection path.
	PlaceUnrequested bool
}

// Mapper wraps one device's map/unmap driver calls with placed-address
// support. When a mapping requests a specific target address, the mapper
// reserves it from the shared address pool, binds accessible pages there, and
// hands the application that address instead of the driver's. The driver's
// own mapping stays live underneath for the driver's benefit.
type Mapper struct {
	logger *slog.Logger
	device vkabi.Device

	driverMap   vkabi.MapMemoryFunc
	driverUnmap vkabi.UnmapMemoryFunc

	pool    *vaddr.Pool
	regions RegionMapper
	options MapperOptions

	mutex    sync.Mutex
	mappings *swiss.Map[vkabi.DeviceMemory, *mappingRecord]
}

// NewMapper creates a Mapper for one device. The pool and region mapper are
// shared across devices; the driver functions are the device's own map/unmap
// entry points resolved through its parent instance.
func NewMapper(
	logger *slog.Logger,
	device vkabi.Device,
	driverMap vkabi.MapMemoryFunc,
	driverUnmap vkabi.UnmapMemoryFunc,
	pool *vaddr.Pool,
	regions RegionMapper,
	options MapperOptions,
) (*Mapper, error) {
	if driverMap == nil || driverUnmap == nil {
		return nil, errors.New("placed.NewMapper requires the driver's map and unmap functions")
	}
	if pool == nil {
		return nil, errors.New("placed.NewMapper requires an address pool")
	}
	if regions == nil {
		return nil, errors.New("placed.NewMapper requires a region mapper")
	}

	return &Mapper{
		logger:      logger,
		device:      device,
		driverMap:   driverMap,
		driverUnmap: driverUnmap,
		pool:        pool,
		regions:     regions,
		options:     options,
		mappings:    swiss.NewMap[vkabi.DeviceMemory, *mappingRecord](8),
	}, nil
}

// MapMemory maps a memory region through the driver and, when possible,
// redirects it to a placed address. A non-zero preferredAddress asks for that
// exact placement; if the pool cannot reserve it, the mapping falls back to
// the driver's address with a warning rather than failing. If redirection
// setup fails after the driver mapping succeeded, both the pool reservation
// and the driver mapping are rolled back before returning- no half-established
// state is left behind.
//
// Mapping memory that is already mapped returns the existing address.
func (m *Mapper) MapMemory(memory vkabi.DeviceMemory, offset int, size int, preferredAddress uintptr) (uintptr, common.VkResult, error) {
	m.logger.Debug("Mapper::MapMemory",
		slog.Uint64("memory", uint64(memory)),
		slog.Int("offset", offset),
		slog.Int("size", size),
		slog.Uint64("preferredAddress", uint64(preferredAddress)),
	)

	if memory == vkabi.DeviceMemory(vkabi.NullHandle) {
		return 0, core1_0.VKErrorMemoryMapFailed, errors.New("MapMemory called with a null memory handle")
	}
	if size <= 0 {
		return 0, core1_0.VKErrorMemoryMapFailed, errors.Newf("MapMemory called with a non-positive size %d", size)
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if existing, ok := m.mappings.Get(memory); ok {
		m.logger.Warn("Mapper::MapMemory memory is already mapped, returning the existing mapping",
			slog.Uint64("memory", uint64(memory)),
		)
		return existing.address, core1_0.VKSuccess, nil
	}

	driverAddress, res := m.driverMap(m.device, memory, offset, size, 0)
	if res != core1_0.VKSuccess {
		return 0, res, res.ToError()
	}
	if driverAddress == 0 {
		return 0, core1_0.VKErrorMemoryMapFailed, errors.New("the driver reported success but returned a null mapped address")
	}

	record := &mappingRecord{
		offset:        offset,
		size:          size,
		driverAddress: driverAddress,
		address:       driverAddress,
	}

	if preferredAddress != 0 {
		err := m.pool.AllocateExact(preferredAddress, size)
		if err != nil {
			m.logger.Warn("Mapper::MapMemory could not reserve the preferred address, falling back to the driver's",
				slog.Uint64("preferredAddress", uint64(preferredAddress)),
				slog.String("error", err.Error()),
			)
		} else if res, err := m.redirect(memory, record, preferredAddress); err != nil {
			return 0, res, err
		}
	} else if m.options.PlaceUnrequested {
		placedAddress, err := m.pool.AllocateAny(size, 0)
		if err == nil {
			if res, err := m.redirect(memory, record, placedAddress); err != nil {
				return 0, res, err
			}
		}
	}

	m.mappings.Put(memory, record)

	m.logger.Debug("Mapper::MapMemory established",
		slog.Uint64("memory", uint64(memory)),
		slog.Uint64("driverAddress", uint64(record.driverAddress)),
		slog.Uint64("address", uint64(record.address)),
		slog.Bool("placed", record.placed),
	)
	return record.address, core1_0.VKSuccess, nil
}

// redirect binds accessible pages at target and flips record over to it. On
// failure the pool reservation and the driver mapping are both released.
// Caller must hold m.mutex and have already reserved target from the pool.
func (m *Mapper) redirect(memory vkabi.DeviceMemory, record *mappingRecord, target uintptr) (common.VkResult, error) {
	if target != record.driverAddress {
		err := m.regions.Bind(target, record.size)
		if err != nil {
			m.logger.Error("Mapper::MapMemory failed to set up redirection, rolling back",
				slog.Uint64("target", uint64(target)),
				slog.String("error", err.Error()),
			)

			if freeErr := m.pool.Free(target); freeErr != nil {
				m.logger.Error("Mapper::MapMemory rollback could not release the pool reservation",
					slog.String("error", freeErr.Error()),
				)
			}
			m.driverUnmap(m.device, memory)

			return core1_0.VKErrorMemoryMapFailed, errors.Wrapf(err, "placing memory 0x%x at 0x%x", uint64(memory), target)
		}
	}

	record.address = target
	record.placed = true
	return core1_0.VKSuccess, nil
}

// UnmapMemory reverses MapMemory. Redirection teardown and pool release only
// happen when redirection was active. Unmapping memory that is not mapped is
// tolerated as a no-op with a warning- double unmaps arrive from applications
// and driver-internal paths alike.
func (m *Mapper) UnmapMemory(memory vkabi.DeviceMemory) (common.VkResult, error) {
	m.logger.Debug("Mapper::UnmapMemory", slog.Uint64("memory", uint64(memory)))

	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.mappings.Get(memory)
	if !ok {
		m.logger.Warn("Mapper::UnmapMemory memory is not mapped",
			slog.Uint64("memory", uint64(memory)),
		)
		return core1_0.VKSuccess, nil
	}

	m.releaseRecordLocked(memory, record)
	m.mappings.Delete(memory)

	return core1_0.VKSuccess, nil
}

func (m *Mapper) releaseRecordLocked(memory vkabi.DeviceMemory, record *mappingRecord) {
	if record.placed {
		if record.address != record.driverAddress {
			err := m.regions.Release(record.address, record.size)
			if err != nil {
				m.logger.Error("Mapper::UnmapMemory could not release the redirected range",
					slog.Uint64("address", uint64(record.address)),
					slog.String("error", err.Error()),
				)
			}
		}

		err := m.pool.Free(record.address)
		if err != nil {
			m.logger.Error("Mapper::UnmapMemory could not release the pool reservation",
				slog.Uint64("address", uint64(record.address)),
				slog.String("error", err.Error()),
			)
		}
	}

	m.driverUnmap(m.device, memory)
}

// MappedAddress returns the wrapper-exposed address for a mapped memory
// object.
func (m *Mapper) MappedAddress(memory vkabi.DeviceMemory) (uintptr, bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	record, ok := m.mappings.Get(memory)
	if !ok {
		return 0, false
	}
	return record.address, true
}

// IsMapped reports whether a memory object currently has a mapping.
func (m *Mapper) IsMapped(memory vkabi.DeviceMemory) bool {
	_, ok := m.MappedAddress(memory)
	return ok
}

// Close unmaps everything the mapper still tracks. Used when the owning
// device goes away with mappings outstanding.
func (m *Mapper) Close() {
	m.logger.Debug("Mapper::Close")

	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.mappings.Iter(func(memory vkabi.DeviceMemory, record *mappingRecord) bool {
		m.releaseRecordLocked(memory, record)
		return false
	})
	m.mappings = swiss.NewMap[vkabi.DeviceMemory, *mappingRecord](8)
}

// DumpMappings populates a json object with the mapper's active mappings.
func (m *Mapper) DumpMappings(json jwriter.ObjectState) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	json.Name("Device").Int(int(m.device))
	json.Name("MappingCount").Int(m.mappings.Count())

	arrayState := json.Name("Mappings").Array()
	defer arrayState.End()

	m.mappings.Iter(func(memory vkabi.DeviceMemory, record *mappingRecord) bool {
		obj := arrayState.Object()

		obj.Name("Memory").Int(int(memory))
		obj.Name("Offset").Int(record.offset)
		obj.Name("Size").Int(record.size)
		obj.Name("DriverAddress").Int(int(record.driverAddress))
		obj.Name("Address").Int(int(record.address))
		obj.Name("Placed").Bool(record.placed)

		obj.End()
		return false
	})
}

package lifecycle

import (
	"sync"
	"time"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// Teardown is deferred cleanup work for an instance that has been erased from
// the registry- driver-level destruction plus any window-system state tied to
// the instance. The registry hands it back to whichever caller completed the
// erase; that caller must execute it after releasing all of its own locks,
// since teardown re-enters the driver and collaborators that may call back
// into the registry.
type Teardown func()

// instanceRecord tracks one real-driver instance handle. The handle itself is
// owned by the driver and never dereferenced here.
type instanceRecord struct {
	references int
	doomed     bool
	doomedAt   time.Time
	teardown   Teardown

	// seq orders instances by creation so parent resolution can fall back to
	// the most recently created one.
	seq uint64
}

// Registry is the instance/device lifecycle manager. It owns the mapping from
// opaque driver handles to wrapper-tracked state: instance reference counts,
// deferred-destruction flags, and device parent relationships. A single mutex
// serializes every mutation so that no two state transitions interleave
// observably.
//
// Destruction is a two-phase state machine. RequestDestroy marks the instance
// doomed; the driver-level destroy fires only when the instance is doomed AND
// its reference count has reached zero, from whichever of RequestDestroy or
// RemoveReference observes both conditions first. Surface creation can race
// with application-initiated instance destruction, and destroying the driver
// instance while a surface call still holds a reference would corrupt the
// driver's internal state.
type Registry struct {
	logger *slog.Logger
	mutex  sync.Mutex

	instances *swiss.Map[vkabi.Instance, *instanceRecord]
	devices   *swiss.Map[vkabi.Device, vkabi.Instance]
	nextSeq   uint64
}

// NewRegistry creates an empty lifecycle registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:    logger,
		instances: swiss.NewMap[vkabi.Instance, *instanceRecord](8),
		devices:   swiss.NewMap[vkabi.Device, vkabi.Instance](8),
	}
}

// RegisterInstance begins tracking a driver instance with a reference count
// of 1. Drivers may reuse handle values, so re-registering a known handle
// resets its record rather than inserting a duplicate- logged as a warning,
// not an error.
func (r *Registry) RegisterInstance(instance vkabi.Instance) {
	r.logger.Debug("Registry::RegisterInstance", slog.Uint64("instance", uint64(instance)))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.instances.Get(instance); ok {
		r.logger.Warn("Registry::RegisterInstance is reusing a tracked handle, resetting its state",
			slog.Uint64("instance", uint64(instance)),
		)
	}

	r.nextSeq++
	r.instances.Put(instance, &instanceRecord{
		references: 1,
		seq:        r.nextSeq,
	})
}

// AddReference increments an instance's reference count. Unknown handles are
// tolerated as no-ops with a warning- the call can originate from
// driver-internal paths the registry never observed.
func (r *Registry) AddReference(instance vkabi.Instance) {
	r.logger.Debug("Registry::AddReference", slog.Uint64("instance", uint64(instance)))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.instances.Get(instance)
	if !ok {
		r.logger.Warn("Registry::AddReference called for an untracked instance",
			slog.Uint64("instance", uint64(instance)),
		)
		return
	}

	record.references++
}

// RemoveReference decrements an instance's reference count. When the count
// reaches zero on an instance already marked for destruction, the record is
// erased and the instance's Teardown is returned for the caller to run
// outside any locks. In every other case the return value is nil. Unknown
// handles are tolerated as no-ops with a warning.
func (r *Registry) RemoveReference(instance vkabi.Instance) Teardown {
	r.logger.Debug("Registry::RemoveReference", slog.Uint64("instance", uint64(instance)))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.instances.Get(instance)
	if !ok {
		r.logger.Warn("Registry::RemoveReference called for an untracked instance",
			slog.Uint64("instance", uint64(instance)),
		)
		return nil
	}

	record.references--

	// The doomed check must happen under the same lock acquisition as the
	// decrement, or a racing RequestDestroy could fire the teardown twice.
	if record.doomed && record.references <= 0 {
		return r.eraseLocked(instance, record)
	}

	return nil
}

// RequestDestroy marks an instance for destruction. If no references remain
// the record is erased immediately and teardown is returned for the caller to
// run outside any locks; otherwise the erase happens in the RemoveReference
// call that drops the last reference, and this returns nil. The teardown
// passed here is retained until that point and is executed exactly once.
func (r *Registry) RequestDestroy(instance vkabi.Instance, teardown Teardown) Teardown {
	r.logger.Debug("Registry::RequestDestroy", slog.Uint64("instance", uint64(instance)))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.instances.Get(instance)
	if !ok {
		r.logger.Warn("Registry::RequestDestroy called for an untracked instance",
			slog.Uint64("instance", uint64(instance)),
		)
		return nil
	}

	record.doomed = true
	record.doomedAt = time.Now()
	record.teardown = teardown

	if record.references <= 0 {
		return r.eraseLocked(instance, record)
	}

	r.logger.Debug("Registry::RequestDestroy deferring destruction",
		slog.Uint64("instance", uint64(instance)),
		slog.Int("references", record.references),
	)
	return nil
}

// eraseLocked removes an instance record and its device associations and
// hands back the teardown. Caller must hold r.mutex.
func (r *Registry) eraseLocked(instance vkabi.Instance, record *instanceRecord) Teardown {
	r.instances.Delete(instance)

	var orphaned []vkabi.Device
	r.devices.Iter(func(device vkabi.Device, parent vkabi.Instance) bool {
		if parent == instance {
			orphaned = append(orphaned, device)
		}
		return false
	})
	for _, device := range orphaned {
		r.devices.Delete(device)
	}

	teardown := record.teardown
	record.teardown = nil
	return teardown
}

// RegisterDevice associates a device handle with its parent instance.
func (r *Registry) RegisterDevice(device vkabi.Device, parent vkabi.Instance) {
	r.logger.Debug("Registry::RegisterDevice",
		slog.Uint64("device", uint64(device)),
		slog.Uint64("parent", uint64(parent)),
	)

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.devices.Put(device, parent)
}

// UnregisterDevice drops a device's parent association. Unknown devices are
// tolerated as no-ops with a warning.
func (r *Registry) UnregisterDevice(device vkabi.Device) {
	r.logger.Debug("Registry::UnregisterDevice", slog.Uint64("device", uint64(device)))

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if _, ok := r.devices.Get(device); !ok {
		r.logger.Warn("Registry::UnregisterDevice called for an untracked device",
			slog.Uint64("device", uint64(device)),
		)
		return
	}

	r.devices.Delete(device)
}

// ResolveParentInstance returns the instance a device-level call should
// resolve driver functions through. When the device has no recorded parent it
// falls back to the most recently created instance, then to any tracked
// instance. Driver callback paths do not always carry the originating
// instance, and a best-effort guess beats failing the call; under heavy
// multi-instance use the guess can be wrong.
func (r *Registry) ResolveParentInstance(device vkabi.Device) (vkabi.Instance, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if parent, ok := r.devices.Get(device); ok {
		return parent, true
	}

	r.logger.Warn("Registry::ResolveParentInstance has no parent recorded, guessing",
		slog.Uint64("device", uint64(device)),
	)

	return r.mostRecentInstanceLocked()
}

// AnyInstance returns an arbitrary tracked instance, preferring the most
// recently created one. Used for instance-level forwards that arrive with a
// null instance handle.
func (r *Registry) AnyInstance() (vkabi.Instance, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.mostRecentInstanceLocked()
}

func (r *Registry) mostRecentInstanceLocked() (vkabi.Instance, bool) {
	var best vkabi.Instance
	var bestSeq uint64
	r.instances.Iter(func(instance vkabi.Instance, record *instanceRecord) bool {
		if record.seq > bestSeq {
			best = instance
			bestSeq = record.seq
		}
		return false
	})

	if bestSeq == 0 {
		return vkabi.Instance(vkabi.NullHandle), false
	}
	return best, true
}

// InstanceCount returns the number of currently tracked instances.
func (r *Registry) InstanceCount() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	return r.instances.Count()
}

// References returns the current reference count for an instance, or false if
// it is not tracked.
func (r *Registry) References(instance vkabi.Instance) (int, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	record, ok := r.instances.Get(instance)
	if !ok {
		return 0, false
	}
	return record.references, true
}

package dispatch

import (
	"strings"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/interpose/driverbind"
	"github.com/vkngwrapper/interpose/lifecycle"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// WsiTable is the window-system collaborator as the router sees it: a
// classification predicate plus a function-table accessor. Function may
// return nil for an owned name that the collaborator cannot serve.
type WsiTable interface {
	OwnsFunction(name string) bool
	Function(name string) vkabi.ProcAddr
}

// unstableNameFragments matches entry points of driver features known to be
// unstable on the hardware this shim targets. Requests for them are refused
// outright instead of forwarded.
var unstableNameFragments = []string{
	"AccelerationStructure",
	"RayTracing",
	"TraceRays",
	"MeshTasks",
}

func isUnstableName(name string) bool {
	for _, fragment := range unstableNameFragments {
		if strings.Contains(name, fragment) {
			return true
		}
	}
	return false
}

// Router is the function-resolution router every application call funnels
// through. For each requested name it picks, in strict priority order: a
// wrapper-intrinsic implementation, the window-system collaborator's
// implementation, an unconditional refusal for unstable driver features, or
// a forward to the real driver. The first match wins; nothing falls through
// once served.
type Router struct {
	logger   *slog.Logger
	binding  driverbind.Binding
	registry *lifecycle.Registry
	wsi      WsiTable

	intrinsics map[string]vkabi.ProcAddr

	cacheMutex     sync.Mutex
	instanceCaches *swiss.Map[vkabi.Instance, *swiss.Map[string, vkabi.ProcAddr]]
	deviceCaches   *swiss.Map[vkabi.Device, *swiss.Map[string, vkabi.ProcAddr]]
}

// NewRouter creates a router over the given collaborators. Wrapper-intrinsic
// functions are registered afterwards with RegisterIntrinsic, before the
// router serves its first request.
func NewRouter(logger *slog.Logger, binding driverbind.Binding, registry *lifecycle.Registry, wsi WsiTable) *Router {
	return &Router{
		logger:   logger,
		binding:  binding,
		registry: registry,
		wsi:      wsi,

		intrinsics:     map[string]vkabi.ProcAddr{},
		instanceCaches: swiss.NewMap[vkabi.Instance, *swiss.Map[string, vkabi.ProcAddr]](8),
		deviceCaches:   swiss.NewMap[vkabi.Device, *swiss.Map[string, vkabi.ProcAddr]](8),
	}
}

// RegisterIntrinsic installs a wrapper-owned implementation for name. These
// are the administrative functions that need side effects the driver doesn't
// know about- they are always served here and never forwarded.
func (r *Router) RegisterIntrinsic(name string, proc vkabi.ProcAddr) {
	r.intrinsics[name] = proc
}

// InstanceProcAddr resolves an instance-level entry point.
func (r *Router) InstanceProcAddr(instance vkabi.Instance, name string) vkabi.ProcAddr {
	r.logger.Debug("Router::InstanceProcAddr", slog.String("name", name))

	if name == "" {
		r.logger.Warn("Router::InstanceProcAddr called with an empty name")
		return nil
	}

	if proc, ok := r.intrinsics[name]; ok {
		return proc
	}

	if r.wsi.OwnsFunction(name) {
		if proc := r.wsi.Function(name); proc != nil {
			return proc
		}
		return nil
	}

	if isUnstableName(name) {
		r.logger.Debug("Router::InstanceProcAddr refusing unstable entry point",
			slog.String("name", name),
		)
		return nil
	}

	// Forwards that arrive with a null instance resolve through any tracked
	// instance when one exists; some drivers refuse instance-level lookups
	// at global scope. With nothing tracked the null lookup goes through
	// as-is.
	if instance == vkabi.Instance(vkabi.NullHandle) {
		if fallback, ok := r.registry.AnyInstance(); ok {
			instance = fallback
		}
	}

	if proc := r.cachedInstanceProc(instance, name); proc != nil {
		return proc
	}

	proc := r.binding.InstanceProcAddr(instance, name)
	if proc != nil {
		r.cacheInstanceProc(instance, name, proc)
	}
	return proc
}

// DeviceProcAddr resolves a device-level entry point through the device's
// parent instance.
func (r *Router) DeviceProcAddr(device vkabi.Device, name string) vkabi.ProcAddr {
	r.logger.Debug("Router::DeviceProcAddr", slog.String("name", name))

	if name == "" {
		r.logger.Warn("Router::DeviceProcAddr called with an empty name")
		return nil
	}

	// This must resolve to the wrapper's own resolver in every case.
	// Handing the application the driver's resolver would let subsequent
	// device-level lookups bypass classification entirely, silently cutting
	// the window-system layer out of the chain.
	if proc, ok := r.intrinsics[name]; ok {
		return proc
	}

	if r.wsi.OwnsFunction(name) {
		if proc := r.wsi.Function(name); proc != nil {
			return proc
		}
		return nil
	}

	if isUnstableName(name) {
		r.logger.Debug("Router::DeviceProcAddr refusing unstable entry point",
			slog.String("name", name),
		)
		return nil
	}

	if proc := r.cachedDeviceProc(device, name); proc != nil {
		return proc
	}

	parent, ok := r.registry.ResolveParentInstance(device)
	if !ok {
		r.logger.Warn("Router::DeviceProcAddr has no instance to resolve through",
			slog.String("name", name),
		)
		return nil
	}

	resolver, err := r.binding.DeviceProcAddr(parent)
	if err != nil {
		r.logger.Warn("Router::DeviceProcAddr could not obtain the driver's device resolver",
			slog.String("name", name),
			slog.String("error", err.Error()),
		)
		return nil
	}

	proc := resolver(device, name)
	if proc != nil {
		r.cacheDeviceProc(device, name, proc)
	}
	return proc
}

// InvalidateInstance drops the forwarded-function cache for an instance.
// Call it when the instance is destroyed so a reused handle value cannot
// serve stale driver pointers.
func (r *Router) InvalidateInstance(instance vkabi.Instance) {
	r.cacheMutex.Lock()
	defer r.cacheMutex.Unlock()

	r.instanceCaches.Delete(instance)
}

// InvalidateDevice drops the forwarded-function cache for a device.
func (r *Router) InvalidateDevice(device vkabi.Device) {
	r.cacheMutex.Lock()
	defer r.cacheMutex.Unlock()

	r.deviceCaches.Delete(device)
}

func (r *Router) cachedInstanceProc(instance vkabi.Instance, name string) vkabi.ProcAddr {
	r.cacheMutex.Lock()
	defer r.cacheMutex.Unlock()

	cache, ok := r.instanceCaches.Get(instance)
	if !ok {
		return nil
	}
	proc, _ := cache.Get(name)
	return proc
}

func (r *Router) cacheInstanceProc(instance vkabi.Instance, name string, proc vkabi.ProcAddr) {
	r.cacheMutex.Lock()
	defer r.cacheMutex.Unlock()

	cache, ok := r.instanceCaches.Get(instance)
	if !ok {
		cache = swiss.NewMap[string, vkabi.ProcAddr](32)
		r.instanceCaches.Put(instance, cache)
	}
	cache.Put(name, proc)
}

func (r *Router) cachedDeviceProc(device vkabi.Device, name string) vkabi.ProcAddr {
	r.cacheMutex.Lock()
	defer r.cacheMutex.Unlock()

	cache, ok := r.deviceCaches.Get(device)
	if !ok {
		return nil
	}
	proc, _ := cache.Get(name)
	return proc
}

func (r *Router) cacheDeviceProc(device vkabi.Device, name string, proc vkabi.ProcAddr) {
	r.cacheMutex.Lock()
	defer r.cacheMutex.Unlock()

	cache, ok := r.deviceCaches.Get(device)
	if !ok {
		cache = swiss.NewMap[string, vkabi.ProcAddr](32)
		r.deviceCaches.Put(device, cache)
	}
	cache.Put(name, proc)
}

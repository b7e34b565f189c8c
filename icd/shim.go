package icd

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/dispatch"
	"github.com/vkngwrapper/interpose/driverbind"
	"github.com/vkngwrapper/interpose/extension"
	"github.com/vkngwrapper/interpose/lifecycle"
	"github.com/vkngwrapper/interpose/placed"
	"github.com/vkngwrapper/interpose/vkabi"
	"github.com/vkngwrapper/interpose/wsi"
	"golang.org/x/exp/slog"
)

// LoaderInterfaceVersion is the highest loader/driver interface version the
// wrapper negotiates. Version 5 is the minimum that lets the loader discover
// the wrapper through vk_icdGetInstanceProcAddr alone.
const LoaderInterfaceVersion = 5

// Shim is the process-scoped interception service. It owns the driver
// binding, the instance/device lifecycle registry, the function router, the
// window-system provider, and the capability extensions, and exposes the
// discovery entry points the loader calls into.
type Shim struct {
	logger *slog.Logger

	binding    driverbind.Binding
	registry   *lifecycle.Registry
	router     *dispatch.Router
	wsi        *wsi.HeadlessProvider
	extensions *extension.Registry

	teardownOnce sync.Once
}

// instanceReferences adapts the lifecycle registry to the reference callback
// the window-system provider expects. Removing a reference can complete a
// deferred destroy; the returned teardown runs here, outside every registry
// lock.
type instanceReferences struct {
	registry *lifecycle.Registry
}

func (r instanceReferences) AddReference(instance vkabi.Instance) {
	r.registry.AddReference(instance)
}

func (r instanceReferences) RemoveReference(instance vkabi.Instance) {
	if teardown := r.registry.RemoveReference(instance); teardown != nil {
		teardown()
	}
}

// NewShim binds to the real driver through source and wires the full
// interception stack over it. A nil regions mapper takes the operating
// system's; a nil logger gets the environment's defaults.
func NewShim(options Options, source driverbind.SymbolSource, regions placed.RegionMapper) (*Shim, error) {
	logger := options.Logger
	if logger == nil {
		logger = OptionsFromEnvironment().Logger
	}
	if regions == nil {
		regions = placed.NewOSRegionMapper()
	}

	binding, err := driverbind.NewLibraryBinding(logger, source)
	if err != nil {
		return nil, errors.Wrapf(err, "binding to the real driver")
	}

	registry := lifecycle.NewRegistry(logger)
	wsiProvider := wsi.NewHeadlessProvider(logger, instanceReferences{registry: registry})
	router := dispatch.NewRouter(logger, binding, registry, wsiProvider)
	extensions := extension.NewRegistry(logger)

	s := &Shim{
		logger:     logger,
		binding:    binding,
		registry:   registry,
		router:     router,
		wsi:        wsiProvider,
		extensions: extensions,
	}

	placedMemory, err := extension.NewPlacedMemory(logger, regions, extension.PlacedMemoryOptions{
		PoolBase:         options.PoolBase,
		PoolSize:         options.PoolSize,
		PlaceUnrequested: options.PlaceUnrequested,
	})
	if err != nil {
		// The rest of the stack is useful without placed mappings, so a
		// failed pool reservation degrades the extension away instead of
		// failing the whole shim.
		logger.Warn("Shim::NewShim running without placed memory support",
			slog.String("error", err.Error()),
		)
	} else {
		err = extensions.Register(placedMemory)
		if err != nil {
			return nil, err
		}
	}

	s.registerIntrinsics()
	return s, nil
}

// registerIntrinsics installs the wrapper-owned entry points in the router's
// highest-priority set. Extension-intercepted names are installed here too so
// that routing never has to consult the extension registry.
func (s *Shim) registerIntrinsics() {
	s.router.RegisterIntrinsic("vkGetInstanceProcAddr",
		vkabi.GetInstanceProcAddrFunc(s.GetInstanceProcAddr))
	s.router.RegisterIntrinsic("vkGetDeviceProcAddr",
		vkabi.GetDeviceProcAddrFunc(s.GetDeviceProcAddr))
	s.router.RegisterIntrinsic("vkCreateInstance",
		vkabi.CreateInstanceFunc(func(createInfo *vkabi.InstanceCreateInfo) (vkabi.Instance, common.VkResult) {
			instance, res, _ := s.CreateInstance(createInfo)
			return instance, res
		}))
	s.router.RegisterIntrinsic("vkDestroyInstance",
		vkabi.DestroyInstanceFunc(s.DestroyInstance))
	s.router.RegisterIntrinsic("vkCreateDevice",
		vkabi.CreateDeviceFunc(func(physicalDevice vkabi.PhysicalDevice, createInfo *vkabi.DeviceCreateInfo) (vkabi.Device, common.VkResult) {
			device, res, _ := s.CreateDevice(physicalDevice, createInfo)
			return device, res
		}))
	s.router.RegisterIntrinsic("vkDestroyDevice",
		vkabi.DestroyDeviceFunc(s.DestroyDevice))
	s.router.RegisterIntrinsic("vkEnumerateInstanceExtensionProperties",
		vkabi.EnumerateInstanceExtensionPropertiesFunc(s.EnumerateInstanceExtensionProperties))

	for _, name := range s.extensions.InterceptedFunctions() {
		s.router.RegisterIntrinsic(name, s.extensions.InterceptedProc(name))
	}
}

// NegotiateLoaderInterfaceVersion reports the interface version the wrapper
// speaks. The loader passes the highest version it supports; the wrapper
// answers with its own, and the lower of the two governs.
func (s *Shim) NegotiateLoaderInterfaceVersion(loaderVersion int) int {
	if loaderVersion < LoaderInterfaceVersion {
		return loaderVersion
	}
	return LoaderInterfaceVersion
}

// GetInstanceProcAddr is the discovery entry point. All classification is
// delegated to the router.
func (s *Shim) GetInstanceProcAddr(instance vkabi.Instance, name string) vkabi.ProcAddr {
	return s.router.InstanceProcAddr(instance, name)
}

// GetDeviceProcAddr resolves device-level entry points through the router.
func (s *Shim) GetDeviceProcAddr(device vkabi.Device, name string) vkabi.ProcAddr {
	return s.router.DeviceProcAddr(device, name)
}

// wrapperExtensionNames is the set of extension names the wrapper itself
// implements. These are stripped from create infos before forwarding, since
// the real driver does not know them and would fail the call.
func (s *Shim) wrapperExtensionNames() map[string]struct{} {
	names := map[string]struct{}{}
	for _, properties := range wsi.AdvertisedExtensions() {
		names[properties.ExtensionName] = struct{}{}
	}
	for _, properties := range s.extensions.SupportedExtensions() {
		names[properties.ExtensionName] = struct{}{}
	}
	return names
}

func stripExtensionNames(enabled []string, owned map[string]struct{}) []string {
	forwarded := make([]string, 0, len(enabled))
	for _, name := range enabled {
		if _, ok := owned[name]; ok {
			continue
		}
		forwarded = append(forwarded, name)
	}
	return forwarded
}

// CreateInstance forwards instance creation to the real driver, with the
// wrapper-implemented extensions removed from the enabled set, and starts
// tracking the new instance with one reference held by the application.
func (s *Shim) CreateInstance(createInfo *vkabi.InstanceCreateInfo) (vkabi.Instance, common.VkResult, error) {
	s.logger.Debug("Shim::CreateInstance")

	if createInfo == nil {
		return vkabi.Instance(vkabi.NullHandle), core1_0.VKErrorInitializationFailed,
			errors.New("CreateInstance called with a nil create info")
	}

	forwarded := *createInfo
	forwarded.EnabledExtensionNames = stripExtensionNames(
		createInfo.EnabledExtensionNames, s.wrapperExtensionNames())

	instance, res, err := s.binding.CreateInstance(&forwarded)
	if err != nil {
		return instance, res, err
	}

	s.registry.RegisterInstance(instance)
	return instance, res, nil
}

// DestroyInstance requests destruction of an instance and releases the
// registration reference the application has held since CreateInstance. With
// no other references outstanding the driver destroy fires here; when live
// surfaces still hold references it is deferred until the last one is
// released.
func (s *Shim) DestroyInstance(instance vkabi.Instance) {
	s.logger.Debug("Shim::DestroyInstance", slog.Uint64("instance", uint64(instance)))

	if instance == vkabi.Instance(vkabi.NullHandle) {
		s.logger.Warn("Shim::DestroyInstance called with a null instance")
		return
	}

	// The driver proc is resolved now, while the instance is certainly
	// alive; the closure may run much later from whoever drops the last
	// reference.
	driverDestroy, _ := s.binding.InstanceProcAddr(instance, "vkDestroyInstance").(vkabi.DestroyInstanceFunc)

	teardown := s.registry.RequestDestroy(instance, func() {
		if driverDestroy != nil {
			driverDestroy(instance)
		}
		s.wsi.ReleaseInstance(instance)
		s.router.InvalidateInstance(instance)
		s.binding.ForgetInstance(instance)
	})
	if teardown == nil {
		teardown = s.registry.RemoveReference(instance)
	}
	if teardown != nil {
		teardown()
	}
}

// CreateDevice forwards device creation through an instance's chain and
// initializes every registered extension against the new device. The ABI call
// does not say which instance the physical device belongs to, so the wrapper
// resolves through its best guess.
func (s *Shim) CreateDevice(physicalDevice vkabi.PhysicalDevice, createInfo *vkabi.DeviceCreateInfo) (vkabi.Device, common.VkResult, error) {
	s.logger.Debug("Shim::CreateDevice")

	nullDevice := vkabi.Device(vkabi.NullHandle)
	if createInfo == nil {
		return nullDevice, core1_0.VKErrorInitializationFailed,
			errors.New("CreateDevice called with a nil create info")
	}

	parent, ok := s.registry.AnyInstance()
	if !ok {
		return nullDevice, core1_0.VKErrorInitializationFailed,
			errors.New("CreateDevice called with no live instance to resolve through")
	}

	driverCreate, ok := s.binding.InstanceProcAddr(parent, "vkCreateDevice").(vkabi.CreateDeviceFunc)
	if !ok {
		return nullDevice, core1_0.VKErrorInitializationFailed,
			errors.New("the driver did not provide vkCreateDevice")
	}

	forwarded := *createInfo
	forwarded.EnabledExtensionNames = stripExtensionNames(
		createInfo.EnabledExtensionNames, s.wrapperExtensionNames())

	device, res := driverCreate(physicalDevice, &forwarded)
	if res != core1_0.VKSuccess {
		return nullDevice, res, res.ToError()
	}

	s.registry.RegisterDevice(device, parent)

	res, err := s.extensions.InitializeDevice(device, s.GetDeviceProcAddr)
	if err != nil {
		s.registry.UnregisterDevice(device)
		s.router.InvalidateDevice(device)
		if driverDestroy, ok := s.binding.InstanceProcAddr(parent, "vkDestroyDevice").(vkabi.DestroyDeviceFunc); ok {
			driverDestroy(device)
		}
		return nullDevice, res, err
	}

	return device, res, nil
}

// DestroyDevice releases everything the wrapper holds for a device and
// forwards the destroy to the real driver through the parent instance's
// chain.
func (s *Shim) DestroyDevice(device vkabi.Device) {
	s.logger.Debug("Shim::DestroyDevice", slog.Uint64("device", uint64(device)))

	if device == vkabi.Device(vkabi.NullHandle) {
		s.logger.Warn("Shim::DestroyDevice called with a null device")
		return
	}

	s.extensions.ReleaseDevice(device)
	s.wsi.ReleaseDevice(device)

	if parent, ok := s.registry.ResolveParentInstance(device); ok {
		if driverDestroy, ok := s.binding.InstanceProcAddr(parent, "vkDestroyDevice").(vkabi.DestroyDeviceFunc); ok {
			driverDestroy(device)
		}
	} else {
		s.logger.Warn("Shim::DestroyDevice could not resolve a parent instance, skipping the driver destroy",
			slog.Uint64("device", uint64(device)),
		)
	}

	s.registry.UnregisterDevice(device)
	s.router.InvalidateDevice(device)
}

// EnumerateInstanceExtensionProperties merges the driver-reported instance
// extensions with the ones the wrapper implements itself. Wrapper entries win
// on a name collision so applications see the spec version the wrapper
// actually speaks.
func (s *Shim) EnumerateInstanceExtensionProperties(layerName string) ([]vkabi.ExtensionProperties, common.VkResult) {
	s.logger.Debug("Shim::EnumerateInstanceExtensionProperties", slog.String("layerName", layerName))

	merged := append(wsi.AdvertisedExtensions(), s.extensions.SupportedExtensions()...)
	seen := map[string]struct{}{}
	for _, properties := range merged {
		seen[properties.ExtensionName] = struct{}{}
	}

	nullInstance := vkabi.Instance(vkabi.NullHandle)
	driverEnumerate, ok := s.binding.InstanceProcAddr(nullInstance, "vkEnumerateInstanceExtensionProperties").(vkabi.EnumerateInstanceExtensionPropertiesFunc)
	if ok {
		driverProperties, res := driverEnumerate(layerName)
		if res != core1_0.VKSuccess {
			return nil, res
		}
		for _, properties := range driverProperties {
			if _, duplicate := seen[properties.ExtensionName]; duplicate {
				continue
			}
			seen[properties.ExtensionName] = struct{}{}
			merged = append(merged, properties)
		}
	}

	return merged, core1_0.VKSuccess
}

// Teardown shuts the shim down on library unload: extensions release their
// pools and any device state they still hold. Tracked instances the
// application leaked are its own problem; the process is going away.
func (s *Shim) Teardown() {
	s.teardownOnce.Do(func() {
		s.logger.Debug("Shim::Teardown")
		s.extensions.Shutdown()
	})
}

// Registry exposes the lifecycle registry for inspection.
func (s *Shim) Registry() *lifecycle.Registry {
	return s.registry
}

// Extensions exposes the extension registry for inspection.
func (s *Shim) Extensions() *extension.Registry {
	return s.extensions
}

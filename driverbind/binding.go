package driverbind

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// SymbolSource is the dynamic-library boundary: it resolves exported symbols
// from the real driver's shared library and returns them as typed ProcAddr
// values, nil when the symbol is not exported.
type SymbolSource interface {
	Symbol(name string) vkabi.ProcAddr
}

// Binding is the driver boundary the rest of the shim consumes. Only the two
// functions guaranteed present on every driver are exposed directly; every
// other driver entry point must be fetched through InstanceProcAddr and
// treated as possibly absent.
type Binding interface {
	// InstanceProcAddr resolves a driver entry point by name through the
	// driver's own resolver. A nil instance performs a global-level lookup.
	InstanceProcAddr(instance vkabi.Instance, name string) vkabi.ProcAddr
	// CreateInstance creates an instance in the real driver.
	CreateInstance(createInfo *vkabi.InstanceCreateInfo) (vkabi.Instance, common.VkResult, error)
	// DeviceProcAddr returns the driver's device-level resolver for an
	// instance, fetching it lazily through the instance when the driver did
	// not export the symbol directly.
	DeviceProcAddr(instance vkabi.Instance) (vkabi.GetDeviceProcAddrFunc, error)
	// ForgetInstance drops per-instance state when the instance is
	// destroyed.
	ForgetInstance(instance vkabi.Instance)
}

// LibraryBinding binds to a real driver through a SymbolSource. Drivers
// export their resolver under one of two names; the discovery-specific name
// is preferred when both are present.
type LibraryBinding struct {
	logger *slog.Logger

	getInstanceProcAddr vkabi.GetInstanceProcAddrFunc
	getDeviceProcAddr   vkabi.GetDeviceProcAddrFunc

	deviceResolverMutex sync.Mutex
	deviceResolvers     *swiss.Map[vkabi.Instance, vkabi.GetDeviceProcAddrFunc]
}

var _ Binding = (*LibraryBinding)(nil)

// NewLibraryBinding resolves the driver's guaranteed entry points from source
// and returns a binding over them. It fails when no instance-level resolver
// is exported, since nothing else can be reached without one.
func NewLibraryBinding(logger *slog.Logger, source SymbolSource) (*LibraryBinding, error) {
	if source == nil {
		return nil, errors.New("driverbind.NewLibraryBinding: source cannot be nil")
	}

	binding := &LibraryBinding{
		logger:          logger,
		deviceResolvers: swiss.NewMap[vkabi.Instance, vkabi.GetDeviceProcAddrFunc](8),
	}

	for _, symbolName := range []string{"vk_icdGetInstanceProcAddr", "vkGetInstanceProcAddr"} {
		resolver, ok := source.Symbol(symbolName).(vkabi.GetInstanceProcAddrFunc)
		if ok && resolver != nil {
			logger.Debug("LibraryBinding::NewLibraryBinding", slog.String("resolver", symbolName))
			binding.getInstanceProcAddr = resolver
			break
		}
	}

	if binding.getInstanceProcAddr == nil {
		return nil, errors.New("the driver library exports neither vk_icdGetInstanceProcAddr nor vkGetInstanceProcAddr")
	}

	// Optional direct export- most drivers only publish this through the
	// instance-level resolver.
	if deviceResolver, ok := source.Symbol("vkGetDeviceProcAddr").(vkabi.GetDeviceProcAddrFunc); ok {
		binding.getDeviceProcAddr = deviceResolver
	}

	return binding, nil
}

func (b *LibraryBinding) InstanceProcAddr(instance vkabi.Instance, name string) vkabi.ProcAddr {
	b.logger.Debug("LibraryBinding::InstanceProcAddr", slog.String("name", name))

	return b.getInstanceProcAddr(instance, name)
}

func (b *LibraryBinding) CreateInstance(createInfo *vkabi.InstanceCreateInfo) (vkabi.Instance, common.VkResult, error) {
	b.logger.Debug("LibraryBinding::CreateInstance")

	if createInfo == nil {
		return vkabi.Instance(vkabi.NullHandle), core1_0.VKErrorInitializationFailed, errors.New("CreateInstance called with a nil create info")
	}

	createInstance, ok := b.getInstanceProcAddr(vkabi.Instance(vkabi.NullHandle), "vkCreateInstance").(vkabi.CreateInstanceFunc)
	if !ok || createInstance == nil {
		return vkabi.Instance(vkabi.NullHandle), core1_0.VKErrorInitializationFailed, errors.New("the driver's resolver did not provide vkCreateInstance")
	}

	instance, res := createInstance(createInfo)
	if res != core1_0.VKSuccess {
		return vkabi.Instance(vkabi.NullHandle), res, res.ToError()
	}

	return instance, res, nil
}

func (b *LibraryBinding) DeviceProcAddr(instance vkabi.Instance) (vkabi.GetDeviceProcAddrFunc, error) {
	if b.getDeviceProcAddr != nil {
		return b.getDeviceProcAddr, nil
	}

	b.deviceResolverMutex.Lock()
	defer b.deviceResolverMutex.Unlock()

	resolver, ok := b.deviceResolvers.Get(instance)
	if ok {
		return resolver, nil
	}

	resolver, ok = b.getInstanceProcAddr(instance, "vkGetDeviceProcAddr").(vkabi.GetDeviceProcAddrFunc)
	if !ok || resolver == nil {
		return nil, errors.Newf("the driver did not provide vkGetDeviceProcAddr for instance 0x%x", uintptr(instance))
	}

	b.deviceResolvers.Put(instance, resolver)
	return resolver, nil
}

// ForgetInstance drops the cached device-level resolver for an instance. Call
// it when the instance is destroyed so a reused handle value cannot pick up a
// stale resolver.
func (b *LibraryBinding) ForgetInstance(instance vkabi.Instance) {
	b.deviceResolverMutex.Lock()
	defer b.deviceResolverMutex.Unlock()

	b.deviceResolvers.Delete(instance)
}

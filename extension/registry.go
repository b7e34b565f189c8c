package extension

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// Extension is one wrapper-implemented capability extension. Extensions
// intercept a small set of entry points and advertise themselves alongside
// whatever the driver reports.
type Extension interface {
	Name() string
	SpecVersion() uint

	// InterceptsFunction reports whether this extension serves name;
	// ProcAddr returns the implementation, nil when it has none;
	// InterceptedFunctions lists every name the extension serves.
	InterceptsFunction(name string) bool
	ProcAddr(name string) vkabi.ProcAddr
	InterceptedFunctions() []string

	// InitializeDevice gives the extension a chance to capture the driver
	// functions it wraps, resolved through the new device's chain.
	InitializeDevice(device vkabi.Device, resolver vkabi.GetDeviceProcAddrFunc) (common.VkResult, error)
	ReleaseDevice(device vkabi.Device)

	Shutdown()
}

// Registry holds the wrapper's extensions in registration order with a
// name lookup on the side. Registration happens during shim construction;
// after that the registry is read-only and lookups take no lock.
type Registry struct {
	logger *slog.Logger

	mutex   sync.Mutex
	ordered []Extension
	byName  map[string]Extension
}

// NewRegistry creates an empty extension registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger,
		byName: map[string]Extension{},
	}
}

// Register adds an extension. Registering the same name twice is an error.
func (r *Registry) Register(ext Extension) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	name := ext.Name()
	if _, ok := r.byName[name]; ok {
		return errors.Newf("extension %s is already registered", name)
	}

	r.logger.Debug("Registry::Register", slog.String("extension", name))
	r.ordered = append(r.ordered, ext)
	r.byName[name] = ext
	return nil
}

// ByName returns a registered extension.
func (r *Registry) ByName(name string) (Extension, bool) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	ext, ok := r.byName[name]
	return ext, ok
}

// InterceptedProc returns the implementation of name from the first
// registered extension that intercepts it, nil when none does.
func (r *Registry) InterceptedProc(name string) vkabi.ProcAddr {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, ext := range r.ordered {
		if ext.InterceptsFunction(name) {
			return ext.ProcAddr(name)
		}
	}
	return nil
}

// InterceptedFunctions lists every entry point any registered extension
// serves, in registration order.
func (r *Registry) InterceptedFunctions() []string {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	var names []string
	for _, ext := range r.ordered {
		names = append(names, ext.InterceptedFunctions()...)
	}
	return names
}

// SupportedExtensions lists every registered extension's properties in
// registration order.
func (r *Registry) SupportedExtensions() []vkabi.ExtensionProperties {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	properties := make([]vkabi.ExtensionProperties, 0, len(r.ordered))
	for _, ext := range r.ordered {
		properties = append(properties, vkabi.ExtensionProperties{
			ExtensionName: ext.Name(),
			SpecVersion:   ext.SpecVersion(),
		})
	}
	return properties
}

// InitializeDevice fans a new device out to every extension. The first
// failure wins; extensions initialized before it are released again.
func (r *Registry) InitializeDevice(device vkabi.Device, resolver vkabi.GetDeviceProcAddrFunc) (common.VkResult, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for index, ext := range r.ordered {
		res, err := ext.InitializeDevice(device, resolver)
		if err != nil {
			r.logger.Error("Registry::InitializeDevice extension failed",
				slog.String("extension", ext.Name()),
				slog.String("error", err.Error()),
			)
			for _, initialized := range r.ordered[:index] {
				initialized.ReleaseDevice(device)
			}
			return res, err
		}
	}
	return core1_0.VKSuccess, nil
}

// ReleaseDevice fans device teardown out to every extension.
func (r *Registry) ReleaseDevice(device vkabi.Device) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, ext := range r.ordered {
		ext.ReleaseDevice(device)
	}
}

// Shutdown shuts every extension down in reverse registration order.
func (r *Registry) Shutdown() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for index := len(r.ordered) - 1; index >= 0; index-- {
		r.ordered[index].Shutdown()
	}
}

package wsi

import (
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// Default capabilities reported for synthesized surfaces. There is no real
// presentation engine behind them, so these mirror what common compositors
// advertise.
const (
	defaultMinImageCount = 2
	defaultMaxImageCount = 8
	defaultWidth         = 1920
	defaultHeight        = 1080
)

type surfaceRecord struct {
	instance vkabi.Instance
}

type swapchainRecord struct {
	device    vkabi.Device
	surface   vkabi.Surface
	images    []vkabi.Image
	nextImage int
	retired   bool
}

// HeadlessProvider is a platform-neutral window-system provider. It
// synthesizes surfaces and swapchains with fixed default properties and
// presents into the void- enough to run applications that insist on a
// swapchain without any compositor attached. Platform providers
// (xcb/wayland/...) plug into the same Provider boundary.
type HeadlessProvider struct {
	logger *slog.Logger
	refs   InstanceReferences

	mutex      sync.Mutex
	surfaces   *swiss.Map[vkabi.Surface, *surfaceRecord]
	swapchains *swiss.Map[vkabi.Swapchain, *swapchainRecord]
	nextHandle vkabi.Handle

	functions map[string]vkabi.ProcAddr
}

var _ Provider = (*HeadlessProvider)(nil)

// NewHeadlessProvider creates a headless provider that pins instances through
// refs while surfaces tied to them exist.
func NewHeadlessProvider(logger *slog.Logger, refs InstanceReferences) *HeadlessProvider {
	p := &HeadlessProvider{
		logger:     logger,
		refs:       refs,
		surfaces:   swiss.NewMap[vkabi.Surface, *surfaceRecord](8),
		swapchains: swiss.NewMap[vkabi.Swapchain, *swapchainRecord](8),
		// Synthesized handles start well away from 0 so they are never
		// mistaken for null
		nextHandle: 0x57510000,
	}

	p.functions = map[string]vkabi.ProcAddr{
		"vkCreateHeadlessSurfaceEXT": vkabi.CreateSurfaceFunc(p.CreateSurface),
		"vkDestroySurfaceKHR":        vkabi.DestroySurfaceFunc(p.DestroySurface),

		"vkGetPhysicalDeviceSurfaceSupportKHR":      vkabi.GetSurfaceSupportFunc(p.SurfaceSupport),
		"vkGetPhysicalDeviceSurfaceCapabilitiesKHR": vkabi.GetSurfaceCapabilitiesFunc(p.SurfaceCapabilities),
		"vkGetPhysicalDeviceSurfaceFormatsKHR":      vkabi.GetSurfaceFormatsFunc(p.SurfaceFormats),
		"vkGetPhysicalDeviceSurfacePresentModesKHR": vkabi.GetSurfacePresentModesFunc(p.SurfacePresentModes),

		"vkCreateSwapchainKHR":    vkabi.CreateSwapchainFunc(p.CreateSwapchain),
		"vkDestroySwapchainKHR":   vkabi.DestroySwapchainFunc(p.DestroySwapchain),
		"vkGetSwapchainImagesKHR": vkabi.GetSwapchainImagesFunc(p.SwapchainImages),
		"vkAcquireNextImageKHR":   vkabi.AcquireNextImageFunc(p.AcquireNextImage),
		"vkQueuePresentKHR":       vkabi.QueuePresentFunc(p.QueuePresent),
		"vkGetSwapchainStatusKHR": vkabi.GetSwapchainStatusFunc(p.SwapchainStatus),
	}

	return p
}

func (p *HeadlessProvider) OwnsFunction(name string) bool {
	return IsOwnedFunction(name)
}

func (p *HeadlessProvider) Function(name string) vkabi.ProcAddr {
	return p.functions[name]
}

func (p *HeadlessProvider) newHandleLocked() vkabi.Handle {
	p.nextHandle++
	return p.nextHandle
}

// CreateSurface synthesizes a surface tied to instance and takes a lifecycle
// reference on it, so a racing instance destroy cannot pull the driver
// instance out from underneath the surface.
func (p *HeadlessProvider) CreateSurface(instance vkabi.Instance, createInfo *vkabi.SurfaceCreateInfo) (vkabi.Surface, common.VkResult) {
	p.logger.Debug("HeadlessProvider::CreateSurface", slog.Uint64("instance", uint64(instance)))

	if instance == vkabi.Instance(vkabi.NullHandle) {
		return vkabi.Surface(vkabi.NullHandle), core1_0.VKErrorInitializationFailed
	}

	p.mutex.Lock()
	surface := vkabi.Surface(p.newHandleLocked())
	p.surfaces.Put(surface, &surfaceRecord{instance: instance})
	p.mutex.Unlock()

	p.refs.AddReference(instance)

	return surface, core1_0.VKSuccess
}

// DestroySurface drops a surface and releases its instance reference.
// Destroying an unknown surface is tolerated as a no-op with a warning.
func (p *HeadlessProvider) DestroySurface(instance vkabi.Instance, surface vkabi.Surface) {
	p.logger.Debug("HeadlessProvider::DestroySurface", slog.Uint64("surface", uint64(surface)))

	p.mutex.Lock()
	record, ok := p.surfaces.Get(surface)
	if ok {
		p.surfaces.Delete(surface)
	}
	p.mutex.Unlock()

	if !ok {
		p.logger.Warn("HeadlessProvider::DestroySurface called for an untracked surface",
			slog.Uint64("surface", uint64(surface)),
		)
		return
	}

	p.refs.RemoveReference(record.instance)
}

func (p *HeadlessProvider) SurfaceSupport(physicalDevice vkabi.PhysicalDevice, queueFamilyIndex int, surface vkabi.Surface) (bool, common.VkResult) {
	p.mutex.Lock()
	_, ok := p.surfaces.Get(surface)
	p.mutex.Unlock()

	// Every queue family can present to a surface nobody will see
	return ok, core1_0.VKSuccess
}

func (p *HeadlessProvider) SurfaceCapabilities(physicalDevice vkabi.PhysicalDevice, surface vkabi.Surface) (vkabi.SurfaceCapabilities, common.VkResult) {
	return vkabi.SurfaceCapabilities{
		MinImageCount:       defaultMinImageCount,
		MaxImageCount:       defaultMaxImageCount,
		CurrentExtent:       vkabi.Extent2D{Width: defaultWidth, Height: defaultHeight},
		MinImageExtent:      vkabi.Extent2D{Width: 1, Height: 1},
		MaxImageExtent:      vkabi.Extent2D{Width: defaultWidth, Height: defaultHeight},
		MaxImageArrayLayers: 1,

		SupportedTransforms:     vkabi.SurfaceTransformIdentity,
		CurrentTransform:        vkabi.SurfaceTransformIdentity,
		SupportedCompositeAlpha: vkabi.CompositeAlphaOpaque,
		SupportedUsageFlags: vkabi.ImageUsageColorAttachment | vkabi.ImageUsageTransferSrc |
			vkabi.ImageUsageTransferDst | vkabi.ImageUsageSampled | vkabi.ImageUsageStorage,
	}, core1_0.VKSuccess
}

func (p *HeadlessProvider) SurfaceFormats(physicalDevice vkabi.PhysicalDevice, surface vkabi.Surface) ([]vkabi.SurfaceFormat, common.VkResult) {
	return []vkabi.SurfaceFormat{
		{Format: vkabi.FormatB8G8R8A8UNorm, ColorSpace: vkabi.ColorSpaceSRGBNonlinear},
		{Format: vkabi.FormatR8G8B8A8UNorm, ColorSpace: vkabi.ColorSpaceSRGBNonlinear},
	}, core1_0.VKSuccess
}

func (p *HeadlessProvider) SurfacePresentModes(physicalDevice vkabi.PhysicalDevice, surface vkabi.Surface) ([]vkabi.PresentMode, common.VkResult) {
	return []vkabi.PresentMode{
		vkabi.PresentModeFIFO,
		vkabi.PresentModeMailbox,
	}, core1_0.VKSuccess
}

// CreateSwapchain synthesizes a swapchain and its backing image handles. The
// image count honors the request within the advertised bounds. When an old
// swapchain is supplied it is retired but stays queryable, matching what
// applications expect from swapchain recreation.
func (p *HeadlessProvider) CreateSwapchain(device vkabi.Device, createInfo *vkabi.SwapchainCreateInfo) (vkabi.Swapchain, common.VkResult) {
	p.logger.Debug("HeadlessProvider::CreateSwapchain", slog.Uint64("device", uint64(device)))

	if createInfo == nil {
		return vkabi.Swapchain(vkabi.NullHandle), core1_0.VKErrorInitializationFailed
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.surfaces.Get(createInfo.Surface); !ok {
		p.logger.Warn("HeadlessProvider::CreateSwapchain called for an untracked surface",
			slog.Uint64("surface", uint64(createInfo.Surface)),
		)
		return vkabi.Swapchain(vkabi.NullHandle), core1_0.VKErrorInitializationFailed
	}

	imageCount := createInfo.MinImageCount
	if imageCount < defaultMinImageCount {
		imageCount = defaultMinImageCount
	}
	if imageCount > defaultMaxImageCount {
		imageCount = defaultMaxImageCount
	}

	images := make([]vkabi.Image, imageCount)
	for i := range images {
		images[i] = vkabi.Image(p.newHandleLocked())
	}

	if createInfo.OldSwapchain != vkabi.Swapchain(vkabi.NullHandle) {
		if old, ok := p.swapchains.Get(createInfo.OldSwapchain); ok {
			old.retired = true
		}
	}

	swapchain := vkabi.Swapchain(p.newHandleLocked())
	p.swapchains.Put(swapchain, &swapchainRecord{
		device:  device,
		surface: createInfo.Surface,
		images:  images,
	})

	return swapchain, core1_0.VKSuccess
}

func (p *HeadlessProvider) DestroySwapchain(device vkabi.Device, swapchain vkabi.Swapchain) {
	p.logger.Debug("HeadlessProvider::DestroySwapchain", slog.Uint64("swapchain", uint64(swapchain)))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.swapchains.Get(swapchain); !ok {
		p.logger.Warn("HeadlessProvider::DestroySwapchain called for an untracked swapchain",
			slog.Uint64("swapchain", uint64(swapchain)),
		)
		return
	}

	p.swapchains.Delete(swapchain)
}

func (p *HeadlessProvider) SwapchainImages(device vkabi.Device, swapchain vkabi.Swapchain) ([]vkabi.Image, common.VkResult) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	record, ok := p.swapchains.Get(swapchain)
	if !ok {
		return nil, core1_0.VKErrorUnknown
	}

	images := make([]vkabi.Image, len(record.images))
	copy(images, record.images)
	return images, core1_0.VKSuccess
}

// AcquireNextImage hands out image indices round-robin. Nothing ever blocks,
// so the timeout and synchronization handles are accepted and ignored.
func (p *HeadlessProvider) AcquireNextImage(device vkabi.Device, swapchain vkabi.Swapchain, timeout uint64, semaphore vkabi.Semaphore, fence vkabi.Fence) (int, common.VkResult) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	record, ok := p.swapchains.Get(swapchain)
	if !ok {
		return 0, core1_0.VKErrorUnknown
	}

	index := record.nextImage
	record.nextImage = (record.nextImage + 1) % len(record.images)
	return index, core1_0.VKSuccess
}

func (p *HeadlessProvider) QueuePresent(queue vkabi.Queue, presentInfo *vkabi.PresentInfo) common.VkResult {
	if presentInfo == nil {
		return core1_0.VKErrorUnknown
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, swapchain := range presentInfo.Swapchains {
		if _, ok := p.swapchains.Get(swapchain); !ok {
			p.logger.Warn("HeadlessProvider::QueuePresent called for an untracked swapchain",
				slog.Uint64("swapchain", uint64(swapchain)),
			)
			return core1_0.VKErrorUnknown
		}
	}

	return core1_0.VKSuccess
}

func (p *HeadlessProvider) SwapchainStatus(device vkabi.Device, swapchain vkabi.Swapchain) common.VkResult {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if _, ok := p.swapchains.Get(swapchain); !ok {
		return core1_0.VKErrorUnknown
	}
	return core1_0.VKSuccess
}

// ReleaseInstance drops every surface tied to instance without touching
// lifecycle references- it runs inside instance teardown, after the registry
// record is already gone.
func (p *HeadlessProvider) ReleaseInstance(instance vkabi.Instance) {
	p.logger.Debug("HeadlessProvider::ReleaseInstance", slog.Uint64("instance", uint64(instance)))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var orphaned []vkabi.Surface
	p.surfaces.Iter(func(surface vkabi.Surface, record *surfaceRecord) bool {
		if record.instance == instance {
			orphaned = append(orphaned, surface)
		}
		return false
	})
	for _, surface := range orphaned {
		p.surfaces.Delete(surface)
	}
}

// ReleaseDevice drops every swapchain created on device.
func (p *HeadlessProvider) ReleaseDevice(device vkabi.Device) {
	p.logger.Debug("HeadlessProvider::ReleaseDevice", slog.Uint64("device", uint64(device)))

	p.mutex.Lock()
	defer p.mutex.Unlock()

	var orphaned []vkabi.Swapchain
	p.swapchains.Iter(func(swapchain vkabi.Swapchain, record *swapchainRecord) bool {
		if record.device == device {
			orphaned = append(orphaned, swapchain)
		}
		return false
	})
	for _, swapchain := range orphaned {
		p.swapchains.Delete(swapchain)
	}
}

// SurfaceCount reports how many surfaces the provider currently tracks.
func (p *HeadlessProvider) SurfaceCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.surfaces.Count()
}

// SwapchainCount reports how many swapchains the provider currently tracks.
func (p *HeadlessProvider) SwapchainCount() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return p.swapchains.Count()
}

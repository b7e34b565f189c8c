package vkabi

import (
	"github.com/vkngwrapper/core/v2/common"
)

// WholeSize maps a memory range to the end of its allocation when passed as a
// mapping size.
const WholeSize = -1

// Format identifies a pixel format for surface and swapchain negotiation.
type Format int32

const (
	FormatUndefined Format = 0
	// FormatB8G8R8A8SRGB is 32-bit BGRA with sRGB encoding.
	FormatB8G8R8A8SRGB Format = 50
	// FormatB8G8R8A8UNorm is 32-bit BGRA with linear encoding.
	FormatB8G8R8A8UNorm Format = 44
	// FormatR8G8B8A8SRGB is 32-bit RGBA with sRGB encoding.
	FormatR8G8B8A8SRGB Format = 43
	// FormatR8G8B8A8UNorm is 32-bit RGBA with linear encoding.
	FormatR8G8B8A8UNorm Format = 37
)

// ColorSpace identifies the color space a surface format is presented in.
type ColorSpace int32

const (
	// ColorSpaceSRGBNonlinear is the baseline color space every presentation
	// engine supports.
	ColorSpaceSRGBNonlinear ColorSpace = 0
)

// PresentMode identifies how a presentation engine queues and displays
// images.
type PresentMode int32

const (
	PresentModeImmediate   PresentMode = 0
	PresentModeMailbox     PresentMode = 1
	PresentModeFIFO        PresentMode = 2
	PresentModeFIFORelaxed PresentMode = 3
)

// ImageUsageFlags is a bitmask of ways a swapchain image may be used.
type ImageUsageFlags uint32

const (
	ImageUsageTransferSrc     ImageUsageFlags = 0x0001
	ImageUsageTransferDst     ImageUsageFlags = 0x0002
	ImageUsageSampled         ImageUsageFlags = 0x0004
	ImageUsageStorage         ImageUsageFlags = 0x0008
	ImageUsageColorAttachment ImageUsageFlags = 0x0010
)

// SurfaceTransformFlags is a bitmask of pre-present surface transforms.
type SurfaceTransformFlags uint32

const (
	SurfaceTransformIdentity SurfaceTransformFlags = 0x0001
)

// CompositeAlphaFlags is a bitmask of ways surface alpha composits with other
// windows.
type CompositeAlphaFlags uint32

const (
	CompositeAlphaOpaque CompositeAlphaFlags = 0x0001
)

// Extent2D is a two-dimensional size in pixels.
type Extent2D struct {
	Width  int
	Height int
}

// ExtensionProperties describes a single extension as reported by extension
// enumeration.
type ExtensionProperties struct {
	ExtensionName string
	SpecVersion   uint
}

// ApplicationInfo carries the application-supplied metadata attached to
// instance creation.
type ApplicationInfo struct {
	ApplicationName    string
	ApplicationVersion uint32
	EngineName         string
	EngineVersion      uint32
	APIVersion         common.APIVersion
}

// InstanceCreateInfo describes an instance to create.
type InstanceCreateInfo struct {
	ApplicationInfo       *ApplicationInfo
	EnabledLayerNames     []string
	EnabledExtensionNames []string
}

// DeviceQueueCreateInfo requests queues from a single queue family.
type DeviceQueueCreateInfo struct {
	QueueFamilyIndex int
	QueuePriorities  []float32
}

// DeviceCreateInfo describes a logical device to create.
type DeviceCreateInfo struct {
	QueueCreateInfos      []DeviceQueueCreateInfo
	EnabledExtensionNames []string
}

// MemoryMapFlags is a bitmask of options for memory mapping.
type MemoryMapFlags uint32

const (
	// MemoryMapPlaced requests that the mapping be placed at the address
	// carried in the chained MemoryMapPlacedInfo.
	MemoryMapPlaced MemoryMapFlags = 0x0001
)

// MemoryMapPlacedInfo chains a caller-chosen host address onto a mapping
// request.
type MemoryMapPlacedInfo struct {
	// PlacedAddress is where the mapping must appear. Zero leaves the choice
	// to the implementation.
	PlacedAddress uintptr
}

// MemoryMapInfo describes a memory range to map.
type MemoryMapInfo struct {
	Memory DeviceMemory
	Offset int
	// Size is the byte length to map, or WholeSize for the rest of the
	// allocation.
	Size  int
	Flags MemoryMapFlags
	// PlacedInfo, when non-nil and Flags carries MemoryMapPlaced, requests a
	// placed mapping.
	PlacedInfo *MemoryMapPlacedInfo
}

// MemoryUnmapFlags is a bitmask of options for memory unmapping.
type MemoryUnmapFlags uint32

const (
	// MemoryUnmapReserve keeps the address range reserved after the memory is
	// unmapped.
	MemoryUnmapReserve MemoryUnmapFlags = 0x0001
)

// MemoryUnmapInfo describes a mapped memory range to unmap.
type MemoryUnmapInfo struct {
	Memory DeviceMemory
	Flags  MemoryUnmapFlags
}

// SurfaceCreateInfo describes a window-system surface to create. The window
// handle is opaque to everything but the surface provider that interprets it.
type SurfaceCreateInfo struct {
	WindowHandle uintptr
}

// SurfaceCapabilities reports the basic capabilities of a surface.
type SurfaceCapabilities struct {
	MinImageCount           int
	MaxImageCount           int
	CurrentExtent           Extent2D
	MinImageExtent          Extent2D
	MaxImageExtent          Extent2D
	MaxImageArrayLayers     int
	SupportedTransforms     SurfaceTransformFlags
	CurrentTransform        SurfaceTransformFlags
	SupportedCompositeAlpha CompositeAlphaFlags
	SupportedUsageFlags     ImageUsageFlags
}

// SurfaceFormat pairs a pixel format with the color space it is presented in.
type SurfaceFormat struct {
	Format     Format
	ColorSpace ColorSpace
}

// SwapchainCreateInfo describes a swapchain to create.
type SwapchainCreateInfo struct {
	Surface          Surface
	MinImageCount    int
	ImageFormat      Format
	ImageColorSpace  ColorSpace
	ImageExtent      Extent2D
	ImageArrayLayers int
	ImageUsage       ImageUsageFlags
	PreTransform     SurfaceTransformFlags
	CompositeAlpha   CompositeAlphaFlags
	PresentMode      PresentMode
	Clipped          bool
	OldSwapchain     Swapchain
}

// PresentInfo describes one or more swapchain images to present.
type PresentInfo struct {
	WaitSemaphores []Semaphore
	Swapchains     []Swapchain
	ImageIndices   []int
}

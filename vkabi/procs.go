package vkabi

import (
	"github.com/vkngwrapper/core/v2/common"
)

// ProcAddr is the function-pointer surrogate returned by the discovery entry
// points. A non-nil ProcAddr holds one of the typed function signatures
// defined in this package; callers assert to the signature they expect. A nil
// ProcAddr signals that the requested function is not available; the
// discovery protocol reports absence this way rather than with a result
// code.
type ProcAddr any

// GetInstanceProcAddrFunc resolves an instance-level entry point by name.
type GetInstanceProcAddrFunc func(instance Instance, name string) ProcAddr

// GetDeviceProcAddrFunc resolves a device-level entry point by name.
type GetDeviceProcAddrFunc func(device Device, name string) ProcAddr

// CreateInstanceFunc creates a driver instance.
type CreateInstanceFunc func(createInfo *InstanceCreateInfo) (Instance, common.VkResult)

// DestroyInstanceFunc destroys a driver instance.
type DestroyInstanceFunc func(instance Instance)

// CreateDeviceFunc creates a logical device from a physical device.
type CreateDeviceFunc func(physicalDevice PhysicalDevice, createInfo *DeviceCreateInfo) (Device, common.VkResult)

// DestroyDeviceFunc destroys a logical device.
type DestroyDeviceFunc func(device Device)

// MapMemoryFunc maps a device memory region at a driver-chosen host address
// and returns that address.
type MapMemoryFunc func(device Device, memory DeviceMemory, offset int, size int, flags uint32) (uintptr, common.VkResult)

// UnmapMemoryFunc unmaps a device memory region previously mapped with
// MapMemoryFunc.
type UnmapMemoryFunc func(device Device, memory DeviceMemory)

// MapMemory2Func maps a device memory region described by a MemoryMapInfo,
// honoring a placed-address request when one is chained in.
type MapMemory2Func func(device Device, mapInfo *MemoryMapInfo) (uintptr, common.VkResult)

// UnmapMemory2Func unmaps a device memory region described by a
// MemoryUnmapInfo.
type UnmapMemory2Func func(device Device, unmapInfo *MemoryUnmapInfo) common.VkResult

// EnumerateInstanceExtensionPropertiesFunc reports the instance extensions
// available from whoever serves the call.
type EnumerateInstanceExtensionPropertiesFunc func(layerName string) ([]ExtensionProperties, common.VkResult)

// CreateSurfaceFunc creates a window-system surface on an instance.
type CreateSurfaceFunc func(instance Instance, createInfo *SurfaceCreateInfo) (Surface, common.VkResult)

// DestroySurfaceFunc destroys a window-system surface.
type DestroySurfaceFunc func(instance Instance, surface Surface)

// GetSurfaceSupportFunc reports whether a queue family on a physical device
// can present to a surface.
type GetSurfaceSupportFunc func(physicalDevice PhysicalDevice, queueFamilyIndex int, surface Surface) (bool, common.VkResult)

// GetSurfaceCapabilitiesFunc reports the basic capabilities of a surface.
type GetSurfaceCapabilitiesFunc func(physicalDevice PhysicalDevice, surface Surface) (SurfaceCapabilities, common.VkResult)

// GetSurfaceFormatsFunc reports the surface formats supported by a surface.
type GetSurfaceFormatsFunc func(physicalDevice PhysicalDevice, surface Surface) ([]SurfaceFormat, common.VkResult)

// GetSurfacePresentModesFunc reports the present modes supported by a
// surface.
type GetSurfacePresentModesFunc func(physicalDevice PhysicalDevice, surface Surface) ([]PresentMode, common.VkResult)

// CreateSwapchainFunc creates a swapchain for a surface on a device.
type CreateSwapchainFunc func(device Device, createInfo *SwapchainCreateInfo) (Swapchain, common.VkResult)

// DestroySwapchainFunc destroys a swapchain.
type DestroySwapchainFunc func(device Device, swapchain Swapchain)

// GetSwapchainImagesFunc enumerates the images backing a swapchain.
type GetSwapchainImagesFunc func(device Device, swapchain Swapchain) ([]Image, common.VkResult)

// AcquireNextImageFunc acquires the next presentable image from a swapchain
// and returns its index.
type AcquireNextImageFunc func(device Device, swapchain Swapchain, timeout uint64, semaphore Semaphore, fence Fence) (int, common.VkResult)

// QueuePresentFunc presents one or more swapchain images on a queue.
type QueuePresentFunc func(queue Queue, presentInfo *PresentInfo) common.VkResult

// GetSwapchainStatusFunc reports the current status of a swapchain.
type GetSwapchainStatusFunc func(device Device, swapchain Swapchain) common.VkResult

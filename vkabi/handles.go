package vkabi

// Handle is an opaque object handle issued by the real driver. The shim uses
// handles purely as identity values and lookup keys: it must never assume
// anything about the memory (if any) a handle refers to.
type Handle uintptr

// NullHandle is the zero handle value, used where the platform API would pass
// VK_NULL_HANDLE.
const NullHandle Handle = 0

// Instance is a driver instance handle.
type Instance Handle

// PhysicalDevice is a physical device handle, owned by an instance.
type PhysicalDevice Handle

// Device is a logical device handle, created from a physical device.
type Device Handle

// Queue is a device queue handle.
type Queue Handle

// DeviceMemory is a device memory object handle.
type DeviceMemory Handle

// Surface is a window-system surface handle.
type Surface Handle

// Swapchain is a swapchain handle.
type Swapchain Handle

// Image is an image handle, as enumerated from a swapchain.
type Image Handle

// Semaphore is a semaphore handle.
type Semaphore Handle

// Fence is a fence handle.
type Fence Handle

package wsi

import (
	"github.com/vkngwrapper/extensions/v2/khr_surface"
	"github.com/vkngwrapper/extensions/v2/khr_swapchain"
	"github.com/vkngwrapper/interpose/vkabi"
)

// Provider is the window-system collaborator boundary. The router consults
// OwnsFunction/Function while classifying names; the shim calls the release
// hooks when it tears down instances and devices so orphaned surfaces and
// swapchains do not outlive their parents.
type Provider interface {
	OwnsFunction(name string) bool
	Function(name string) vkabi.ProcAddr
	ReleaseInstance(instance vkabi.Instance)
	ReleaseDevice(device vkabi.Device)
}

// InstanceReferences is the lifecycle callback a provider uses to pin an
// instance while surfaces tied to it exist. AddReference is called when a
// surface is created, RemoveReference when one is destroyed or its creation
// fails.
type InstanceReferences interface {
	AddReference(instance vkabi.Instance)
	RemoveReference(instance vkabi.Instance)
}

// ownedFunctionNames is every entry point the window-system layer claims.
// Claimed names are never forwarded to the driver, even when a provider
// leaves them unimplemented- the driver lacks this functionality entirely,
// and forwarding would surface driver bugs instead of a clean absence.
var ownedFunctionNames = map[string]struct{}{
	"vkCreateXlibSurfaceKHR":     {},
	"vkCreateXcbSurfaceKHR":      {},
	"vkCreateWaylandSurfaceKHR":  {},
	"vkCreateDisplaySurfaceKHR":  {},
	"vkCreateHeadlessSurfaceEXT": {},
	"vkDestroySurfaceKHR":        {},

	"vkGetPhysicalDeviceSurfaceSupportKHR":             {},
	"vkGetPhysicalDeviceSurfaceCapabilitiesKHR":        {},
	"vkGetPhysicalDeviceSurfaceCapabilities2KHR":       {},
	"vkGetPhysicalDeviceSurfaceFormatsKHR":             {},
	"vkGetPhysicalDeviceSurfaceFormats2KHR":            {},
	"vkGetPhysicalDeviceSurfacePresentModesKHR":        {},
	"vkGetPhysicalDeviceWaylandPresentationSupportKHR": {},

	"vkCreateSwapchainKHR":      {},
	"vkDestroySwapchainKHR":     {},
	"vkGetSwapchainImagesKHR":   {},
	"vkAcquireNextImageKHR":     {},
	"vkAcquireNextImage2KHR":    {},
	"vkQueuePresentKHR":         {},
	"vkGetSwapchainStatusKHR":   {},

	"vkGetDeviceGroupPresentCapabilitiesKHR":  {},
	"vkGetDeviceGroupSurfacePresentModesKHR":  {},
	"vkGetPhysicalDevicePresentRectanglesKHR": {},
}

// IsOwnedFunction reports whether the window-system layer claims name.
func IsOwnedFunction(name string) bool {
	_, ok := ownedFunctionNames[name]
	return ok
}

// AdvertisedExtensions lists the instance extensions the window-system layer
// adds on top of whatever the driver reports.
func AdvertisedExtensions() []vkabi.ExtensionProperties {
	return []vkabi.ExtensionProperties{
		{ExtensionName: khr_surface.ExtensionName, SpecVersion: 25},
		{ExtensionName: khr_swapchain.ExtensionName, SpecVersion: 70},
	}
}

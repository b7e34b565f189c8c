package icd

import (
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/interpose/vkabi"
	"golang.org/x/exp/slog"
)

// fakeDriver plays the real driver behind a SymbolSource: it exports the
// discovery resolver and serves a small set of entry points through it.
type fakeDriver struct {
	nextInstance vkabi.Instance
	nextDevice   vkabi.Device

	createdInstanceExtensions [][]string
	createdDeviceExtensions   [][]string
	destroyedInstances        []vkabi.Instance
	destroyedDevices          []vkabi.Device

	nextMapping uintptr
	mapped      map[vkabi.DeviceMemory]uintptr

	instanceExtensions []vkabi.ExtensionProperties
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		nextInstance: 0x1000,
		nextDevice:   0x2000,
		nextMapping:  0x7000_0000,
		mapped:       map[vkabi.DeviceMemory]uintptr{},
	}
}

func (d *fakeDriver) Symbol(name string) vkabi.ProcAddr {
	if name == "vk_icdGetInstanceProcAddr" {
		return vkabi.GetInstanceProcAddrFunc(d.instanceProc)
	}
	return nil
}

func (d *fakeDriver) instanceProc(instance vkabi.Instance, name string) vkabi.ProcAddr {
	switch name {
	case "vkCreateInstance":
		return vkabi.CreateInstanceFunc(func(createInfo *vkabi.InstanceCreateInfo) (vkabi.Instance, common.VkResult) {
			d.createdInstanceExtensions = append(d.createdInstanceExtensions, createInfo.EnabledExtensionNames)
			handle := d.nextInstance
			d.nextInstance++
			return handle, core1_0.VKSuccess
		})
	case "vkDestroyInstance":
		return vkabi.DestroyInstanceFunc(func(instance vkabi.Instance) {
			d.destroyedInstances = append(d.destroyedInstances, instance)
		})
	case "vkCreateDevice":
		return vkabi.CreateDeviceFunc(func(physicalDevice vkabi.PhysicalDevice, createInfo *vkabi.DeviceCreateInfo) (vkabi.Device, common.VkResult) {
			d.createdDeviceExtensions = append(d.createdDeviceExtensions, createInfo.EnabledExtensionNames)
			handle := d.nextDevice
			d.nextDevice++
			return handle, core1_0.VKSuccess
		})
	case "vkDestroyDevice":
		return vkabi.DestroyDeviceFunc(func(device vkabi.Device) {
			d.destroyedDevices = append(d.destroyedDevices, device)
		})
	case "vkGetDeviceProcAddr":
		return vkabi.GetDeviceProcAddrFunc(d.deviceProc)
	case "vkEnumerateInstanceExtensionProperties":
		return vkabi.EnumerateInstanceExtensionPropertiesFunc(func(layerName string) ([]vkabi.ExtensionProperties, common.VkResult) {
			return d.instanceExtensions, core1_0.VKSuccess
		})
	case "vkEnumeratePhysicalDevices":
		return func() {}
	}
	return nil
}

func (d *fakeDriver) deviceProc(device vkabi.Device, name string) vkabi.ProcAddr {
	switch name {
	case "vkMapMemory":
		return vkabi.MapMemoryFunc(func(device vkabi.Device, memory vkabi.DeviceMemory, offset int, size int, flags uint32) (uintptr, common.VkResult) {
			address := d.nextMapping
			d.nextMapping += uintptr(size)
			d.mapped[memory] = address
			return address, core1_0.VKSuccess
		})
	case "vkUnmapMemory":
		return vkabi.UnmapMemoryFunc(func(device vkabi.Device, memory vkabi.DeviceMemory) {
			delete(d.mapped, memory)
		})
	case "vkCmdDraw":
		return func() {}
	}
	return nil
}

type shimTestRegions struct {
	bound      map[uintptr]int
	unreserved int
}

func (r *shimTestRegions) Reserve(base uintptr, size int) (uintptr, error) { return base, nil }

func (r *shimTestRegions) Bind(address uintptr, size int) error {
	r.bound[address] = size
	return nil
}

func (r *shimTestRegions) Release(address uintptr, size int) error {
	delete(r.bound, address)
	return nil
}

func (r *shimTestRegions) Unreserve(base uintptr, size int) error {
	r.unreserved++
	return nil
}

func shimFixture(t *testing.T) (*Shim, *fakeDriver, *shimTestRegions) {
	driver := newFakeDriver()
	regions := &shimTestRegions{bound: map[uintptr]int{}}

	shim, err := NewShim(Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, driver, regions)
	require.NoError(t, err)

	return shim, driver, regions
}

func TestShimCreateInstanceStripsWrapperExtensions(t *testing.T) {
	shim, driver, _ := shimFixture(t)

	instance, res, err := shim.CreateInstance(&vkabi.InstanceCreateInfo{
		EnabledExtensionNames: []string{"VK_KHR_surface", "VK_EXT_debug_utils"},
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)
	require.NotEqual(t, vkabi.Instance(vkabi.NullHandle), instance)

	require.Len(t, driver.createdInstanceExtensions, 1)
	require.Equal(t, []string{"VK_EXT_debug_utils"}, driver.createdInstanceExtensions[0])
	require.Equal(t, 1, shim.Registry().InstanceCount())
}

func TestShimDestroyInstanceImmediate(t *testing.T) {
	shim, driver, _ := shimFixture(t)

	instance, _, err := shim.CreateInstance(&vkabi.InstanceCreateInfo{})
	require.NoError(t, err)

	shim.DestroyInstance(instance)
	require.Equal(t, []vkabi.Instance{instance}, driver.destroyedInstances)
	require.Equal(t, 0, shim.Registry().InstanceCount())

	// Destroying again is an untracked-handle no-op.
	shim.DestroyInstance(instance)
	require.Len(t, driver.destroyedInstances, 1)
}

func TestShimDeferredDestroyWithLiveSurface(t *testing.T) {
	shim, driver, _ := shimFixture(t)

	instance, _, err := shim.CreateInstance(&vkabi.InstanceCreateInfo{})
	require.NoError(t, err)

	createSurface, ok := shim.GetInstanceProcAddr(instance, "vkCreateHeadlessSurfaceEXT").(vkabi.CreateSurfaceFunc)
	require.True(t, ok)
	surface, res := createSurface(instance, &vkabi.SurfaceCreateInfo{})
	require.Equal(t, core1_0.VKSuccess, res)

	// The surface holds a reference, so the destroy request defers. The
	// application's own registration reference is gone at this point;
	// only the surface's remains.
	shim.DestroyInstance(instance)
	require.Empty(t, driver.destroyedInstances)
	require.Equal(t, 1, shim.Registry().InstanceCount())

	refs, ok := shim.Registry().References(instance)
	require.True(t, ok)
	require.Equal(t, 1, refs)

	destroySurface, ok := shim.GetInstanceProcAddr(instance, "vkDestroySurfaceKHR").(vkabi.DestroySurfaceFunc)
	require.True(t, ok)
	destroySurface(instance, surface)

	require.Equal(t, []vkabi.Instance{instance}, driver.destroyedInstances)
	require.Equal(t, 0, shim.Registry().InstanceCount())
}

func TestShimCreateDeviceInitializesExtensions(t *testing.T) {
	shim, driver, regions := shimFixture(t)

	_, _, err := shim.CreateInstance(&vkabi.InstanceCreateInfo{})
	require.NoError(t, err)

	device, res, err := shim.CreateDevice(0x99, &vkabi.DeviceCreateInfo{
		EnabledExtensionNames: []string{"VK_KHR_swapchain", "VK_EXT_map_memory_placed", "VK_EXT_robustness2"},
	})
	require.NoError(t, err)
	require.Equal(t, core1_0.VKSuccess, res)

	require.Len(t, driver.createdDeviceExtensions, 1)
	require.Equal(t, []string{"VK_EXT_robustness2"}, driver.createdDeviceExtensions[0])

	// The placed-memory extension resolved its driver functions through the
	// new device's chain; a placed mapping round-trips through it.
	mapMemory2, ok := shim.GetDeviceProcAddr(device, "vkMapMemory2KHR").(vkabi.MapMemory2Func)
	require.True(t, ok)
	unmapMemory2, ok := shim.GetDeviceProcAddr(device, "vkUnmapMemory2KHR").(vkabi.UnmapMemory2Func)
	require.True(t, ok)

	memory := vkabi.DeviceMemory(0x500)
	address, res := mapMemory2(device, &vkabi.MemoryMapInfo{
		Memory: memory,
		Size:   0x1000,
		Flags:  vkabi.MemoryMapPlaced,
		PlacedInfo: &vkabi.MemoryMapPlacedInfo{
			PlacedAddress: 0x10_0000_0000,
		},
	})
	require.Equal(t, core1_0.VKSuccess, res)
	require.Equal(t, uintptr(0x10_0000_0000), address)
	require.Contains(t, regions.bound, uintptr(0x10_0000_0000))

	require.Equal(t, core1_0.VKSuccess, unmapMemory2(device, &vkabi.MemoryUnmapInfo{Memory: memory}))
	require.Empty(t, regions.bound)
	require.Empty(t, driver.mapped)

	shim.DestroyDevice(device)
	require.Equal(t, []vkabi.Device{device}, driver.destroyedDevices)

	// After release the device is unknown to the extension again.
	_, res = mapMemory2(device, &vkabi.MemoryMapInfo{Memory: memory, Size: 0x1000})
	require.Equal(t, core1_0.VKErrorExtensionNotPresent, res)
}

func TestShimCreateDeviceWithoutInstance(t *testing.T) {
	shim, _, _ := shimFixture(t)

	_, res, err := shim.CreateDevice(0x99, &vkabi.DeviceCreateInfo{})
	require.Error(t, err)
	require.Equal(t, core1_0.VKErrorInitializationFailed, res)
}

func TestShimEnumerateInstanceExtensionProperties(t *testing.T) {
	shim, driver, _ := shimFixture(t)
	driver.instanceExtensions = []vkabi.ExtensionProperties{
		{ExtensionName: "VK_EXT_debug_utils", SpecVersion: 2},
		{ExtensionName: "VK_KHR_surface", SpecVersion: 1},
	}

	properties, res := shim.EnumerateInstanceExtensionProperties("")
	require.Equal(t, core1_0.VKSuccess, res)

	byName := map[string]uint{}
	for _, extension := range properties {
		_, duplicate := byName[extension.ExtensionName]
		require.False(t, duplicate, "duplicate extension %s", extension.ExtensionName)
		byName[extension.ExtensionName] = extension.SpecVersion
	}

	require.Contains(t, byName, "VK_KHR_swapchain")
	require.Contains(t, byName, "VK_EXT_map_memory_placed")
	require.Contains(t, byName, "VK_EXT_debug_utils")

	// The wrapper's own entry wins the name collision.
	require.Equal(t, uint(25), byName["VK_KHR_surface"])
}

func TestShimRoutingPriorities(t *testing.T) {
	shim, _, _ := shimFixture(t)

	instance, _, err := shim.CreateInstance(&vkabi.InstanceCreateInfo{})
	require.NoError(t, err)

	// Wrapper intrinsics are served by the shim itself.
	_, ok := shim.GetInstanceProcAddr(instance, "vkCreateInstance").(vkabi.CreateInstanceFunc)
	require.True(t, ok)
	_, ok = shim.GetInstanceProcAddr(instance, "vkGetInstanceProcAddr").(vkabi.GetInstanceProcAddrFunc)
	require.True(t, ok)

	// Unstable feature names are refused even though nothing serves them.
	require.Nil(t, shim.GetInstanceProcAddr(instance, "vkCmdTraceRaysKHR"))

	// Everything else forwards to the driver, absence included.
	require.NotNil(t, shim.GetInstanceProcAddr(instance, "vkEnumeratePhysicalDevices"))
	require.Nil(t, shim.GetInstanceProcAddr(instance, "vkGetCalibratedTimestampsEXT"))
}

func TestShimNegotiateLoaderInterfaceVersion(t *testing.T) {
	shim, _, _ := shimFixture(t)

	require.Equal(t, 5, shim.NegotiateLoaderInterfaceVersion(6))
	require.Equal(t, 5, shim.NegotiateLoaderInterfaceVersion(5))
	require.Equal(t, 4, shim.NegotiateLoaderInterfaceVersion(4))
}

func TestShimTeardownReleasesPool(t *testing.T) {
	shim, _, regions := shimFixture(t)

	shim.Teardown()
	require.Equal(t, 1, regions.unreserved)

	// Teardown is idempotent.
	shim.Teardown()
	require.Equal(t, 1, regions.unreserved)
}

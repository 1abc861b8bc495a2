package types

// GPUInfo is a point-in-time snapshot of one device, as produced by
// the external GPU Probe (C1). MemoryTotal = MemoryUsed + MemoryFree
// at read time.
type GPUInfo struct {
	DeviceID      int       `json:"device_id"`
	Vendor        GPUVendor `json:"vendor"`
	Name          string    `json:"name"`
	MemoryTotal   uint64    `json:"memory_total"` // MiB
	MemoryUsed    uint64    `json:"memory_used"`  // MiB
	MemoryFree    uint64    `json:"memory_free"`  // MiB
	Utilization   float64   `json:"utilization"`  // percent
	Temperature   float64   `json:"temperature"`  // celsius
	PowerUsage    float64   `json:"power_usage"`  // watts
	DriverVersion string    `json:"driver_version"`
}

// ResourceAllocation is the scheduler's record of what was granted to
// a model. Its lifetime runs from allocation until the model leaves
// RUNNING.
type ResourceAllocation struct {
	GPUDevices       []int   `json:"gpu_devices"`
	MemoryAllocated  uint64  `json:"memory_allocated"` // MiB, total across GPUDevices
	PerDeviceMemory  uint64  `json:"per_device_memory"` // MiB, even split
	AllocationTime   int64   `json:"allocation_time"`  // unix nanos
}

// Fragmentation summarizes how fragmented the GPU pool's free memory
// is, per spec §4.2.
type Fragmentation struct {
	TotalMemory       uint64  `json:"total_memory"`
	UsedMemory        uint64  `json:"used_memory"`
	FreeMemory        uint64  `json:"free_memory"`
	LargestFreeBlock  uint64  `json:"largest_free_block"`
	FragmentationRatio float64 `json:"fragmentation_ratio"`
	GPUCount          int     `json:"gpu_count"`
	AverageUtilization float64 `json:"average_utilization"`
}

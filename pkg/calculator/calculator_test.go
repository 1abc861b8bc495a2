package calculator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/types"
)

func cfg(name string, params map[string]any) types.ModelConfig {
	return types.ModelConfig{
		ID:        "m1",
		Name:      name,
		Framework: types.FrameworkNativeServer,
		ModelPath: "/nonexistent/path.bin",
		Parameters: params,
	}
}

func TestExtractModelSize_FromParameters(t *testing.T) {
	c := New()
	size := c.extractModelSize(cfg("llama", map[string]any{"model_size_gb": 13.0}))
	assert.Equal(t, 13.0, size)
}

func TestExtractModelSize_FromName(t *testing.T) {
	c := New()
	size := c.extractModelSize(cfg("llama-13b-instruct", nil))
	assert.Equal(t, 13.0, size)
}

func TestExtractModelSize_DefaultsWhenUnknown(t *testing.T) {
	c := New()
	size := c.extractModelSize(cfg("mystery-model", nil))
	assert.Greater(t, size, 0.0)
}

func TestExtractPrecision_FromParameters(t *testing.T) {
	c := New()
	assert.Equal(t, "int8", c.extractPrecision(cfg("m", map[string]any{"precision": "int8"})))
	assert.Equal(t, "int8", c.extractPrecision(cfg("m", map[string]any{"quantization": "INT8"})))
}

func TestExtractPrecision_FromNameSuffix(t *testing.T) {
	c := New()
	assert.Equal(t, "int4", c.extractPrecision(cfg("llama-7b-q4", nil)))
}

func TestExtractPrecision_DefaultsToFp16(t *testing.T) {
	c := New()
	assert.Equal(t, "fp16", c.extractPrecision(cfg("llama-7b", nil)))
}

func TestBaseModelMemory_PrecisionOrdering(t *testing.T) {
	c := New()
	fp32 := c.calculateBaseModelMemory(7.0, "fp32", types.FrameworkNativeServer)
	fp16 := c.calculateBaseModelMemory(7.0, "fp16", types.FrameworkNativeServer)
	int8 := c.calculateBaseModelMemory(7.0, "int8", types.FrameworkNativeServer)
	assert.Greater(t, fp32, fp16)
	assert.Greater(t, fp16, int8)
}

func TestBaseModelMemory_FrameworkOrdering(t *testing.T) {
	c := New()
	container := c.calculateBaseModelMemory(7.0, "fp16", types.FrameworkContainerServer)
	native := c.calculateBaseModelMemory(7.0, "fp16", types.FrameworkNativeServer)
	assert.Greater(t, container, native)
}

func TestContextMemory_ScalesWithContextAndBatch(t *testing.T) {
	c := New()
	small := c.calculateContextMemory(7.0, 2048, 1, "fp16")
	bigCtx := c.calculateContextMemory(7.0, 8192, 1, "fp16")
	bigBatch := c.calculateContextMemory(7.0, 2048, 4, "fp16")
	assert.Greater(t, bigCtx, small)
	assert.Greater(t, bigBatch, small)
}

func TestEstimate_ProducesPositiveRequirement(t *testing.T) {
	c := New()
	req := c.Estimate(types.ModelConfig{
		ID:        "m1",
		Name:      "llama-7b",
		Framework: types.FrameworkNativeServer,
		ModelPath: "/nonexistent/model.bin",
		Parameters: map[string]any{"context_length": 2048.0, "batch_size": 1.0},
	})
	assert.Greater(t, req.GPUMemory, uint64(0))
	assert.Greater(t, req.CPUCores, 0.0)
	assert.GreaterOrEqual(t, req.SystemMemory, uint64(2048))
	assert.LessOrEqual(t, req.SystemMemory, req.GPUMemory)
}

func TestEstimate_NeverPanics(t *testing.T) {
	c := New()
	require.NotPanics(t, func() {
		req := c.Estimate(types.ModelConfig{ID: "m1", Name: "", Parameters: nil})
		assert.GreaterOrEqual(t, req.GPUMemory, uint64(8192))
	})
}

func twoGPUs() []types.GPUInfo {
	return []types.GPUInfo{
		{DeviceID: 0, MemoryTotal: 24576, MemoryUsed: 2048, MemoryFree: 22528, Utilization: 10},
		{DeviceID: 1, MemoryTotal: 16384, MemoryUsed: 1024, MemoryFree: 15360, Utilization: 20},
	}
}

func TestValidate_SpecificGPUAllocationSuccess(t *testing.T) {
	c := New()
	ok, errs, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 8192, GPUDevices: []int{0}}, twoGPUs())
	require.True(t, ok)
	assert.Empty(t, errs)
	require.NotNil(t, alloc)
	assert.Equal(t, []int{0}, alloc.GPUDevices)
	assert.Equal(t, uint64(8192), alloc.MemoryAllocated)
}

func TestValidate_SpecificGPUMissingDevice(t *testing.T) {
	c := New()
	ok, errs, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 8192, GPUDevices: []int{999}}, twoGPUs())
	assert.False(t, ok)
	assert.Nil(t, alloc)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "does not exist")
}

func TestValidate_SpecificGPUInsufficientMemory(t *testing.T) {
	c := New()
	ok, errs, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 30000, GPUDevices: []int{1}}, twoGPUs())
	assert.False(t, ok)
	assert.Nil(t, alloc)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "insufficient")
}

func TestValidate_SpecificMultiGPUSuccess(t *testing.T) {
	c := New()
	ok, errs, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 30000, GPUDevices: []int{0, 1}}, twoGPUs())
	require.True(t, ok)
	assert.Empty(t, errs)
	require.NotNil(t, alloc)
	assert.Equal(t, []int{0, 1}, alloc.GPUDevices)
}

func TestValidate_AutomaticSingleGPUPrefersSmallestSufficient(t *testing.T) {
	c := New()
	ok, _, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 8192}, twoGPUs())
	require.True(t, ok)
	require.NotNil(t, alloc)
	require.Len(t, alloc.GPUDevices, 1)
	assert.Equal(t, 1, alloc.GPUDevices[0]) // device 1 (15360 free) is the smallest that still fits
}

func TestValidate_AutomaticMultiGPUGreedy(t *testing.T) {
	c := New()
	ok, _, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 35000}, twoGPUs())
	require.True(t, ok)
	require.NotNil(t, alloc)
	assert.Len(t, alloc.GPUDevices, 2)
}

func TestValidate_AutomaticInsufficientAcrossAllDevices(t *testing.T) {
	c := New()
	ok, errs, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 50000}, twoGPUs())
	assert.False(t, ok)
	assert.Nil(t, alloc)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "insufficient")
}

func TestValidate_NoGPUsAvailable(t *testing.T) {
	c := New()
	ok, errs, alloc := c.Validate(types.ResourceRequirement{GPUMemory: 1024}, nil)
	assert.False(t, ok)
	assert.Nil(t, alloc)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0], "no GPUs available")
}

func TestFragmentation_ComputesRatioInRange(t *testing.T) {
	c := New()
	frag := c.Fragmentation(twoGPUs())
	assert.Equal(t, 2, frag.GPUCount)
	assert.GreaterOrEqual(t, frag.FragmentationRatio, 0.0)
	assert.LessOrEqual(t, frag.FragmentationRatio, 1.0)
}

func TestFragmentation_EmptyGPUList(t *testing.T) {
	c := New()
	frag := c.Fragmentation(nil)
	assert.Equal(t, 0, frag.GPUCount)
	assert.Equal(t, 0.0, frag.FragmentationRatio)
}

func TestOptimize_ProcessesLargestFirstAndPreservesOrder(t *testing.T) {
	c := New()
	reqs := []types.ResourceRequirement{
		{GPUMemory: 4096},
		{GPUMemory: 20000},
		{GPUMemory: 8192},
	}
	results := c.Optimize(reqs, twoGPUs())
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, i, r.RequirementIndex)
	}
	// the 20000 requirement is placed first and takes device 0; the 8192
	// and 4096 requests then fit on device 1, so at least one is satisfied.
	satisfied := 0
	for _, r := range results {
		if r.Allocation != nil {
			satisfied++
		}
	}
	assert.GreaterOrEqual(t, satisfied, 1)
}

package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/orchestrator/pkg/calculator"
	"github.com/modelforge/orchestrator/pkg/types"
)

func gpus() []types.GPUInfo {
	return []types.GPUInfo{
		{DeviceID: 0, MemoryTotal: 24576, MemoryFree: 24576},
	}
}

func modelCfg(id string, priority int) types.ModelConfig {
	return types.ModelConfig{
		ID:       id,
		Name:     id,
		Priority: priority,
		ResourceRequirements: types.ResourceRequirement{GPUMemory: 4096},
	}
}

func TestSchedule_HigherPriorityDequeuedFirst(t *testing.T) {
	s := New(calculator.New(), false, 2)
	s.Register(modelCfg("low", 1))
	s.Register(modelCfg("high", 9))

	cfg, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, "high", cfg.ID)
}

func TestSchedule_FIFOTieBreak(t *testing.T) {
	s := New(calculator.New(), false, 2)
	s.Register(modelCfg("first", 5))
	s.Register(modelCfg("second", 5))

	cfg, ok := s.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", cfg.ID)
}

func TestSchedule_SuccessfulPlacement(t *testing.T) {
	s := New(calculator.New(), false, 2)
	s.Register(modelCfg("m1", 5))

	decision := s.Schedule(gpus(), nil)
	assert.Equal(t, types.ScheduleSuccess, decision.Result)
	require.NotNil(t, decision.Allocation)
	assert.Equal(t, uint64(4096), decision.Allocation.MemoryAllocated)
	assert.Equal(t, 0, s.Len())
}

func TestSchedule_InsufficientResourcesRequeues(t *testing.T) {
	s := New(calculator.New(), false, 2)
	cfg := modelCfg("m1", 5)
	cfg.ResourceRequirements.GPUMemory = 99999
	s.Register(cfg)

	decision := s.Schedule(gpus(), nil)
	assert.Equal(t, types.ScheduleInsufficientResources, decision.Result)
	assert.Equal(t, 1, s.Len()) // requeued, not lost
}

func TestSchedule_EvictionDisabledByDefault(t *testing.T) {
	s := New(calculator.New(), false, 2)
	cfg := modelCfg("m1", 9)
	cfg.ResourceRequirements.GPUMemory = 30000
	s.Register(cfg)

	candidates := []PreemptionCandidate{
		{ModelID: "victim", Priority: 1, Allocation: types.ResourceAllocation{GPUDevices: []int{0}, PerDeviceMemory: 20000}},
	}
	decision := s.Schedule(gpus(), candidates)
	assert.Equal(t, types.ScheduleInsufficientResources, decision.Result)
	assert.Empty(t, decision.Evict)
}

func TestSchedule_EvictionPlansLowerPriorityVictims(t *testing.T) {
	s := New(calculator.New(), true, 2)
	cfg := modelCfg("m1", 9)
	cfg.ResourceRequirements.GPUMemory = 20000
	s.Register(cfg)

	snapshot := []types.GPUInfo{{DeviceID: 0, MemoryTotal: 24576, MemoryFree: 4096, MemoryUsed: 20480}}
	candidates := []PreemptionCandidate{
		{ModelID: "victim", Priority: 1, Allocation: types.ResourceAllocation{GPUDevices: []int{0}, PerDeviceMemory: 20480}},
	}
	decision := s.Schedule(snapshot, candidates)
	assert.Equal(t, types.ScheduleInsufficientResources, decision.Result)
	assert.Equal(t, []string{"victim"}, decision.Evict)
	assert.Equal(t, 1, s.Len()) // requeued for retry once victim is actually stopped
}

func TestSchedule_EvictionSkipsInsufficientPriorityGap(t *testing.T) {
	s := New(calculator.New(), true, 5)
	cfg := modelCfg("m1", 6)
	cfg.ResourceRequirements.GPUMemory = 20000
	s.Register(cfg)

	snapshot := []types.GPUInfo{{DeviceID: 0, MemoryTotal: 24576, MemoryFree: 4096, MemoryUsed: 20480}}
	candidates := []PreemptionCandidate{
		// priority gap is only 2, below MinPriorityGap of 5
		{ModelID: "victim", Priority: 4, Allocation: types.ResourceAllocation{GPUDevices: []int{0}, PerDeviceMemory: 20480}},
	}
	decision := s.Schedule(snapshot, candidates)
	assert.Empty(t, decision.Evict)
}

func TestUnregister_RemovesFromQueue(t *testing.T) {
	s := New(calculator.New(), false, 2)
	s.Register(modelCfg("m1", 5))
	s.Unregister("m1")
	assert.Equal(t, 0, s.Len())
}

func TestRegister_ReplacesExistingEntry(t *testing.T) {
	s := New(calculator.New(), false, 2)
	s.Register(modelCfg("m1", 1))
	s.Register(modelCfg("m1", 9))
	assert.Equal(t, 1, s.Len())
	cfg, _ := s.Peek()
	assert.Equal(t, 9, cfg.Priority)
}

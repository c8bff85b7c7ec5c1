package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(v float64) *float64 { return &v }

func TestPipelineWeights(t *testing.T) {
	assert.Equal(t, 20, TotalWeight())
	assert.Equal(t, []Stage{
		StageInitializing, StageStartingPackager, StageBootingDevice, StageBuilding,
		StageInstalling, StageLaunching, StageWaitingForAppToLoad, StageAttachingDebugger,
	}, Pipeline())

	weights := make([]int, 0, len(Pipeline()))
	for _, s := range Pipeline() {
		weights = append(weights, Weight(s))
	}
	assert.Equal(t, []int{1, 1, 2, 7, 1, 1, 6, 1}, weights)
	assert.Zero(t, Weight(StageRestarting))
}

func TestProgress(t *testing.T) {
	tests := []struct {
		name  string
		stage Stage
		p     *float64
		want  float64
	}{
		{"building half way", StageBuilding, ptr(0.5), 37.5},
		{"first stage unknown progress", StageInitializing, nil, 0},
		{"booting done", StageBootingDevice, ptr(1), 20},
		{"last stage complete", StageAttachingDebugger, ptr(1), 100},
		{"clamped above", StageInstalling, ptr(3), 60},
		{"clamped below", StageInstalling, ptr(-1), 55},
		{"restarting", StageRestarting, nil, 100},
		{"unknown stage", Stage("compiling"), ptr(0.5), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Progress(tt.stage, tt.p), 1e-9)
		})
	}
}

func TestProgressMonotonicAcrossPipeline(t *testing.T) {
	last := -1.0
	for _, s := range Pipeline() {
		for _, p := range []float64{0, 0.25, 0.5, 1} {
			got := Progress(s, ptr(p))
			require.GreaterOrEqual(t, got, last, "stage %s p=%v", s, p)
			last = got
		}
	}
}

func TestValidatePipeline(t *testing.T) {
	require.NoError(t, validatePipeline(pipeline))

	bad := map[string][]stageWeight{
		"empty":      nil,
		"zero":       {{StageInitializing, 0}},
		"negative":   {{StageInitializing, -2}},
		"duplicate":  {{StageBuilding, 7}, {StageBuilding, 1}},
		"restarting": {{StageInitializing, 1}, {StageRestarting, 1}},
		"unnamed":    {{"", 1}},
	}
	for name, table := range bad {
		assert.Error(t, validatePipeline(table), name)
	}
}

func TestStageValid(t *testing.T) {
	assert.True(t, StageBuilding.Valid())
	assert.True(t, StageRestarting.Valid())
	assert.False(t, Stage("linking").Valid())
}

// Package session implements the per-device state machine that tracks an
// app from startup through running to fatal error, and the Manager that
// owns one DeviceSession per device id.
package session

import (
	"fmt"
)

// Stage names one step of the startup pipeline.
type Stage string

const (
	StageInitializing        Stage = "initializing"
	StageStartingPackager    Stage = "startingPackager"
	StageBootingDevice       Stage = "bootingDevice"
	StageBuilding            Stage = "building"
	StageInstalling          Stage = "installing"
	StageLaunching           Stage = "launching"
	StageWaitingForAppToLoad Stage = "waitingForAppToLoad"
	StageAttachingDebugger   Stage = "attachingDebugger"

	// StageRestarting is outside the weighted pipeline and always reports 100%.
	StageRestarting Stage = "restarting"
)

type stageWeight struct {
	stage  Stage
	weight int
}

// Order matters: progress is computed from the prefix sum of weights.
var pipeline = []stageWeight{
	{StageInitializing, 1},
	{StageStartingPackager, 1},
	{StageBootingDevice, 2},
	{StageBuilding, 7},
	{StageInstalling, 1},
	{StageLaunching, 1},
	{StageWaitingForAppToLoad, 6},
	{StageAttachingDebugger, 1},
}

var (
	stageIndex  map[Stage]int
	totalWeight int
)

func init() {
	if err := validatePipeline(pipeline); err != nil {
		panic(err)
	}
	stageIndex = make(map[Stage]int, len(pipeline))
	for i, sw := range pipeline {
		stageIndex[sw.stage] = i
		totalWeight += sw.weight
	}
}

func validatePipeline(table []stageWeight) error {
	if len(table) == 0 {
		return fmt.Errorf("stage pipeline is empty")
	}
	seen := make(map[Stage]bool, len(table))
	for i, sw := range table {
		if sw.stage == "" {
			return fmt.Errorf("stage %d has no name", i)
		}
		if sw.stage == StageRestarting {
			return fmt.Errorf("stage %q must not be weighted", sw.stage)
		}
		if sw.weight <= 0 {
			return fmt.Errorf("stage %q has non-positive weight %d", sw.stage, sw.weight)
		}
		if seen[sw.stage] {
			return fmt.Errorf("stage %q listed twice", sw.stage)
		}
		seen[sw.stage] = true
	}
	return nil
}

// Pipeline returns the weighted stages in order.
func Pipeline() []Stage {
	stages := make([]Stage, len(pipeline))
	for i, sw := range pipeline {
		stages[i] = sw.stage
	}
	return stages
}

// Index returns the position of s in the pipeline.
func Index(s Stage) (int, bool) {
	i, ok := stageIndex[s]
	return i, ok
}

// Weight returns the weight of s, or 0 for stages outside the pipeline.
func Weight(s Stage) int {
	if i, ok := stageIndex[s]; ok {
		return pipeline[i].weight
	}
	return 0
}

// TotalWeight is the sum of all stage weights.
func TotalWeight() int {
	return totalWeight
}

// Valid reports whether s is a known stage, including StageRestarting.
func (s Stage) Valid() bool {
	_, ok := stageIndex[s]
	return ok || s == StageRestarting
}

// Progress returns overall startup progress in percent for stage s with
// within-stage progress p. A nil p counts as 0; p is clamped to [0,1].
func Progress(s Stage, p *float64) float64 {
	if s == StageRestarting {
		return 100
	}
	i, ok := stageIndex[s]
	if !ok {
		return 0
	}

	frac := 0.0
	if p != nil {
		frac = clamp01(*p)
	}

	done := 0
	for _, sw := range pipeline[:i] {
		done += sw.weight
	}
	return (float64(done) + frac*float64(pipeline[i].weight)) / float64(totalWeight) * 100
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// Package workflow implements the per-run state machine: tracking step
// readiness, dependency gating, parallel group detection and terminal
// completion for a single WorkflowRun.
package workflow

import (
	"fmt"

	"github.com/cronflow/cronflow/internal/models"
)

// ValidateDAG checks that a workflow's step dependency graph references
// only existing steps and contains no cycles. It is run once, at
// registration time, so the state machine never has to discover a cycle
// mid-run.
func ValidateDAG(def *models.WorkflowDefinition) error {
	ids := make(map[string]struct{}, len(def.Steps))
	for _, step := range def.Steps {
		ids[step.ID] = struct{}{}
	}

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if _, ok := ids[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", step.ID, dep)
			}
		}
	}

	visited := make(map[string]bool, len(def.Steps))
	recursionStack := make(map[string]bool, len(def.Steps))

	var visit func(id string) error
	visit = func(id string) error {
		if recursionStack[id] {
			return fmt.Errorf("cycle detected at step %q", id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		recursionStack[id] = true

		step, _ := def.StepByID(id)
		for _, dep := range step.DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}

		recursionStack[id] = false
		return nil
	}

	for _, step := range def.Steps {
		if err := visit(step.ID); err != nil {
			return err
		}
	}

	return nil
}

// ParallelGroups partitions steps into groups that share the exact same
// dependency set. Steps within a group have no ordering relationship
// with each other and may be dispatched concurrently once the shared
// dependencies complete. The grouping is a dispatch hint, not part of
// the run's persisted contract.
func ParallelGroups(def *models.WorkflowDefinition) map[string][]string {
	groups := make(map[string][]string)
	for _, step := range def.Steps {
		key := depKey(step.DependsOn)
		groups[key] = append(groups[key], step.ID)
	}
	return groups
}

func depKey(deps []string) string {
	if len(deps) == 0 {
		return ""
	}
	// Order-independent key: a sorted join is enough since dependency
	// lists are small and this is only used to bucket steps together.
	sorted := append([]string(nil), deps...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	key := ""
	for _, d := range sorted {
		key += d + "\x00"
	}
	return key
}

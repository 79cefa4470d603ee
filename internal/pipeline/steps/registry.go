// Package steps defines the generation stages, their order and the
// dependencies that decide whether a stage runs or is skipped.
package steps

import (
	"fmt"

	dbpkg "github.com/jonathan/story-illustrator/internal/db"
)

// Failure modes of a stage.
const (
	FailHard = "fail_hard"
	FailSoft = "fail_soft"
)

// StepDefinition defines metadata for a pipeline stage
type StepDefinition struct {
	Name string
	// State is the story state while the stage runs.
	State string
	// Dependencies must all have produced output.
	Dependencies []string
	// AnyOf, when set, needs at least one of these to have produced output.
	AnyOf   []string
	Failure string
}

// StepRegistry holds all stage definitions
var StepRegistry = map[string]StepDefinition{
	dbpkg.StageTranscribe: {
		Name:    dbpkg.StageTranscribe,
		State:   dbpkg.StateTranscribing,
		Failure: FailSoft,
	},
	dbpkg.StageStory: {
		Name:    dbpkg.StageStory,
		State:   dbpkg.StateGeneratingStory,
		Failure: FailHard,
	},
	dbpkg.StageCharacter: {
		Name:         dbpkg.StageCharacter,
		State:        dbpkg.StateGeneratingCharacter,
		Dependencies: []string{dbpkg.StageStory},
		Failure:      FailSoft,
	},
	dbpkg.StageCharacterImage: {
		Name:         dbpkg.StageCharacterImage,
		State:        dbpkg.StateGeneratingImages,
		Dependencies: []string{dbpkg.StageCharacter},
		Failure:      FailSoft,
	},
	dbpkg.StageBackgroundImage: {
		Name:         dbpkg.StageBackgroundImage,
		State:        dbpkg.StateGeneratingImages,
		Dependencies: []string{dbpkg.StageStory},
		Failure:      FailSoft,
	},
	dbpkg.StageCompose: {
		Name:    dbpkg.StageCompose,
		State:   dbpkg.StateComposing,
		AnyOf:   []string{dbpkg.StageCharacterImage, dbpkg.StageBackgroundImage},
		Failure: FailSoft,
	},
}

// DependencyError represents a dependency validation error
type DependencyError struct {
	Step                string
	MissingDependencies []string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s: missing dependencies: %v", e.Step, e.MissingDependencies)
}

// ValidateDependencies checks that the stages a stage depends on produced
// output. produced holds the stages that succeeded so far.
func ValidateDependencies(stepName string, produced map[string]bool) error {
	def, ok := StepRegistry[stepName]
	if !ok {
		return fmt.Errorf("unknown step: %s", stepName)
	}

	var missing []string
	for _, dep := range def.Dependencies {
		if !produced[dep] {
			missing = append(missing, dep)
		}
	}
	if len(def.AnyOf) > 0 {
		found := false
		for _, dep := range def.AnyOf {
			if produced[dep] {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, def.AnyOf...)
		}
	}

	if len(missing) > 0 {
		return &DependencyError{
			Step:                stepName,
			MissingDependencies: missing,
		}
	}
	return nil
}

// IsFailHard reports whether a stage failure ends the run.
func IsFailHard(stepName string) bool {
	return StepRegistry[stepName].Failure == FailHard
}

// GetAvailableSteps returns the stages, in pipeline order, that have not
// run yet and whose dependencies are met.
func GetAvailableSteps(produced, ran map[string]bool) []string {
	var available []string
	for _, name := range dbpkg.Stages {
		if ran[name] {
			continue
		}
		if ValidateDependencies(name, produced) == nil {
			available = append(available, name)
		}
	}
	return available
}

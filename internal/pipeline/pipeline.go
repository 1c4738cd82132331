package pipeline

import (
	"context"
	"fmt"
	"log"
)

// Stage is a single transform over an image buffer. The first stage in a
// run receives a nil input and produces the base image; later stages
// receive the previous stage's output.
type Stage struct {
	Name  string
	Apply func(ctx context.Context, input []byte) ([]byte, error)
}

// Result is the outcome of a pipeline run: the final buffer and the
// names of the stages whose output actually made it in.
type Result struct {
	Output        []byte
	AppliedStages []string
}

// Run executes the stages in order. The base stage (index 0) is
// mandatory: its failure fails the whole item. Every later stage is
// best-effort: on failure the previous buffer is passed through
// unchanged and the stage is left out of AppliedStages.
func Run(ctx context.Context, stages []Stage) (*Result, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("pipeline requires at least one stage")
	}

	base := stages[0]
	output, err := base.Apply(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", base.Name, err)
	}

	result := &Result{
		Output:        output,
		AppliedStages: []string{base.Name},
	}

	for _, stage := range stages[1:] {
		next, err := stage.Apply(ctx, result.Output)
		if err != nil {
			log.Printf("[Pipeline] stage %s failed, continuing with previous buffer: %v", stage.Name, err)
			continue
		}
		result.Output = next
		result.AppliedStages = append(result.AppliedStages, stage.Name)
	}

	return result, nil
}

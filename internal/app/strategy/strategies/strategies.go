// Package strategies contains the built-in strategy kinds:
//
//   - moving_average: crossover of a short and a long moving average
//   - deterministic: fixed signals, for exercising the settlement pipeline
package strategies

import "github.com/coachpo/strategos/internal/app/strategy"

// Definitions returns the built-in strategy definitions.
func Definitions() []strategy.Definition {
	return []strategy.Definition{
		{Metadata: MovingAverageMetadata, ValidateConfig: ValidateMovingAverageConfig, New: NewMovingAverage},
		{Metadata: DeterministicMetadata, ValidateConfig: ValidateDeterministicConfig, New: NewDeterministic},
	}
}

// Register adds every built-in definition to reg.
func Register(reg *strategy.Registry) error {
	for _, def := range Definitions() {
		if err := reg.Register(def); err != nil {
			return err
		}
	}
	return nil
}

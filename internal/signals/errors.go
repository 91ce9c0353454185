package signals

import "fmt"

// EnsembleErrorKind classifies an EnsembleError.
type EnsembleErrorKind string

const (
	InsufficientProviders EnsembleErrorKind = "INSUFFICIENT_PROVIDERS"
	NoConsensus           EnsembleErrorKind = "NO_CONSENSUS"
)

// EnsembleError is returned when a round cannot produce a consensus.
type EnsembleError struct {
	Kind    EnsembleErrorKind
	Message string
	// Failures holds the provider errors observed in the round.
	Failures []*ProviderError
}

func (e *EnsembleError) Error() string {
	return fmt.Sprintf("ensemble %s: %s", e.Kind, e.Message)
}

// Unwrap exposes the provider failures to errors.Is and errors.As.
func (e *EnsembleError) Unwrap() []error {
	if len(e.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

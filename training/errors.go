package training

import "errors"

var (
	// ErrConfig reports an invalid or incomplete run configuration. It is
	// fatal and raised before or at the start of the affected operation.
	ErrConfig = errors.New("configuration error")

	// ErrNonFiniteLoss halts training when a batch loss is NaN or infinite
	ErrNonFiniteLoss = errors.New("non-finite loss")
)

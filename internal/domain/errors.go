package domain

import "errors"

// Error taxonomy shared by every component. Callers wrap these with
// fmt.Errorf("%w: ...") and test with errors.Is.
var (
	ErrValidation       = errors.New("validation error")
	ErrInsufficientData = errors.New("insufficient data")
	ErrTraining         = errors.New("training failed")
	ErrRegistry         = errors.New("registry error")
	ErrModelNotLoaded   = errors.New("model not loaded")
	ErrNotFound         = errors.New("record not found")
)

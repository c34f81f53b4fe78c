package workflow

import "errors"

var (
	ErrInvalidGraph      = errors.New("invalid step graph")
	ErrMissingCapability = errors.New("modify target lacks capability")
	ErrStepNotFound      = errors.New("step not found")
)

package model

import (
	"errors"
)

var (
	ErrMissingURL = errors.New("job has no url")
)

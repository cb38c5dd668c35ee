package model

import (
	"errors"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrWorkerFailed  = errors.New("worker failed")
)

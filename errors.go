package aicm

import (
	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/model"
)

// These error types mirror internal/model's and internal/config's — the
// root package re-exports them so callers never need to import an
// internal package to use errors.As.
type (
	ValidationError      = model.ValidationError
	TransportError       = model.TransportError
	PermanentServerError = model.PermanentServerError
	UsageLimitExceeded   = model.UsageLimitExceeded
	QueueFull            = model.QueueFull
	ConfigPersistError   = config.ConfigPersistError
)

var (
	ErrQueueFull     = model.ErrQueueFull
	ErrTrackerClosed = model.ErrTrackerClosed
)

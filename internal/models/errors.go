package models

import "errors"

// Errors shared by the deploy and run orchestrators.
var (
	ErrConflictingJob   = errors.New("a job for this workload is already active")
	ErrJobNotFound      = errors.New("job not found")
	ErrInvalidRemoteDir = errors.New("invalid remote dir")
)

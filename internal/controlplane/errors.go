package controlplane

import (
	"context"
	"errors"
	"net/http"

	"github.com/fentz26/jetdeploy/internal/catalog"
	"github.com/fentz26/jetdeploy/internal/connectors"
	"github.com/fentz26/jetdeploy/internal/deployer"
	"github.com/fentz26/jetdeploy/internal/models"
	"github.com/fentz26/jetdeploy/internal/runner"
	"github.com/fentz26/jetdeploy/internal/session"
)

// ErrBadRequest marks malformed API input.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the JSON body of every failed API call.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// classify maps an operation error to an HTTP status and a stable kind string.
func classify(err error) (int, string) {
	var exitErr *connectors.ExitError
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, models.ErrInvalidRemoteDir):
		return http.StatusBadRequest, "invalid_remote_dir"
	case errors.Is(err, runner.ErrRunNotSupported):
		return http.StatusBadRequest, "run_not_supported"
	case errors.Is(err, connectors.ErrAuth):
		return http.StatusUnauthorized, "auth"
	case errors.Is(err, connectors.ErrElevationRequired):
		return http.StatusForbidden, "elevation_required"
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, catalog.ErrWorkloadNotFound):
		return http.StatusNotFound, "workload_not_found"
	case errors.Is(err, models.ErrJobNotFound):
		return http.StatusNotFound, "job_not_found"
	case errors.Is(err, models.ErrConflictingJob):
		return http.StatusConflict, "conflicting_job"
	case errors.Is(err, deployer.ErrAlreadyInstalled):
		return http.StatusConflict, "already_installed"
	case errors.Is(err, runner.ErrRunNotReady):
		return http.StatusConflict, "run_not_ready"
	case errors.Is(err, runner.ErrNotDeployed):
		return http.StatusPreconditionFailed, "not_deployed"
	case errors.Is(err, runner.ErrPreconditionFailed):
		return http.StatusPreconditionFailed, "precondition_failed"
	case errors.Is(err, connectors.ErrPortBind), errors.Is(err, runner.ErrPortConflict):
		return http.StatusServiceUnavailable, "port_conflict"
	case errors.Is(err, connectors.ErrTimeout), errors.Is(err, runner.ErrReadinessTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, connectors.ErrConnectionLost):
		return http.StatusBadGateway, "connection_lost"
	case errors.Is(err, connectors.ErrTransfer):
		return http.StatusBadGateway, "transfer"
	case errors.Is(err, connectors.ErrNetwork), errors.Is(err, connectors.ErrClosed):
		return http.StatusBadGateway, "network"
	case errors.As(err, &exitErr):
		return http.StatusBadGateway, "remote_exit"
	}
	return http.StatusInternalServerError, "internal"
}

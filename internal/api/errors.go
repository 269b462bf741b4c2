package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jaakkos/agentgate/internal/app"
	"github.com/jaakkos/agentgate/internal/health"
	"github.com/jaakkos/agentgate/internal/ports"
	"github.com/jaakkos/agentgate/internal/proxy"
	"github.com/jaakkos/agentgate/internal/runner"
	"github.com/jaakkos/agentgate/internal/supervisor"
)

var errInvalidID = errors.New("invalid repository id")

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
	Stderr string `json:"stderr,omitempty"`
}

// statusFor maps an error to its HTTP status. Causes are checked before
// wrappers so a StartupError around ErrRepoNotFound is still a 404.
func statusFor(err error) int {
	var (
		statusErr  *proxy.StatusError
		cmdErr     *runner.CommandError
		spawnErr   *runner.SpawnError
		exitErr    *supervisor.ExitError
		startupErr *supervisor.StartupError
	)
	switch {
	case errors.As(err, &statusErr):
		return statusErr.StatusCode
	case errors.Is(err, app.ErrRepoNotFound), errors.Is(err, supervisor.ErrNotRunning):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInvalidRequest), errors.Is(err, errInvalidID),
		errors.Is(err, proxy.ErrUnknownOp), errors.Is(err, proxy.ErrMissingSession):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrRepoNotReady), errors.Is(err, app.ErrRepoInUse):
		return http.StatusConflict
	case errors.Is(err, ports.ErrNoPortAvailable), errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, health.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, proxy.ErrDownstreamUnavailable),
		errors.As(err, &spawnErr), errors.As(err, &exitErr), errors.As(err, &startupErr):
		return http.StatusBadGateway
	case errors.As(err, &cmdErr):
		return http.StatusInternalServerError
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	body := errorBody{Error: err.Error(), Status: status}

	var (
		statusErr *proxy.StatusError
		cmdErr    *runner.CommandError
	)
	if errors.As(err, &statusErr) {
		body.Error = statusErr.Message()
	}
	if errors.As(err, &cmdErr) {
		body.Stderr = cmdErr.Stderr
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

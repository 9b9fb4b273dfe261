package workload

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	types "github.com/openloom/connector-rollout/internal/domain"
)

// ErrMalformedResponse marks a response body the client could not decode.
// Malformed responses are never retried.
var ErrMalformedResponse = errors.New("workload: malformed response")

// ConnectivityError wraps the last transport error after the retry budget is
// exhausted. Callers treat it as transient and try again on a later tick.
type ConnectivityError struct {
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	if e == nil {
		return "workload: <nil connectivity error>"
	}
	return fmt.Sprintf("workload %s: connectivity: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a transient workload-service
// connectivity failure.
func IsConnectivity(err error) bool {
	var ce *ConnectivityError
	return errors.As(err, &ce)
}

// HTTPError is a non-2xx response from the workload service.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "workload: <nil http error>"
	}
	msg := strings.TrimSpace(e.Body)
	if msg == "" {
		msg = "<empty body>"
	}
	if len(msg) > 2000 {
		msg = msg[:2000] + "..."
	}
	return fmt.Sprintf("workload http %d: %s", e.StatusCode, msg)
}

func (e *HTTPError) HTTPStatusCode() int {
	if e == nil {
		return 0
	}
	return e.StatusCode
}

// --- wire types ---

type Summary struct {
	ID     string               `json:"id"`
	Status types.WorkloadStatus `json:"status"`
}

type CreateRequest struct {
	WorkloadID        string            `json:"workloadId"`
	ActorDefinitionID uuid.UUID         `json:"actorDefinitionId"`
	ConnectorVersion  uuid.UUID         `json:"connectorVersion"`
	Labels            map[string]string `json:"labels,omitempty"`
	Deadline          *time.Time        `json:"deadline,omitempty"`
}

type failureRequest struct {
	WorkloadID string `json:"workloadId"`
	Source     string `json:"source,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type statusResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type listRequest struct {
	ActorDefinitionID uuid.UUID  `json:"actorDefinitionId"`
	ConnectorVersion  *uuid.UUID `json:"connectorVersion,omitempty"`
	IncludeTerminal   bool       `json:"includeTerminal"`
}

type listResponse struct {
	Workloads []Summary `json:"workloads"`
}

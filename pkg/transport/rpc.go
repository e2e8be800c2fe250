package transport

import "context"

// StatusFunc returns a JSON-encoded status payload for management /status.
// Using []byte avoids import cycles on gms types.
type StatusFunc func(ctx context.Context) ([]byte, error)

// LeaveResponse reports the outcome of a leave triggered over management.
type LeaveResponse struct {
    Status string `json:"status"`
    Sender string `json:"sender,omitempty"`
    Error  string `json:"error,omitempty"`
}

// LeaveFunc makes the node leave its group.
type LeaveFunc func(ctx context.Context) (LeaveResponse, error)

// SuspectRequest reports a member as suspected of having failed.
type SuspectRequest struct {
    Member string `json:"member"`
}

type SuspectFunc func(ctx context.Context, req SuspectRequest) error

// Management bundles the handlers exposed by a management server.
type Management struct {
    Status  StatusFunc
    Leave   LeaveFunc
    Suspect SuspectFunc
}

// ManagementServer exposes management endpoints for tooling.
type ManagementServer interface {
    Start(ctx context.Context, m Management) error
    Addr() string
    Stop(ctx context.Context) error
}

// ManagementClient calls the management endpoints of a node.
type ManagementClient interface {
    GetStatus(ctx context.Context, addr string) ([]byte, error)
    PostLeave(ctx context.Context, addr string) (LeaveResponse, error)
    PostSuspect(ctx context.Context, addr string, req SuspectRequest) error
}

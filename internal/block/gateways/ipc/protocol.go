// Package ipc carries the daemon protocol over a unix domain socket: one JSON
// request per line answered by one JSON response per line.
package ipc

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haukened/selfblock/internal/block/domain"
)

const (
	MethodGetVersion         = "getVersion"
	MethodStartBlock         = "startBlock"
	MethodUpdateBlocklist    = "updateBlocklist"
	MethodUpdateBlockEndDate = "updateBlockEndDate"
	MethodGetStatus          = "getStatus"
	MethodGetHistory         = "getHistory"
)

// RequiresAuth reports whether method needs an authorization proof.
func RequiresAuth(method string) bool {
	r, ok := routes[method]
	return ok && r.auth
}

type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Auth   string          `json:"auth,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     string          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *WireError      `json:"error,omitempty"`
}

// WireError is a BlockError as it travels on the wire.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type StartBlockParams struct {
	ControllingUID uint32              `json:"controllingUID"`
	Blocklist      []string            `json:"blocklist" validate:"required,min=1,max=10000,dive,required,max=2048"`
	Allowlist      bool                `json:"isAllowlist"`
	EndDate        time.Time           `json:"endDate"`
	Options        domain.BlockOptions `json:"options"`
}

type UpdateBlocklistParams struct {
	Blocklist []string `json:"blocklist" validate:"required,min=1,max=10000,dive,required,max=2048"`
}

type UpdateEndDateParams struct {
	EndDate time.Time `json:"endDate"`
}

type HistoryParams struct {
	Limit int `json:"limit" validate:"omitempty,min=1,max=1000"`
}

type VersionResult struct {
	Version string `json:"version"`
}

// StatusResult describes the system-wide block as seen by the daemon.
type StatusResult struct {
	State          string              `json:"state"`
	Running        bool                `json:"running"`
	Installed      bool                `json:"installed"`
	Allowlist      bool                `json:"isAllowlist"`
	EndDate        *time.Time          `json:"endDate,omitempty"`
	ControllingUID uint32              `json:"controllingUID"`
	Blocklist      []string            `json:"blocklist"`
	Options        domain.BlockOptions `json:"options"`
}

type HistoryResult struct {
	Events []domain.BlockEvent `json:"events"`
}

// Handler serves the protocol methods. Checkup is driven by the daemon's own
// timers and can not be requested over the socket.
type Handler interface {
	Version() string
	StartBlock(ctx context.Context, p StartBlockParams) error
	UpdateBlocklist(ctx context.Context, p UpdateBlocklistParams) error
	UpdateBlockEndDate(ctx context.Context, p UpdateEndDateParams) error
	Status(ctx context.Context) (StatusResult, error)
	History(ctx context.Context, p HistoryParams) (HistoryResult, error)
}

type route struct {
	auth   bool
	params func() any
	call   func(ctx context.Context, h Handler, params any) (any, error)
}

var routes = map[string]route{
	MethodGetVersion: {
		call: func(_ context.Context, h Handler, _ any) (any, error) {
			return VersionResult{Version: h.Version()}, nil
		},
	},
	MethodStartBlock: {
		auth:   true,
		params: func() any { return &StartBlockParams{} },
		call: func(ctx context.Context, h Handler, p any) (any, error) {
			return nil, h.StartBlock(ctx, *p.(*StartBlockParams))
		},
	},
	MethodUpdateBlocklist: {
		auth:   true,
		params: func() any { return &UpdateBlocklistParams{} },
		call: func(ctx context.Context, h Handler, p any) (any, error) {
			return nil, h.UpdateBlocklist(ctx, *p.(*UpdateBlocklistParams))
		},
	},
	MethodUpdateBlockEndDate: {
		auth:   true,
		params: func() any { return &UpdateEndDateParams{} },
		call: func(ctx context.Context, h Handler, p any) (any, error) {
			return nil, h.UpdateBlockEndDate(ctx, *p.(*UpdateEndDateParams))
		},
	},
	MethodGetStatus: {
		call: func(ctx context.Context, h Handler, _ any) (any, error) {
			return h.Status(ctx)
		},
	},
	MethodGetHistory: {
		params: func() any { return &HistoryParams{} },
		call: func(ctx context.Context, h Handler, p any) (any, error) {
			return h.History(ctx, *p.(*HistoryParams))
		},
	},
}

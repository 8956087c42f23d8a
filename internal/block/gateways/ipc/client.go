package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/haukened/selfblock/internal/block/domain"
)

// DefaultCallTimeout bounds a call when ctx carries no deadline. Starting a
// block resolves every hostname, so it is generous.
const DefaultCallTimeout = 5 * time.Minute

// Client talks to the daemon, one connection per call.
type Client struct {
	path   string
	signer *Signer
}

// NewClient returns a client for the socket at path. signer may be nil for
// read-only use.
func NewClient(path string, signer *Signer) *Client {
	return &Client{path: path, signer: signer}
}

// Call sends method with params and decodes the result into out, which may be
// nil. Daemon errors come back as *domain.BlockError.
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	req := Request{ID: uuid.NewString(), Method: method}
	if RequiresAuth(method) {
		if c.signer == nil {
			return domain.ErrAuthorizationDenied.WithMessagef("%s needs an authorization proof", method)
		}
		token, err := c.signer.Sign(method)
		if err != nil {
			return domain.ErrAuthorizationDenied.WithMessagef("sign proof: %v", err)
		}
		req.Auth = token
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultCallTimeout)
		defer cancel()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.path)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	r := bufio.NewReader(conn)
	line, err := r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if !resp.OK {
		if resp.Error == nil {
			return domain.ErrInternal.WithMessage("request failed without an error")
		}
		return domain.ErrorFromCode(resp.Error.Code, resp.Error.Message)
	}
	if out != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v VersionResult
	err := c.Call(ctx, MethodGetVersion, nil, &v)
	return v.Version, err
}

func (c *Client) StartBlock(ctx context.Context, p StartBlockParams) error {
	return c.Call(ctx, MethodStartBlock, p, nil)
}

func (c *Client) UpdateBlocklist(ctx context.Context, p UpdateBlocklistParams) error {
	return c.Call(ctx, MethodUpdateBlocklist, p, nil)
}

func (c *Client) UpdateBlockEndDate(ctx context.Context, p UpdateEndDateParams) error {
	return c.Call(ctx, MethodUpdateBlockEndDate, p, nil)
}

func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var s StatusResult
	err := c.Call(ctx, MethodGetStatus, nil, &s)
	return s, err
}

func (c *Client) History(ctx context.Context, p HistoryParams) (HistoryResult, error) {
	var h HistoryResult
	err := c.Call(ctx, MethodGetHistory, p, &h)
	return h, err
}

// Package rpc is the wire contract of the worker RPC service and the
// client side of it: a per-endpoint WorkerClient and a Broadcaster that
// fans one call out to many endpoints.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/ryandielhenn/cdcgroup/pkg/membership"
)

const (
	PathStatus = "/v1/status"
	PathAssign = "/v1/assign"
)

var (
	// ErrRPCFailure marks any failed call to a single endpoint.
	ErrRPCFailure = errors.New("rpc failure")
	// ErrAssignmentRejected is returned by a worker that cannot take a new
	// assignment right now, typically because it is shutting down.
	ErrAssignmentRejected = errors.New("assignment rejected")
)

type StatusResponse struct {
	Membership *membership.Membership `json:"membership"`
	State      string                 `json:"state,omitempty"`
}

type AssignRequest struct {
	Membership *membership.Membership `json:"membership"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Error is the failure of one call to one endpoint.
type Error struct {
	Op      string
	Address string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s %s: %v", e.Op, e.Address, e.Err)
}

func (e *Error) Unwrap() []error { return []error{ErrRPCFailure, e.Err} }

// WorkerClient calls one worker's RPC service over HTTP/JSON.
type WorkerClient struct {
	address string
	http    *http.Client
}

func NewWorkerClient(address string, hc *http.Client) *WorkerClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &WorkerClient{address: NormalizeAddress(address), http: hc}
}

func (c *WorkerClient) Address() string { return c.address }

func (c *WorkerClient) Status(ctx context.Context) (StatusResponse, error) {
	var out StatusResponse
	err := c.do(ctx, http.MethodGet, PathStatus, nil, &out)
	return out, err
}

func (c *WorkerClient) Assign(ctx context.Context, m *membership.Membership) error {
	return c.do(ctx, http.MethodPost, PathAssign, AssignRequest{Membership: m}, nil)
}

func (c *WorkerClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.address+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&e)
		if resp.StatusCode == http.StatusConflict {
			return fmt.Errorf("%w: %s", ErrAssignmentRejected, e.Error)
		}
		return fmt.Errorf("http %s %s: %d %s", method, path, resp.StatusCode, e.Error)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

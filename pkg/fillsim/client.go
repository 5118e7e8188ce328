// Package fillsim is the Go SDK for a remote fillsim-server.
package fillsim

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"fillsim/internal/api"
	"fillsim/internal/runner"
)

// Request describes one backtest run. Paths are resolved on the server.
type Request = runner.Request

// Status is the terminal status of a run.
type Status = runner.Status

// Status codes.
const (
	CodeSuccess            = runner.CodeSuccess
	CodeFailedPrecondition = runner.CodeFailedPrecondition
	CodeError              = runner.CodeError
)

// Client submits runs to a fillsim-server.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial creates a client for the server at addr. The connection is
// established lazily on the first call.
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Run executes req remotely and returns its status. An error means the call
// itself failed; a failed run is reported in the Status.
func (c *Client) Run(ctx context.Context, req Request) (Status, error) {
	in, err := api.EncodeRequest(req)
	if err != nil {
		return Status{}, fmt.Errorf("encoding request: %w", err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, api.RunMethod, in, out); err != nil {
		return Status{}, fmt.Errorf("run %s: %w", req.RunID, err)
	}
	return api.DecodeStatus(out)
}

// Close releases the connection opened by Dial.
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}

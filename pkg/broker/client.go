package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/pario-ai/gptbroker/pkg/models"
	"github.com/pario-ai/gptbroker/pkg/transport"
	"github.com/pario-ai/gptbroker/pkg/wire"
)

// Client submits requests to a broker listening on a Unix socket.
type Client struct {
	Path string
}

// NewClient returns a Client for the socket at path.
func NewClient(path string) *Client {
	return &Client{Path: path}
}

// Submit sends req and waits for the result. Broker-side failures come back
// as errors matching the package sentinels, so errors.Is(err,
// ErrRateExceeded) works across the socket.
func (c *Client) Submit(ctx context.Context, req models.Request) (models.Result, error) {
	payload, err := wire.EncodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	resp, err := transport.Call(ctx, c.Path, payload)
	if err != nil {
		return nil, err
	}

	res, err := wire.DecodeResponse(resp)
	if err != nil {
		var re *wire.RemoteError
		if errors.As(err, &re) {
			return nil, fromRemote(re)
		}
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}

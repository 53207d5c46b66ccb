package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client calls the Admin service.
type Client struct {
	cc    grpc.ClientConnInterface
	close func() error
}

// Dial connects to an admin server at target without transport security.
// Extra options are appended.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{cc: conn, close: conn.Close}, nil
}

// NewClient wraps an existing connection. Close is then a no-op.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func (c *Client) Close() error {
	if c.close == nil {
		return nil
	}
	return c.close()
}

func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	return c.call(ctx, "Status", nil)
}

func (c *Client) ListConnections(ctx context.Context) ([]map[string]any, error) {
	out, err := c.call(ctx, "ListConnections", nil)
	if err != nil {
		return nil, err
	}
	raw, _ := out["connections"].([]any)
	list := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			list = append(list, m)
		}
	}
	return list, nil
}

// EnqueueOutbound queues command for accountID's device and returns the
// trace id assigned to it.
func (c *Client) EnqueueOutbound(ctx context.Context, accountID, command string, payload map[string]any, priority int) (string, error) {
	req := map[string]any{
		"account_id": accountID,
		"command":    command,
		"priority":   priority,
	}
	if payload != nil {
		req["payload"] = payload
	}
	out, err := c.call(ctx, "EnqueueOutbound", req)
	if err != nil {
		return "", err
	}
	trace, _ := out["trace_id"].(string)
	return trace, nil
}

// DispatchState asks for a state transition and reports whether it was
// accepted along with the resulting state.
func (c *Client) DispatchState(ctx context.Context, deviceID, state string) (bool, string, error) {
	out, err := c.call(ctx, "DispatchState", map[string]any{"device_id": deviceID, "state": state})
	if err != nil {
		return false, "", err
	}
	accepted, _ := out["accepted"].(bool)
	current, _ := out["state"].(string)
	return accepted, current, nil
}

func (c *Client) RemoveConnection(ctx context.Context, deviceID string) error {
	_, err := c.call(ctx, "RemoveConnection", map[string]any{"device_id": deviceID})
	return err
}

func (c *Client) call(ctx context.Context, method string, req map[string]any) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// Client is a connection to a Server. Calls are serialized on the one
// connection.
type Client struct {
	conn    net.Conn
	encoder *json.Encoder
	decoder *json.Decoder
	mu      sync.Mutex
	nextID  int64
}

func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return &Client{
		conn:    conn,
		encoder: json.NewEncoder(conn),
		decoder: json.NewDecoder(conn),
	}, nil
}

// Call invokes method with params and decodes the reply into result, which
// may be nil. A server-side failure is returned as *WireError. Cancelling ctx
// aborts the round trip, returns ctx.Err() and closes the client.
func (c *Client) Call(ctx context.Context, method string, params any, result any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling params: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetDeadline(time.Time{}); err != nil {
		return fmt.Errorf("clearing deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	c.nextID++
	req := Request{Method: method, ID: strconv.FormatInt(c.nextID, 10), Params: raw}
	if err := c.encoder.Encode(req); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("sending request: %w", err))
	}

	var resp Response
	if err := c.decoder.Decode(&resp); err != nil {
		return c.ctxErr(ctx, fmt.Errorf("reading response: %w", err))
	}
	if resp.ID != req.ID {
		return fmt.Errorf("response id %q does not match request %q", resp.ID, req.ID)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("unmarshaling into result: %w", err)
		}
	}
	return nil
}

// ctxErr reports a failed exchange. The stream is out of step after one, so
// the connection is closed and later calls fail.
func (c *Client) ctxErr(ctx context.Context, err error) error {
	c.conn.Close()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Package remote implements the client side of the optional remote
// cache tier CacheCoordinator consumes: put/get/has over gRPC. Only
// the client is implemented, matching the spec's non-goal of providing
// a remote-execution server.
package remote

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/status"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/forgeerr"
)

func init() {
	encoding.RegisterCodec(binaryCodec{})
}

const (
	putMethod = "/forge.remote.Cache/Put"
	getMethod = "/forge.remote.Cache/Get"
	hasMethod = "/forge.remote.Cache/Has"

	dialTimeout = 5 * time.Second
)

// Client is a gRPC-backed implementation of coordinator.Tier, dialed
// once at construction like the teacher's unix-socket control
// connection in internal/build.
type Client struct {
	conn *grpc.ClientConn
	call grpc.CallOption
}

// Dial connects to a remote cache server at target (e.g.
// "unix:///var/run/forge-cache.sock" or "host:port").
func Dial(ctx context.Context, target string) (*Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, target, grpc.WithBlock(), grpc.WithInsecure())
	if err != nil {
		return nil, forgeerr.NewRemoteErr("dial "+target, true, err)
	}
	return &Client{conn: conn, call: grpc.ForceCodec(binaryCodec{})}, nil
}

// Close tears down the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Put uploads entry and its artifact blob under key.
func (c *Client) Put(ctx context.Context, tag cache.Tag, key string, entry cache.Entry, blob []byte) error {
	req := &putRequest{Tag: byte(tag), Key: key, Entry: toEntryWire(entry), Blob: blob}
	resp := &putResponse{}
	if err := c.conn.Invoke(ctx, putMethod, req, resp, c.call); err != nil {
		return forgeerr.NewRemoteErr("put "+key, isTransient(err), err)
	}
	return nil
}

// Get fetches key's entry and blob, if present remotely.
func (c *Client) Get(ctx context.Context, tag cache.Tag, key string) (cache.Entry, []byte, bool, error) {
	req := &getRequest{Tag: byte(tag), Key: key}
	resp := &getResponse{}
	if err := c.conn.Invoke(ctx, getMethod, req, resp, c.call); err != nil {
		return cache.Entry{}, nil, false, forgeerr.NewRemoteErr("get "+key, isTransient(err), err)
	}
	if !resp.Found {
		return cache.Entry{}, nil, false, nil
	}
	return resp.Entry.toEntry(), resp.Blob, true, nil
}

// Has reports whether key exists remotely, without fetching the blob.
func (c *Client) Has(ctx context.Context, tag cache.Tag, key string) (bool, error) {
	req := &hasRequest{Tag: byte(tag), Key: key}
	resp := &hasResponse{}
	if err := c.conn.Invoke(ctx, hasMethod, req, resp, c.call); err != nil {
		return false, forgeerr.NewRemoteErr("has "+key, isTransient(err), err)
	}
	return resp.Has, nil
}

// isTransient classifies a gRPC call failure as retryable-by-degrading
// (connection-level trouble) versus a hard protocol error.
func isTransient(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	default:
		return false
	}
}

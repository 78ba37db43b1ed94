package remote

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/forgebuild/forge/internal/cache"
	"github.com/forgebuild/forge/internal/digest"
)

// fakeServer is a minimal in-memory implementation of the three RPCs
// this package's Client calls, used to exercise the wire codec and
// transport end to end without a real remote-cache deployment.
type fakeServer struct {
	mu      sync.Mutex
	entries map[string]entryWire
	blobs   map[string][]byte
}

func newFakeServer() *fakeServer {
	return &fakeServer{entries: make(map[string]entryWire), blobs: make(map[string][]byte)}
}

func storeKey(tag byte, key string) string {
	return string(tag) + ":" + key
}

func (s *fakeServer) handlePut(_ context.Context, req *putRequest) (*putResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(req.Tag, req.Key)
	s.entries[k] = req.Entry
	s.blobs[k] = req.Blob
	return &putResponse{}, nil
}

func (s *fakeServer) handleGet(_ context.Context, req *getRequest) (*getResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := storeKey(req.Tag, req.Key)
	e, ok := s.entries[k]
	if !ok {
		return &getResponse{Found: false}, nil
	}
	return &getResponse{Found: true, Entry: e, Blob: s.blobs[k]}, nil
}

func (s *fakeServer) handleHas(_ context.Context, req *hasRequest) (*hasResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[storeKey(req.Tag, req.Key)]
	return &hasResponse{Has: ok}, nil
}

var testServiceDesc = grpc.ServiceDesc{
	ServiceName: "forge.remote.Cache",
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Put",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(putRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*fakeServer).handlePut(ctx, in)
			},
		},
		{
			MethodName: "Get",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(getRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*fakeServer).handleGet(ctx, in)
			},
		},
		{
			MethodName: "Has",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
				in := new(hasRequest)
				if err := dec(in); err != nil {
					return nil, err
				}
				return srv.(*fakeServer).handleHas(ctx, in)
			},
		},
	},
}

func startTestServer(t *testing.T) (addr string, srv *fakeServer) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv = newFakeServer()
	gs := grpc.NewServer()
	gs.RegisterService(&testServiceDesc, srv)
	go gs.Serve(lis)
	t.Cleanup(gs.Stop)
	return lis.Addr().String(), srv
}

func TestClientPutGetRoundTrip(t *testing.T) {
	addr, _ := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	d := digest.HashBytes([]byte("blob"))
	entry := cache.Entry{OutputDigest: d, Timestamp: time.Now(), SizeBytes: 4, Success: true, OutputPaths: []string{"out/a"}}
	require.NoError(t, c.Put(ctx, cache.TagAction, "k1", entry, []byte("blob")))

	got, blob, ok, err := c.Get(ctx, cache.TagAction, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d, got.OutputDigest)
	require.Equal(t, []byte("blob"), blob)
	require.Equal(t, []string{"out/a"}, got.OutputPaths)

	has, err := c.Has(ctx, cache.TagAction, "k1")
	require.NoError(t, err)
	require.True(t, has)
}

func TestClientGetMiss(t *testing.T) {
	addr, _ := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, addr)
	require.NoError(t, err)
	defer c.Close()

	_, _, ok, err := c.Get(ctx, cache.TagTarget, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	has, err := c.Has(ctx, cache.TagTarget, "missing")
	require.NoError(t, err)
	require.False(t, has)
}

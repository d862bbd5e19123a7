package ranker

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region client-struct
// Client calls a remote ranking service over gRPC.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewClient connects to the ranking service at addr. Without options the
// connection uses insecure transport credentials.
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn wraps an existing connection. Close leaves cc open.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down a connection opened by NewClient.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region rank
// Rank sends req to the service and checks that one probability came back
// per requested record.
func (c *Client) Rank(ctx context.Context, req Request) (Response, error) {
	in, err := req.toStruct()
	if err != nil {
		return Response{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, rankMethod, in, out); err != nil {
		return Response{}, fmt.Errorf("rank rpc: %w", err)
	}
	resp, err := responseFromStruct(out)
	if err != nil {
		return Response{}, fmt.Errorf("rank response: %w", err)
	}
	if len(resp.Probabilities) != len(req.RecordIDs) {
		return Response{}, fmt.Errorf("rank response has %d probabilities for %d records: %w",
			len(resp.Probabilities), len(req.RecordIDs), ErrBadPayload)
	}
	return resp, nil
}

// #endregion rank

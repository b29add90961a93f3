// Package client dials a running chatsync daemon.
package client

import (
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/chatsync/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn          *grpc.ClientConn
	Cache         *api.CacheClient
	Conversations *api.ConversationClient
}

// New dials the daemon's Unix domain socket. The connection is established
// lazily on the first call.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{
		conn:          conn,
		Cache:         api.NewCacheClient(conn),
		Conversations: api.NewConversationClient(conn),
	}, nil
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/orange-dot/roj-consensus/pkg/kv"
	"github.com/orange-dot/roj-consensus/pkg/raft"
)

// Client provides a client interface to the Raft KV store, probing nodes
// directly rather than going through an HTTP hop.
type Client struct {
	nodes   []*raft.Node
	timeout time.Duration
}

func NewClient(nodes []*raft.Node) *Client {
	return &Client{
		nodes:   nodes,
		timeout: 5 * time.Second,
	}
}

func (c *Client) Set(ctx context.Context, key string, value json.RawMessage) error {
	leader := c.findLeader()
	if leader == nil {
		return errors.New("no leader available")
	}

	payload, err := kv.EncodeCommand(kv.OpSet, value, "", 0)
	if err != nil {
		return err
	}

	_, err = leader.SubmitWithResult(ctx, key, payload)
	return err
}

func (c *Client) Get(ctx context.Context, key string) (json.RawMessage, error) {
	leader := c.findLeader()
	if leader == nil {
		return nil, errors.New("no leader available")
	}

	return leader.Read(ctx, key)
}

func (c *Client) Delete(ctx context.Context, key string) error {
	leader := c.findLeader()
	if leader == nil {
		return errors.New("no leader available")
	}

	payload, err := kv.EncodeCommand(kv.OpDelete, nil, "", 0)
	if err != nil {
		return err
	}

	_, err = leader.SubmitWithResult(ctx, key, payload)
	return err
}

func (c *Client) findLeader() *raft.Node {
	for _, node := range c.nodes {
		if node.IsLeader() {
			return node
		}
	}
	return nil
}

func (c *Client) SetTimeout(d time.Duration) {
	c.timeout = d
}

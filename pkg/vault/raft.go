package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"
)

const raftConfigurationPath = "sys/storage/raft/configuration"

// RaftPeer is one server in the Raft configuration as reported by a node
type RaftPeer struct {
	NodeID  string
	Address string
	Leader  bool
	Voter   bool
}

// RaftJoinOptions describes how a node should join an existing cluster
type RaftJoinOptions struct {
	LeaderAPIAddr    string
	LeaderCACert     string
	LeaderClientCert string
	LeaderClientKey  string
	NonVoter         bool
	Retry            bool
}

// RaftConfiguration reads the current Raft server list
func (c *Client) RaftConfiguration(ctx context.Context) ([]RaftPeer, error) {
	secret, err := c.Logical().ReadWithContext(ctx, raftConfigurationPath)
	if err != nil {
		return nil, classify("read raft configuration", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("raft configuration response from %s is empty", c.nodeID)
	}

	config, ok := secret.Data["config"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("raft configuration from %s has no config block", c.nodeID)
	}
	servers, _ := config["servers"].([]interface{})

	peers := make([]RaftPeer, 0, len(servers))
	for _, raw := range servers {
		server, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		peer := RaftPeer{}
		peer.NodeID, _ = server["node_id"].(string)
		peer.Address, _ = server["address"].(string)
		peer.Leader, _ = server["leader"].(bool)
		peer.Voter, _ = server["voter"].(bool)
		peers = append(peers, peer)
	}
	return peers, nil
}

// RaftJoin asks this node to join the cluster led by opts.LeaderAPIAddr
func (c *Client) RaftJoin(ctx context.Context, opts RaftJoinOptions) (bool, error) {
	resp, err := c.Sys().RaftJoinWithContext(ctx, &api.RaftJoinRequest{
		LeaderAPIAddr:    opts.LeaderAPIAddr,
		LeaderCACert:     opts.LeaderCACert,
		LeaderClientCert: opts.LeaderClientCert,
		LeaderClientKey:  opts.LeaderClientKey,
		Retry:            opts.Retry,
		NonVoter:         opts.NonVoter,
	})
	if err != nil {
		return false, classify("raft join", err)
	}
	return resp.Joined, nil
}

// RaftRemovePeer removes a server from the Raft configuration
func (c *Client) RaftRemovePeer(ctx context.Context, nodeID string) error {
	_, err := c.Logical().WriteWithContext(ctx, "sys/storage/raft/remove-peer", map[string]interface{}{
		"server_id": nodeID,
	})
	if err != nil {
		return classify("raft remove-peer", err)
	}
	return nil
}

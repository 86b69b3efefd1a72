package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/pkg/vault"
	"github.com/arpanrec/linode-stack/pkg/vault/probe"
)

// NodeStatus is one row of the probe output
type NodeStatus struct {
	Node    string `json:"node"`
	Address string `json:"address"`
	State   string `json:"state"`
	Error   string `json:"error,omitempty"`
}

// Probe handles the probe command.
func Probe(ctx context.Context, v *viper.Viper, opts Options, jsonOutput bool, out io.Writer) error {
	env, err := load(ctx, v, opts, false)
	if err != nil {
		return err
	}

	var rootCA string
	if env.material != nil {
		rootCA = env.material.PKI.CertPEM
	}

	targets := make([]probe.Target, 0, len(env.inventory.Nodes))
	for _, n := range env.inventory.Nodes {
		caPEM := rootCA
		if n.CACertFile != "" {
			// #nosec G304 -- path comes from the inventory
			data, err := os.ReadFile(n.CACertFile)
			if err != nil {
				return fmt.Errorf("read CA of %s: %w", n.ID, err)
			}
			caPEM = string(data)
		}
		client, err := vault.NewClient(vault.ClientConfig{
			NodeID:    n.ID,
			Address:   n.APIAddress,
			TLSConfig: &vault.TLSConfig{CACertPEM: []byte(caPEM), ServerName: n.ServerName},
			Timeout:   env.settings.ProbeTimeout,
		})
		if err != nil {
			return fmt.Errorf("create client for %s: %w", n.ID, err)
		}
		targets = append(targets, client)
	}

	prober := probe.New(probe.Config{
		Timeout:     env.settings.ProbeTimeout,
		Concurrency: env.settings.Concurrency,
		RunID:       uuid.NewString(),
	}, env.log, nil)

	observations := prober.ProbeAll(ctx, targets)
	rows := make([]NodeStatus, len(observations))
	for i, o := range observations {
		rows[i] = NodeStatus{Node: o.NodeID, Address: o.Address, State: o.State.String()}
		if o.Err != nil {
			rows[i].Error = o.Err.Error()
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE\tADDRESS\tSTATE\tERROR")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Node, r.Address, r.State, r.Error)
	}
	return w.Flush()
}

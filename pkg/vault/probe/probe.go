// Package probe classifies the state of Vault nodes from their health endpoint.
package probe

import (
	"context"
	"errors"
	"io"
	"net"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/vault/api"
	"golang.org/x/sync/errgroup"

	"github.com/arpanrec/linode-stack/pkg/logger"
	"github.com/arpanrec/linode-stack/shared/events"
)

// DefaultTimeout bounds a single health call
const DefaultTimeout = 5 * time.Second

// NodeState is the classified state of one node
type NodeState int

const (
	Unreachable NodeState = iota
	Uninitialized
	Sealed
	UnsealedStandby
	UnsealedActive
	Error
)

func (s NodeState) String() string {
	switch s {
	case Unreachable:
		return "unreachable"
	case Uninitialized:
		return "uninitialized"
	case Sealed:
		return "sealed"
	case UnsealedStandby:
		return "unsealed-standby"
	case UnsealedActive:
		return "unsealed-active"
	default:
		return "error"
	}
}

// Unsealed reports whether the node serves requests
func (s NodeState) Unsealed() bool {
	return s == UnsealedStandby || s == UnsealedActive
}

// Initialized reports whether the node holds a barrier
func (s NodeState) Initialized() bool {
	return s == Sealed || s.Unsealed()
}

// Target is a node that can be probed
type Target interface {
	NodeID() string
	Address() string
	Health(ctx context.Context) (*api.HealthResponse, error)
}

// Observation is the result of probing one node
type Observation struct {
	NodeID  string
	Address string
	State   NodeState
	Err     error
}

// Config holds probe settings
type Config struct {
	Timeout time.Duration
	// Concurrency caps parallel probes in ProbeAll
	Concurrency int
	RunID       string
}

// Prober classifies nodes. It never retries: callers decide what to do with
// Unreachable.
type Prober struct {
	cfg    Config
	log    logr.Logger
	events *events.EventBus
}

// New creates a Prober. bus may be nil.
func New(cfg Config, log logr.Logger, bus *events.EventBus) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	return &Prober{cfg: cfg, log: log.WithName("probe"), events: bus}
}

// Classify maps a well-formed health response onto a NodeState
func Classify(health *api.HealthResponse) NodeState {
	switch {
	case health == nil:
		return Error
	case !health.Initialized:
		return Uninitialized
	case health.Sealed:
		return Sealed
	case health.Standby || health.PerformanceStandby:
		return UnsealedStandby
	default:
		return UnsealedActive
	}
}

// Probe calls the node's health endpoint once within the probe timeout
func (p *Prober) Probe(ctx context.Context, node Target) Observation {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	obs := Observation{NodeID: node.NodeID(), Address: node.Address()}
	health, err := node.Health(callCtx)
	switch {
	case err == nil:
		obs.State = Classify(health)
	case isUnreachable(err):
		obs.State = Unreachable
		obs.Err = err
	default:
		obs.State = Error
		obs.Err = err
	}

	log := p.log.WithValues(logger.KeyNode, obs.NodeID, logger.KeyState, obs.State.String())
	if obs.Err != nil {
		log.V(1).Info("probe failed", logger.KeyError, obs.Err.Error())
	} else {
		log.V(1).Info("probed node")
	}
	_ = p.events.Publish(ctx, events.NewNodeStateObserved(p.cfg.RunID, obs.NodeID, obs.Address, obs.State.String()))
	return obs
}

// ProbeAll probes every node concurrently and returns observations in input order
func (p *Prober) ProbeAll(ctx context.Context, nodes []Target) []Observation {
	out := make([]Observation, len(nodes))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for i, node := range nodes {
		g.Go(func() error {
			out[i] = p.Probe(gctx, node)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FirstInState returns the first observation in one of the given states
func FirstInState(observations []Observation, states ...NodeState) (Observation, bool) {
	for _, obs := range observations {
		for _, s := range states {
			if obs.State == s {
				return obs, true
			}
		}
	}
	return Observation{}, false
}

// CountInState counts observations in one of the given states
func CountInState(observations []Observation, states ...NodeState) int {
	n := 0
	for _, obs := range observations {
		for _, s := range states {
			if obs.State == s {
				n++
				break
			}
		}
	}
	return n
}

// isUnreachable reports network failures, timeouts and non-2xx answers
func isUnreachable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var respErr *api.ResponseError
	if errors.As(err, &respErr) {
		return true
	}
	// A connection dropped mid-response surfaces as a bare EOF from net/http
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

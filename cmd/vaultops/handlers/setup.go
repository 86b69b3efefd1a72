package handlers

import (
	"context"
	"fmt"
	"io"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"

	"github.com/arpanrec/linode-stack/pkg/metrics"
	"github.com/arpanrec/linode-stack/pkg/vault/bootstrap"
	"github.com/arpanrec/linode-stack/pkg/vault/seal"
	"github.com/arpanrec/linode-stack/shared/events"
	infraerrors "github.com/arpanrec/linode-stack/shared/infrastructure/errors"
)

const pushTimeout = 10 * time.Second

// Setup handles the setup command.
//
// It wires the file custodian, the configured downstream command, secret
// sinks, the S3 offsite store and a metrics recorder, runs the bootstrap
// pipeline and prints one line per stage.
func Setup(ctx context.Context, v *viper.Viper, opts Options, out io.Writer) error {
	env, err := load(ctx, v, opts, true)
	if err != nil {
		return err
	}
	log := env.log

	cfg, err := env.clusterConfig()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	recorder, err := metrics.NewRecorder(reg, reg)
	if err != nil {
		return err
	}
	bus := events.NewEventBus(log.WithName("events"))
	runs := &runStages{}
	runs.subscribe(bus)

	deps := bootstrap.Dependencies{
		Custodian: seal.NewFileCustodian(env.settings.Custody.File),
		Metrics:   recorder,
		Events:    bus,
	}
	if applier := env.inventory.Applier(); applier != nil {
		applier.Log = log.WithName("downstream")
		deps.Applier = applier
	}
	if deps.Sinks, err = env.sinks(ctx); err != nil {
		return err
	}
	if deps.Offsite, err = env.offsite(ctx); err != nil {
		return err
	}

	handle, runErr := bootstrap.ClusterBootstrap(ctx, cfg, deps, log)
	pushMetrics(ctx, log, env.settings.Metrics.PushURL, env.settings.Metrics.Job, runs.runID(), recorder)

	runs.print(out)
	if runErr != nil {
		return exitError(runErr)
	}
	// The CLI has no further use for the admin session
	defer func() {
		if err := handle.Client.RevokeSelf(context.WithoutCancel(ctx)); err != nil {
			log.Error(err, "failed to revoke the admin session")
		}
		handle.Close()
	}()

	fmt.Fprintf(out, "\ncluster ready at %s (active node %s, run %s)\n", handle.Address, handle.ReadyNode, handle.RunID)
	if handle.Snapshot != nil {
		fmt.Fprintf(out, "snapshot: %s (%d bytes)\n", handle.Snapshot.Path, handle.Snapshot.Size)
	}
	return nil
}

func pushMetrics(ctx context.Context, log logr.Logger, url, job, runID string, recorder *metrics.Recorder) {
	if url == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
	defer cancel()
	if err := recorder.Push(ctx, url, job, runID); err != nil {
		log.Error(err, "failed to push metrics")
	}
}

// runStages collects stage outcomes from the event bus, so that a failed run
// still reports the stages it got through.
type runStages struct {
	mu       sync.Mutex
	id       string
	finished []events.StageFinished
}

func (r *runStages) subscribe(bus *events.EventBus) {
	events.Subscribe(bus, func(_ context.Context, e events.StageFinished) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.id = e.RunID
		r.finished = append(r.finished, e)
		return nil
	})
}

func (r *runStages) runID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.id == "" {
		return "unknown"
	}
	return r.id
}

func (r *runStages) print(out io.Writer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STAGE\tRESULT\tATTEMPTS\tDURATION\tREASON")
	for _, e := range r.finished {
		reason := e.Reason
		if e.Result == infraerrors.KindOK.String() {
			reason = ""
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.Stage, e.Result, e.Attempts, e.Duration.Round(time.Millisecond), reason)
	}
	_ = w.Flush()
}

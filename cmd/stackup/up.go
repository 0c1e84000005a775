package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matgreaves/stackup/explain"
	"github.com/matgreaves/stackup/server"
	"github.com/matgreaves/stackup/server/backend"
	"github.com/matgreaves/stackup/server/store"
)

// teardownTimeout bounds Down after an interrupt.
const teardownTimeout = time.Minute

type upOptions struct {
	detach         bool
	startupTimeout time.Duration
	metricsAddr    string
	maxParallel    int
}

func newUpCmd(a *app) *cobra.Command {
	var opts upOptions
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Launch the stack and wait for it to settle",
		Long: `Launch every service as soon as its prerequisites are satisfied and wait
until the stack has settled. Without --detach, stackup keeps supervising
restart policies until interrupted and then tears the stack down.

Exit status is 0 when every service is healthy or completed successfully,
1 when any service failed or was blocked, and 2 on an invalid stack file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("timeout") {
				opts.startupTimeout = a.cfg.Up.StartupTimeout
			}
			if !cmd.Flags().Changed("metrics-addr") {
				opts.metricsAddr = a.cfg.Up.MetricsAddr
			}
			if !cmd.Flags().Changed("max-parallel") {
				opts.maxParallel = a.cfg.Up.MaxParallel
			}
			return a.up(cmd.Context(), opts)
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.detach, "detach", "d", false, "leave services running when stackup exits")
	f.DurationVar(&opts.startupTimeout, "timeout", 0, "give up on services not steady after this long (0 means no limit)")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /status, /events, /report and /metrics on this address")
	f.IntVar(&opts.maxParallel, "max-parallel", 0, "launch at most this many services at once (0 means unlimited)")
	return cmd
}

func (a *app) up(ctx context.Context, opts upOptions) error {
	g, stackFile, err := a.loadGraph()
	if err != nil {
		return err
	}
	project := g.Stack().Name

	b, err := a.newBackend(filepath.Dir(stackFile))
	if err != nil {
		return err
	}
	if _, ok := b.(backend.Detacher); opts.detach && !ok {
		return &exitError{code: exitConfigError, err: errors.Newf("backend %s cannot detach", a.cfg.Backend)}
	}

	st, err := store.Open(store.Path(a.cfg.StateDir, project), a.log.Named("store"))
	if err != nil {
		return err
	}
	defer st.Close()
	run, err := st.BeginRun(ctx, project, stackFile, a.cfg.Backend, g.Services())
	if err != nil {
		return err
	}
	log := a.log.With(zap.String("project", project), zap.String("run", run.ID))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	o, err := server.New(g, b,
		server.WithLogger(log),
		server.WithMetrics(server.NewMetrics(reg)),
		server.WithObserver(run),
		server.WithStartupTimeout(opts.startupTimeout),
		server.WithPollInterval(a.cfg.Up.PollInterval),
		server.WithStallTimeout(a.cfg.Up.StallTimeout),
		server.WithMaxParallel(opts.maxParallel),
		server.WithDetach(opts.detach),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.metricsAddr != "" {
		srv, err := serveMonitor(opts.metricsAddr, server.NewServer(o, reg), log)
		if err != nil {
			return err
		}
		defer srv.Close()
	}

	rep, upErr := o.Up(ctx)
	if err := run.Settled(context.WithoutCancel(ctx), rep.OK); err != nil {
		log.Warn("record outcome", zap.Error(err))
	}
	if upErr == nil {
		printReport(a.stdout, rep)
		if !rep.OK {
			fmt.Fprintln(a.stdout)
			explain.Pretty(a.stdout, explain.Analyze(g, o.Status(), o.State().Transitions()))
		}
	}

	if opts.detach && upErr == nil {
		if n, err := st.Prune(context.WithoutCancel(ctx), project, a.cfg.Up.KeepRuns); err != nil {
			log.Warn("prune runs", zap.Error(err))
		} else if n > 0 {
			log.Debug("pruned runs", zap.Int64("count", n))
		}
		return outcome(rep)
	}

	if upErr == nil {
		log.Info("supervising; press Ctrl-C to stop")
		<-ctx.Done()
	}

	downCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
	defer cancel()
	downErr := o.Down(downCtx)
	if err := run.Finish(downCtx); err != nil {
		log.Warn("record teardown", zap.Error(err))
	}
	if upErr != nil && !errors.Is(upErr, context.Canceled) {
		return errors.CombineErrors(upErr, downErr)
	}
	if downErr != nil {
		return downErr
	}
	return outcome(rep)
}

// outcome turns a report into the command's exit status.
func outcome(rep server.Report) error {
	if rep.OK {
		return nil
	}
	return &exitError{code: exitUnsettled}
}

// serveMonitor starts the HTTP monitor on addr. The listener is bound
// before returning so address errors surface immediately.
func serveMonitor(addr string, h http.Handler, log *zap.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrap(err, "metrics listener")
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("monitor stopped", zap.Error(err))
		}
	}()
	log.Info("monitor listening", zap.String("addr", ln.Addr().String()))
	return srv, nil
}

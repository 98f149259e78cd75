package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/containerd/log"
	sddaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sys/unix"

	"github.com/machined/machined/daemon"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *daemonOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Follow existing machines and serve metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

// runServe restores the existing machines and follows them until ctx is
// done.
func runServe(ctx context.Context, opts *daemonOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := setDefaultUmask(); err != nil {
		return err
	}
	if tp, err := getTracerProvider(ctx, os.Getenv); err != nil {
		log.G(ctx).WithError(err).Debug("tracing is not configured")
	} else {
		otel.SetTracerProvider(tp)
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				log.G(ctx).WithError(err).Warn("failed to flush traces")
			}
		}()
	}

	d, closeDaemon, err := opts.newDaemon(ctx, opts.daemonConfig)
	if err != nil {
		return err
	}
	defer closeDaemon()

	if err := d.Restore(ctx); err != nil {
		return err
	}
	if every := opts.daemonConfig.Rescan.Duration; every > 0 {
		rescanCtx, stopRescan := context.WithCancel(ctx)
		rescanDone := make(chan struct{})
		go func() {
			defer close(rescanDone)
			d.RescanEvery(rescanCtx, every)
		}()
		defer func() {
			stopRescan()
			<-rescanDone
		}()
	}

	if addr := opts.daemonConfig.MetricsAddr; addr != "" {
		srv, err := startMetricsServer(ctx, addr)
		if err != nil {
			return err
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	notifyReady()
	log.G(ctx).Info("machined is ready")
	<-ctx.Done()
	log.G(ctx).Info("shutting down")
	notifyStopping()
	return nil
}

func startMetricsServer(ctx context.Context, addr string) (*http.Server, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", otelhttp.NewHandler(daemon.MetricsHandler(), "metrics"))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Minute,
	}
	log.G(ctx).WithField("addr", l.Addr().String()).Info("serving metrics")
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.G(ctx).WithError(err).Error("metrics server stopped")
		}
	}()
	return srv, nil
}

// setDefaultUmask sets the umask to 0022 so generated files get the
// expected modes.
func setDefaultUmask() error {
	desiredUmask := 0o022
	unix.Umask(desiredUmask)
	if umask := unix.Umask(desiredUmask); umask != desiredUmask {
		return errors.New("failed to set umask")
	}
	return nil
}

// notifyReady tells systemd the daemon is up when it runs as a notify service.
func notifyReady() {
	go sddaemon.SdNotify(false, sddaemon.SdNotifyReady)
}

func notifyStopping() {
	go sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
}

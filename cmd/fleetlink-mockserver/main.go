// Command fleetlink-mockserver runs a local command server for development.
// Devices connect on /ws with a signed URL; /push lists connected devices
// (GET) or pushes a wire message to one of them (POST ?device_id=...).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleetlink/internal/testserver"
	"github.com/ChuLiYu/fleetlink/pkg/types"
)

type options struct {
	addr         string
	secret       string
	pushInterval time.Duration
	noPong       bool
	verbose      bool
}

func main() {
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "fleetlink-mockserver",
		Short:         "Mock command server for local fleetlink runs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "127.0.0.1:8765", "listen address")
	cmd.Flags().StringVar(&opts.secret, "secret", "", "connection signing secret")
	cmd.Flags().DurationVar(&opts.pushInterval, "push-interval", 0, "push a random command to every device at this interval (0 disables)")
	cmd.Flags().BoolVar(&opts.noPong, "no-pong", false, "leave pings unanswered")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	return cmd
}

func serve(ctx context.Context, opts *options) error {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	srv := testserver.New(testserver.Config{Secret: opts.secret, NoPong: opts.noPong, Logger: logger})
	mux := http.NewServeMux()
	mux.Handle("/ws", srv)
	mux.HandleFunc("/push", srv.HandlePush)
	hs := &http.Server{Addr: opts.addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("mock server listening", "addr", opts.addr)
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if opts.pushInterval > 0 {
		go pushLoop(ctx, srv, opts.pushInterval, logger)
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range srv.Devices() {
		srv.Disconnect(id)
	}
	return hs.Shutdown(shutdownCtx)
}

var businessCommands = []types.Command{
	types.CommandCollectArticle,
	types.CommandCollectComment,
	types.CommandGetArticleReading,
}

func pushLoop(ctx context.Context, srv *testserver.Server, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, id := range srv.Devices() {
			cmd := businessCommands[rand.Intn(len(businessCommands))]
			msg, err := srv.PushCommand(id, cmd, map[string]any{"seq": time.Now().UnixMilli()})
			if err != nil {
				logger.Warn("push failed", "device_id", id, "error", err)
				continue
			}
			logger.Info("pushed", "device_id", id, "command", cmd, "trace_id", msg.TraceID)
		}
	}
}

// keyrxd-sim runs a simulated keyrx daemon: the real WebSocket RPC surface
// backed by an in-memory profile store, for developing UIs and clients
// without touching a keyboard pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyrx/go-keyrxd/pkg/sim"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var listenFlag string
	var profilesFlag string
	var latencyFlag time.Duration
	var verboseFlag bool

	cmd := &cobra.Command{
		Use:           "keyrxd-sim",
		Short:         "Simulated keyrx daemon speaking the WebSocket RPC protocol",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verboseFlag {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := sim.NewProfileStore(profilesFlag, logger)
			if err != nil {
				return err
			}
			if profilesFlag == "" {
				store.SetProfiles([]string{"Default"})
			}

			server := sim.New(sim.WithLogger(logger))
			server.AttachProfiles(store)
			defer server.Shutdown()

			if profilesFlag != "" {
				go func() {
					if err := store.Watch(ctx.Done(), func() { server.PublishState(store) }); err != nil {
						logger.Warn("profile watch stopped", "err", err)
					}
				}()
			}
			if latencyFlag > 0 {
				go server.EmitLatency(ctx, latencyFlag)
			}

			mux := http.NewServeMux()
			mux.Handle("/ws", server)
			httpServer := &http.Server{Addr: listenFlag, Handler: mux}

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				_ = httpServer.Shutdown(shutdownCtx)
			}()

			logger.Info("simulated daemon listening", "addr", listenFlag, "endpoint", "/ws")
			if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&listenFlag, "listen", "127.0.0.1:9867", "Listen address")
	cmd.Flags().StringVar(&profilesFlag, "profiles", "", "Directory of .krx profiles to serve and watch")
	cmd.Flags().DurationVar(&latencyFlag, "latency-interval", 0, "Emit synthetic latency stats at this interval (0 disables)")
	cmd.Flags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	return cmd
}

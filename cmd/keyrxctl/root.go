package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyrx/go-keyrxd/pkg/client"
	"github.com/keyrx/go-keyrxd/pkg/protocol"
)

func newRootCommand() *cobra.Command {
	var urlFlag string
	var timeoutFlag time.Duration
	var verboseFlag bool

	rootCmd := &cobra.Command{
		Use:           "keyrxctl",
		Short:         "Talk to a keyrx daemon over its WebSocket RPC endpoint",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&urlFlag, "url", "ws://127.0.0.1:9867/ws", "Daemon WebSocket URL")
	rootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 10*time.Second, "Per-call timeout")
	rootCmd.PersistentFlags().BoolVarP(&verboseFlag, "verbose", "v", false, "Enable debug logging")

	dial := func(ctx context.Context) (*client.Client, error) {
		level := slog.LevelWarn
		if verboseFlag {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
		c := client.New(urlFlag,
			client.WithLogger(logger),
			client.WithDefaultRequestTimeout(timeoutFlag),
			client.WithConnectTimeout(timeoutFlag),
		)
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}

	rootCmd.AddCommand(newQueryCommand(dial))
	rootCmd.AddCommand(newCommandCommand(dial))
	rootCmd.AddCommand(newWatchCommand(&urlFlag, &timeoutFlag))
	rootCmd.AddCommand(newStateCommand(dial))

	return rootCmd
}

type dialFunc func(ctx context.Context) (*client.Client, error)

func newQueryCommand(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "query <method> [json-params]",
		Short: "Invoke a read-only RPC method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, dial, args, func(ctx context.Context, c *client.Client, method string, params any) (json.RawMessage, error) {
				return c.Query(ctx, method, params)
			})
		},
	}
}

func newCommandCommand(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "command <method> [json-params]",
		Short: "Invoke a state-modifying RPC method",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCall(cmd, dial, args, func(ctx context.Context, c *client.Client, method string, params any) (json.RawMessage, error) {
				return c.Command(ctx, method, params)
			})
		},
	}
}

func runCall(cmd *cobra.Command, dial dialFunc, args []string,
	call func(context.Context, *client.Client, string, any) (json.RawMessage, error)) error {
	var params any
	if len(args) == 2 {
		var raw json.RawMessage
		if err := json.Unmarshal([]byte(args[1]), &raw); err != nil {
			return fmt.Errorf("params must be valid JSON: %w", err)
		}
		params = raw
	}

	c, err := dial(cmd.Context())
	if err != nil {
		return err
	}
	defer c.Close()

	result, err := call(cmd.Context(), c, args[0], params)
	if err != nil {
		return err
	}
	return printJSON(cmd, result)
}

func newStateCommand(dial dialFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Print the daemon's current state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dial(cmd.Context())
			if err != nil {
				return err
			}
			defer c.Close()

			state, err := client.Query[protocol.DaemonState](cmd.Context(), c, "get_state", nil)
			if err != nil {
				return err
			}
			return printJSON(cmd, state)
		},
	}
}

func newWatchCommand(urlFlag *string, timeoutFlag *time.Duration) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <channel>",
		Short: "Subscribe to a channel and stream its events as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			channel := args[0]

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
			c := client.New(*urlFlag,
				client.WithLogger(logger),
				client.WithDefaultRequestTimeout(*timeoutFlag),
				client.WithAutoReconnect(10, time.Second),
				client.WithOnStateChange(func(s client.State) {
					fmt.Fprintf(cmd.ErrOrStderr(), "# connection %s\n", s)
				}),
			)
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			remove := c.OnEvent(func(ev protocol.Event) {
				if ev.Channel != channel {
					return
				}
				line, err := json.Marshal(ev)
				if err != nil {
					return
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(line))
			})
			defer remove()

			if err := c.Subscribe(ctx, channel); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}

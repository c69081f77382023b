package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/devdash/backend/internal/logger"
	"github.com/devdash/backend/pkg/client"
	"github.com/devdash/backend/pkg/protocol"
)

var version = "dev"

type globalFlags struct {
	url      string
	logLevel string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "dashctl",
		Short:         "Watch and publish dev dashboard events",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.url, "url", envOrDefault("DEVDASH_URL", "ws://localhost:8080/ws"), "Hub WebSocket URL")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", envOrDefault("DEVDASH_LOG_LEVEL", "warn"), "Log level: debug, info, warn, error")

	root.AddCommand(newWatchCmd(g))
	root.AddCommand(newSendCmd(g))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dashctl %s\n", version)
		},
	})

	return root
}

func newManager(g *globalFlags) (*client.Manager, *zap.Logger, error) {
	log, err := logger.New(g.logLevel, "console")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build logger: %w", err)
	}
	cfg := client.DefaultConfig(g.url)
	cfg.Logger = log
	return client.New(cfg), log, nil
}

// waitOpen connects m and blocks until the connection is open, automatic
// reconnection gives up, or ctx ends.
func waitOpen(ctx context.Context, m *client.Manager) error {
	opened := make(chan struct{}, 1)
	failed := make(chan error, 1)
	m.OnStateChange(func(s client.State) {
		if s == client.StateOpen {
			select {
			case opened <- struct{}{}:
			default:
			}
		}
	})
	m.OnReconnectFailed(func(err error) {
		select {
		case failed <- err:
		default:
		}
	})

	m.Connect()
	select {
	case <-opened:
		return nil
	case err := <-failed:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	var events []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Subscribe to events and print every envelope as a JSON line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(events) == 0 {
				return fmt.Errorf("at least one --events entry is required")
			}
			m, log, err := newManager(g)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			defer m.Disconnect()

			out := newEnvelopePrinter(cmd.OutOrStdout())
			for _, e := range events {
				m.On(protocol.MessageType(e), out.print)
			}
			if err := m.Subscribe(events...); err != nil {
				return err
			}

			failed := make(chan error, 1)
			m.OnReconnectFailed(func(err error) {
				select {
				case failed <- err:
				default:
				}
			})
			m.OnStateChange(func(s client.State) {
				log.Info("connection state changed", zap.Stringer("state", s))
			})
			m.Connect()

			select {
			case <-cmd.Context().Done():
				return nil
			case err := <-failed:
				return err
			}
		},
	}

	cmd.Flags().StringSliceVar(&events, "events", nil, "Comma-separated event types to subscribe to")
	return cmd
}

func newSendCmd(g *globalFlags) *cobra.Command {
	var (
		msgType string
		data    string
		ack     bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one envelope to the hub and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if msgType == "" {
				return fmt.Errorf("--type is required")
			}
			payload, err := parseData(data)
			if err != nil {
				return err
			}

			m, log, err := newManager(g)
			if err != nil {
				return err
			}
			defer log.Sync() //nolint:errcheck
			defer m.Disconnect()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := waitOpen(ctx, m); err != nil {
				return fmt.Errorf("failed to connect to %s: %w", g.url, err)
			}

			t := protocol.MessageType(msgType)
			if !ack {
				id, err := m.Send(t, payload, client.WithoutQueue())
				if err != nil {
					return fmt.Errorf("failed to send %s: %w", msgType, err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			reply, err := m.SendWithAck(ctx, t, payload, timeout)
			if err != nil {
				return fmt.Errorf("no ack for %s: %w", msgType, err)
			}
			return newEnvelopePrinter(cmd.OutOrStdout()).write(reply)
		},
	}

	cmd.Flags().StringVar(&msgType, "type", "", "Envelope type")
	cmd.Flags().StringVar(&data, "data", "", "JSON payload")
	cmd.Flags().BoolVar(&ack, "ack", false, "Wait for the <type>_ack_<id> reply and print it")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Connect and ack timeout")
	return cmd
}

// parseData validates raw as JSON. Empty input means no payload.
func parseData(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("--data is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

type envelopePrinter struct {
	enc *json.Encoder
}

func newEnvelopePrinter(w io.Writer) *envelopePrinter {
	return &envelopePrinter{enc: json.NewEncoder(w)}
}

// print is a client.Handler; handlers run on the read goroutine only.
func (p *envelopePrinter) print(env protocol.Envelope) {
	_ = p.write(env)
}

func (p *envelopePrinter) write(env protocol.Envelope) error {
	return p.enc.Encode(env)
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/inercia/wsrelay/internal/client"
	"github.com/inercia/wsrelay/internal/events"
)

// TokenEnv supplies the tail credential when --token is not set.
const TokenEnv = "WSRELAY_TOKEN"

var (
	tailURL          string
	tailToken        string
	tailThreads      []string
	tailJSON         bool
	tailPingInterval time.Duration
)

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Print the events delivered to a user",
	Long: `Connect to a relay as a user, subscribe to threads and print every
envelope received. Sequence gaps are reported on stderr.

Without --thread only account-level notifications are received.

Example:
  wsrelay tail --token "$(wsrelay token --user alice)" --thread t-1
  wsrelay tail --url https://relay.example.com --thread t-1 --json`,
	RunE: runTail,
}

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().StringVar(&tailURL, "url", "", "Server URL (default: http://<server.listen>)")
	tailCmd.Flags().StringVar(&tailToken, "token", "", "User credential (default: $"+TokenEnv+")")
	tailCmd.Flags().StringSliceVar(&tailThreads, "thread", nil, "Thread to subscribe to; repeat or comma-separate")
	tailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print envelopes in wire format")
	tailCmd.Flags().DurationVar(&tailPingInterval, "ping-interval", 20*time.Second, "Heartbeat interval; keep it below delivery.idle_timeout")
}

func runTail(cmd *cobra.Command, args []string) error {
	url := tailURL
	if url == "" {
		url = "http://" + cfg.Server.Listen
	}
	token := tailToken
	if token == "" {
		token = os.Getenv(TokenEnv)
	}
	if token == "" {
		return fmt.Errorf("a token is required (--token or $%s)", TokenEnv)
	}
	if tailPingInterval <= 0 {
		return fmt.Errorf("ping interval must be positive")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	c := client.New(url, client.WithToken(token))
	sess, err := c.Connect(ctx, client.SessionCallbacks{
		OnConnected: func(connectionID, userID string) {
			fmt.Fprintf(errOut, "connected as %s (%s)\n", userID, connectionID)
		},
		OnEnvelope: func(env events.Envelope) {
			if err := printEnvelope(out, env, tailJSON); err != nil {
				fmt.Fprintf(errOut, "print: %v\n", err)
			}
		},
		OnGap: func(g client.Gap) {
			fmt.Fprintln(errOut, describeGap(g))
		},
		OnSubscribed: func(threadID string) {
			fmt.Fprintf(errOut, "subscribed to %s\n", threadID)
		},
		OnProtocolError: func(message string) {
			fmt.Fprintf(errOut, "server: %s\n", message)
		},
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	if err := sess.Ping(); err != nil {
		return err
	}
	for _, thread := range tailThreads {
		if err := sess.Subscribe(thread); err != nil {
			return err
		}
	}

	return keepAlive(ctx, sess, tailPingInterval)
}

// keepAlive pings until ctx ends or the server closes the session. Inbound
// frames are what keeps the connection from being reaped as idle.
func keepAlive(ctx context.Context, sess *client.Session, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sess.Done():
			if code := sess.CloseCode(); code != 0 {
				return fmt.Errorf("server closed the connection (code %d): %w", code, sess.Err())
			}
			return sess.Err()
		case <-ticker.C:
			if err := sess.Ping(); err != nil {
				return err
			}
		}
	}
}

func printEnvelope(w io.Writer, env events.Envelope, wire bool) error {
	if wire {
		data, err := json.Marshal(env)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	data, err := json.Marshal(env.Payload())
	if err != nil {
		return err
	}
	thread := env.ThreadID()
	if thread == "" {
		thread = "-"
	}
	_, err = fmt.Fprintf(w, "%s %s/%s #%d %s %s\n",
		env.CreatedAt().Format(time.RFC3339), env.UserID(), thread, env.Sequence(), env.Type(), data)
	return err
}

func describeGap(g client.Gap) string {
	if g.Regressed() {
		return fmt.Sprintf("out of order on %s: got #%d after #%d", g.Key, g.Got, g.Last)
	}
	return fmt.Sprintf("gap on %s: missed %d event(s) between #%d and #%d", g.Key, g.Missing(), g.Last, g.Got)
}

/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// screensim simulates a player device for development and soak testing.
// It speaks the same frame protocol as real players: hello on connect,
// ack/nack on apply, pong on ping. Chaos flags exercise the server's
// retry and timeout paths.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/heimdall_signage/internal/devicesync"
	"github.com/friendsincode/heimdall_signage/internal/version"
)

var (
	serverURL       string
	deviceToken     string
	agent           string
	lastApplied     int
	ackDelay        time.Duration
	dropAcks        bool
	nackReason      string
	disconnectEvery time.Duration
	statusEvery     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "screensim",
	Short: "Simulate a player device against a Heimdall Signage server",
	Long: `screensim connects to the device sync endpoint with a device token and
behaves like a player: it announces itself, applies pushed decisions, and
acknowledges them. Flags can make it misbehave to exercise the server's
ack timeout, retry, and reconnect handling.

Examples:
  screensim --server http://localhost:8080 --token "$TOKEN"
  screensim --server http://localhost:8080 --token "$TOKEN" --drop-acks
  screensim --server http://localhost:8080 --token "$TOKEN" --disconnect-every 90s
  screensim --server http://localhost:8080 --token "$TOKEN" --nack-reason "decode error"`,
	RunE: runSim,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "Server base URL")
	rootCmd.Flags().StringVar(&deviceToken, "token", "", "Device token for one screen (required)")
	rootCmd.Flags().StringVar(&agent, "agent", "screensim/"+version.Version, "Agent string sent in hello")
	rootCmd.Flags().IntVar(&lastApplied, "last-applied", 0, "Decision version presented on connect")
	rootCmd.Flags().DurationVar(&ackDelay, "ack-delay", 0, "Artificial delay before acking an apply")
	rootCmd.Flags().BoolVar(&dropAcks, "drop-acks", false, "Never acknowledge decisions")
	rootCmd.Flags().StringVar(&nackReason, "nack-reason", "", "Reject every decision with this reason")
	rootCmd.Flags().DurationVar(&disconnectEvery, "disconnect-every", 0, "Drop the connection on this interval (0 = never)")
	rootCmd.Flags().DurationVar(&statusEvery, "status-every", 30*time.Second, "Interval between status frames")
	rootCmd.MarkFlagRequired("token")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runSim(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	wsURL := strings.TrimRight(serverURL, "/") + "/api/v1/device/ws?token=" + url.QueryEscape(deviceToken)

	backoff := time.Second
	for {
		start := time.Now()
		err := runSession(ctx, wsURL)
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "screensim stopped")
			return nil
		}

		// A session that held for a while earns a fresh backoff.
		if time.Since(start) > time.Minute {
			backoff = time.Second
		}
		fmt.Fprintf(os.Stderr, "connection lost: %v; reconnecting in %s\n", err, backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
	}
}

func runSession(ctx context.Context, wsURL string) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := ws.Dial(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(ws.StatusInternalError, "simulator exit")

	if err := sendFrame(ctx, conn, devicesync.FrameHello, devicesync.HelloPayload{
		Agent:       agent,
		LastApplied: lastApplied,
	}); err != nil {
		return err
	}
	fmt.Printf("connected (last_applied=%d)\n", lastApplied)

	frames := make(chan devicesync.Frame, 16)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				readErr <- err
				return
			}
			var f devicesync.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				fmt.Fprintf(os.Stderr, "bad frame from server: %v\n", err)
				continue
			}
			frames <- f
		}
	}()

	status := time.NewTicker(statusEvery)
	defer status.Stop()

	var chaos <-chan time.Time
	if disconnectEvery > 0 {
		chaosTimer := time.NewTimer(disconnectEvery)
		defer chaosTimer.Stop()
		chaos = chaosTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close(ws.StatusNormalClosure, "simulator shutdown")
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-chaos:
			fmt.Println("chaos: dropping connection")
			conn.Close(ws.StatusNormalClosure, "simulated restart")
			return fmt.Errorf("simulated restart")

		case <-status.C:
			if err := sendFrame(ctx, conn, devicesync.FrameStatus, nil); err != nil {
				return err
			}

		case f := <-frames:
			if err := handleFrame(ctx, conn, f); err != nil {
				return err
			}
		}
	}
}

func handleFrame(ctx context.Context, conn *ws.Conn, f devicesync.Frame) error {
	switch f.Type {
	case devicesync.FrameApply:
		var apply devicesync.ApplyPayload
		if err := json.Unmarshal(f.Data, &apply); err != nil {
			fmt.Fprintf(os.Stderr, "bad apply payload: %v\n", err)
			return nil
		}

		content := "(idle)"
		if apply.ContentID != nil {
			content = *apply.ContentID
		}
		fmt.Printf("apply v%d: content=%s reason=%s\n", apply.Version, content, apply.Reason)

		if nackReason != "" {
			return sendFrame(ctx, conn, devicesync.FrameNack, devicesync.NackPayload{
				Version: apply.Version,
				Reason:  nackReason,
			})
		}
		if dropAcks {
			fmt.Printf("  dropping ack for v%d\n", apply.Version)
			return nil
		}
		if ackDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(ackDelay):
			}
		}
		lastApplied = apply.Version
		return sendFrame(ctx, conn, devicesync.FrameAck, devicesync.AckPayload{Version: apply.Version})

	case devicesync.FramePing:
		return sendFrame(ctx, conn, devicesync.FramePong, nil)

	case devicesync.FramePong:
		return nil

	default:
		fmt.Fprintf(os.Stderr, "unexpected frame type %q\n", f.Type)
		return nil
	}
}

func sendFrame(ctx context.Context, conn *ws.Conn, frameType string, payload any) error {
	f := devicesync.Frame{Type: frameType, TS: time.Now().UTC()}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", frameType, err)
		}
		f.Data = data
	}

	buf, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Write(wctx, ws.MessageText, buf); err != nil {
		return fmt.Errorf("write %s frame: %w", frameType, err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/lk2023060901/chat-relay-go/application"
	"github.com/lk2023060901/chat-relay-go/internal/network/connector"
	"github.com/lk2023060901/chat-relay-go/internal/relay/auth"
	"github.com/lk2023060901/chat-relay-go/internal/relay/protocol"
	"github.com/lk2023060901/chat-relay-go/pkg/util/conc"
	"github.com/lk2023060901/chat-relay-go/pkg/util/merr"
)

type probeOptions struct {
	url          string
	userID       string
	token        string
	conversation string
	message      string
	heartbeat    time.Duration
	duration     time.Duration
}

func newProbeCmd(load loader) *cobra.Command {
	var opts probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Connect as a user and print every event received",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := load()
			if err != nil {
				return err
			}
			if opts.token == "" {
				if opts.userID == "" {
					return merr.WrapErrParameterMissing("--user or --token")
				}
				opts.token, err = auth.Mint(app.Config().Auth.JWTSecret, opts.userID, app.Config().Auth.TokenTTL, time.Now())
				if err != nil {
					return err
				}
			}
			if opts.url == "" {
				opts.url = defaultProbeURL(app.Config())
			}
			ctx, stop := application.SignalContext(cmd.Context())
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			return probe(ctx, cmd.OutOrStdout(), app.Config().Auth.Subprotocol, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "", "websocket url (default derived from server.addr and server.path)")
	cmd.Flags().StringVar(&opts.userID, "user", "", "user id to mint a token for")
	cmd.Flags().StringVar(&opts.token, "token", "", "token to present instead of minting one")
	cmd.Flags().StringVar(&opts.conversation, "conversation", "", "conversation to send --message to after connecting")
	cmd.Flags().StringVar(&opts.message, "message", "", "message content")
	cmd.Flags().DurationVar(&opts.heartbeat, "heartbeat", 30*time.Second, "heartbeat interval, 0 disables")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "disconnect after this long, 0 waits for a signal")
	return cmd
}

func defaultProbeURL(cfg *application.Config) string {
	host, port, err := net.SplitHostPort(cfg.Server.Addr)
	if err != nil {
		return "ws://" + cfg.Server.Addr + cfg.Server.Path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(host, port), Path: cfg.Server.Path}
	return u.String()
}

func probe(ctx context.Context, out io.Writer, subprotocol string, opts probeOptions) error {
	dialer := connector.NewWSConnector(connector.Config{
		Subprotocols: []string{subprotocol, auth.TokenSubprotocolPrefix + opts.token},
	}, nil)
	conn, resp, err := dialer.Dial(ctx, opts.url, nil)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			return errors.Wrapf(err, "handshake refused: %s %s", resp.Status, body)
		}
		return err
	}
	defer conn.Close()
	fmt.Fprintf(out, "connected remote=%v subprotocol=%s\n", conn.RemoteAddr(), conn.Subprotocol())

	if opts.heartbeat > 0 {
		conc.Go(func() (struct{}, error) {
			ticker := time.NewTicker(opts.heartbeat)
			defer ticker.Stop()
			for {
				select {
				case <-conn.Context().Done():
					return struct{}{}, nil
				case <-ticker.C:
					if err := conn.Send(protocol.EventHeartbeat, protocol.Heartbeat{}); err != nil {
						return struct{}{}, err
					}
				}
			}
		})
	}

	if opts.conversation != "" && opts.message != "" {
		req := protocol.SendMessage{ConversationID: opts.conversation, Content: opts.message}
		if err := conn.Send(protocol.EventSendMessage, req); err != nil {
			return errors.Wrap(err, "send message")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-conn.Recv():
			if !ok {
				fmt.Fprintln(out, "connection closed")
				return nil
			}
			fmt.Fprintf(out, "%s %s\n", env.Event, env.Data)
		}
	}
}

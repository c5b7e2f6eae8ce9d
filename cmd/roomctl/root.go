package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"campusdrop/internal/client"
	"campusdrop/internal/realtime"
)

type globalOptions struct {
	server string
	token  string
	origin string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:          "roomctl",
		Short:        "Chat and call inside campusdrop delivery rooms",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.server, "server", envOr("ROOMCTL_SERVER", "http://localhost:8000"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("ROOMCTL_TOKEN"), "access token (see `roomctl login`)")
	root.PersistentFlags().StringVar(&opts.origin, "origin", envOr("ROOMCTL_ORIGIN", "http://localhost:3000"), "Origin header for the websocket handshake")

	root.AddCommand(
		newLoginCmd(opts),
		newMeCmd(opts),
		newRoomsCmd(opts),
		newDeliveredCmd(opts),
		newHistoryCmd(opts),
		newSendCmd(opts),
		newEditCmd(opts),
		newDeleteCmd(opts),
		newTailCmd(opts),
		newCallCmd(opts),
	)
	return root
}

// api returns an authenticated API client.
func (o *globalOptions) api() (*client.Client, error) {
	if o.token == "" {
		return nil, errors.New("no token: run `roomctl login` and export ROOMCTL_TOKEN")
	}
	return client.New(o.server, o.token), nil
}

// dial opens the realtime connection to the server's /ws endpoint.
func (o *globalOptions) dial(ctx context.Context) (*realtime.Client, error) {
	u, err := url.Parse(o.server)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	return realtime.Dial(ctx, realtime.ClientConfig{
		URL:            u.String(),
		Token:          o.token,
		Origin:         o.origin,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     15 * time.Second,
	}), nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

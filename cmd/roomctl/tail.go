package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"campusdrop/internal/feed"
	"campusdrop/internal/realtime"
	"campusdrop/internal/service"
)

func newTailCmd(opts *globalOptions) *cobra.Command {
	var poll int
	cmd := &cobra.Command{
		Use:   "tail <room-id>",
		Short: "Follow a room's messages live until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			api, err := opts.api()
			if err != nil {
				return err
			}
			room, err := api.Resolve(ctx, args[0])
			if err != nil {
				return err
			}
			conn, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			registry := realtime.NewRegistry(conn)
			defer registry.Close()

			f, err := feed.Open(ctx, feed.Config{
				RoomID:       room.ID,
				Fetcher:      api,
				Registry:     registry,
				Conn:         conn,
				PollInterval: msDuration(poll),
			})
			if err != nil {
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			p := &printer{seen: make(map[string]string)}
			p.print(out, f.Messages())
			stopChange := f.OnChange(func() { p.print(out, f.Messages()) })
			defer stopChange()
			stopConn := conn.OnConnectivity(func(up bool) {
				if up {
					fmt.Fprintln(cmd.ErrOrStderr(), "-- live")
				} else {
					fmt.Fprintln(cmd.ErrOrStderr(), "-- offline, polling")
				}
			})
			defer stopConn()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().IntVar(&poll, "poll-ms", 0, "head-page polling period while offline, in milliseconds")
	return cmd
}

// printer prints messages that are new or changed since the last call.
// Input is in render order, oldest first.
type printer struct {
	mu   sync.Mutex
	seen map[string]string
}

func (p *printer) print(w io.Writer, msgs []*service.MessageResponse) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		version := m.Content
		if m.UpdatedAt != nil {
			version += m.UpdatedAt.String()
		}
		if p.seen[m.ID] == version {
			continue
		}
		p.seen[m.ID] = version
		printMessage(w, m)
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

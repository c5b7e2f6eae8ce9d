package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"campusdrop/internal/call"
	"campusdrop/internal/realtime"
)

func newCallCmd(opts *globalOptions) *cobra.Command {
	var (
		answer bool
		stun   []string
		ring   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "call <room-id>",
		Short: "Voice call the other participant of a room",
		Long: "Starts a call to the other participant, or with --answer waits for their call and picks it up.\n" +
			"Local audio is silence; remote audio is received and discarded. Interrupt to hang up.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			api, err := opts.api()
			if err != nil {
				return err
			}
			self, peer, roomID, err := peerOf(ctx, api, args[0])
			if err != nil {
				return err
			}

			links, err := call.NewPionLinkFactory(stun)
			if err != nil {
				return fmt.Errorf("webrtc: %w", err)
			}
			links.OnTrack = func(roomID string, track *webrtc.TrackRemote) {
				log.Printf("call [%s]: receiving %s (%s)", roomID, track.Kind(), track.Codec().MimeType)
				buf := make([]byte, 1500)
				for {
					if _, _, err := track.Read(buf); err != nil {
						return
					}
				}
			}

			conn, err := opts.dial(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			registry := realtime.NewRegistry(conn)
			defer registry.Close()

			session, err := call.Open(call.Config{
				RoomID:      roomID,
				SelfID:      self,
				PeerID:      peer,
				Conn:        conn,
				Registry:    registry,
				Links:       links,
				Media:       call.StaticMediaSource{},
				RingTimeout: ring,
			})
			if err != nil {
				return err
			}
			defer session.Close()

			out := cmd.ErrOrStderr()
			phases := make(chan call.Phase, 8)
			stopPhase := session.OnPhase(func(p call.Phase) {
				select {
				case phases <- p:
				default:
				}
			})
			defer stopPhase()

			if !answer {
				if err := waitConnected(ctx, conn); err != nil {
					return err
				}
				if err := session.StartCall(ctx); err != nil {
					return err
				}
			} else {
				fmt.Fprintln(out, "waiting for an incoming call...")
			}

			// A call that was live and returns to idle is over.
			live := !answer
			for {
				select {
				case <-ctx.Done():
					session.EndCall()
					fmt.Fprintln(out, "hung up")
					return nil
				case p := <-phases:
					fmt.Fprintf(out, "call: %s\n", p)
					switch p {
					case call.Incoming:
						live = true
						if answer {
							if err := session.AnswerCall(ctx); err != nil {
								return err
							}
						}
					case call.Idle:
						if live {
							fmt.Fprintln(out, "call ended")
							return nil
						}
					}
				}
			}
		},
	}
	cmd.Flags().BoolVar(&answer, "answer", false, "wait for and answer an incoming call")
	cmd.Flags().StringSliceVar(&stun, "stun", []string{"stun:stun.l.google.com:19302"}, "STUN server URLs")
	cmd.Flags().DurationVar(&ring, "ring-timeout", call.DefaultRingTimeout, "give up on an unanswered call after this long (0 waits forever)")
	return cmd
}

func waitConnected(ctx context.Context, conn *realtime.Client) error {
	up := make(chan struct{}, 1)
	stop := conn.OnConnectivity(func(connected bool) {
		if connected {
			select {
			case up <- struct{}{}:
			default:
			}
		}
	})
	defer stop()
	if conn.Connected() {
		return nil
	}
	select {
	case <-up:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("realtime connection: %w", ctx.Err())
	}
}

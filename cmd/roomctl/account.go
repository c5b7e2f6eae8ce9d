package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"campusdrop/internal/client"
)

func newLoginCmd(opts *globalOptions) *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and print an access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := client.New(opts.server, "").Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "logged in as %s (%s)\n", s.User.Name, s.User.Role)
			fmt.Fprintln(cmd.OutOrStdout(), s.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newMeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the logged in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			u, err := api.Me(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\t%s\n", u.ID, u.Name, u.Email, u.Role)
			return nil
		},
	}
}

func newRoomsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rooms [room-or-request-id]",
		Short: "List your rooms, or resolve one by room or request id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				room, err := api.Resolve(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s\trequest=%s\tparticipants=%v\n", room.ID, room.RequestID, room.Participants)
				return nil
			}
			rooms, err := api.ListRooms(cmd.Context())
			if err != nil {
				return err
			}
			for _, room := range rooms {
				fmt.Fprintf(out, "%s\trequest=%s\tparticipants=%v\n", room.ID, room.RequestID, room.Participants)
			}
			return nil
		},
	}
}

func newDeliveredCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delivered <room-id>",
		Short: "Mark the room's delivery as completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			msg, err := api.MarkDelivered(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

// peerOf resolves the room and returns the caller's id and the other
// participant's id.
func peerOf(ctx context.Context, api *client.Client, roomID string) (self, peer, resolved string, err error) {
	me, err := api.Me(ctx)
	if err != nil {
		return "", "", "", err
	}
	room, err := api.Resolve(ctx, roomID)
	if err != nil {
		return "", "", "", err
	}
	for _, id := range room.Participants {
		if id != me.ID {
			peer = id
		}
	}
	if peer == "" {
		return "", "", "", fmt.Errorf("room %s has no other participant yet", room.ID)
	}
	return me.ID, peer, room.ID, nil
}

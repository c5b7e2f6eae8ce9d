package main

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"campusdrop/internal/domain"
	"campusdrop/internal/service"
)

func printMessage(w io.Writer, m *service.MessageResponse) {
	body := m.Content
	switch m.Type {
	case domain.KindImage:
		if m.ImageURL != nil {
			body = strings.TrimSpace(body + " " + *m.ImageURL)
		}
	case domain.KindLocation:
		if m.Location != nil {
			body = fmt.Sprintf("%s (%.5f, %.5f)", body, m.Location.Lat, m.Location.Lng)
		}
	case domain.KindPriceConfirmation:
		if m.Price != nil {
			body = fmt.Sprintf("%s [price %.2f]", body, *m.Price)
		}
	}
	flag := ""
	if m.UpdatedAt != nil && !m.Deleted {
		flag = " (edited)"
	}
	fmt.Fprintf(w, "%s  %s  %-8s %s: %s%s\n",
		m.Timestamp.Local().Format(time.DateTime), m.ID, m.Type, shortID(m.SenderID), strings.TrimSpace(body), flag)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func newHistoryCmd(opts *globalOptions) *cobra.Command {
	var pages int
	cmd := &cobra.Command{
		Use:   "history <room-id>",
		Short: "Print a room's history, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			var all []*service.MessageResponse
			var cursor *time.Time
			for n := 0; pages <= 0 || n < pages; n++ {
				page, err := api.FetchPage(cmd.Context(), args[0], cursor)
				if err != nil {
					return err
				}
				all = append(all, page.Items...)
				if page.NextCursor == nil {
					break
				}
				cursor = page.NextCursor
			}
			slices.Reverse(all)
			for _, m := range all {
				printMessage(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&pages, "pages", 0, "maximum number of pages to load (0 loads everything)")
	return cmd
}

func newSendCmd(opts *globalOptions) *cobra.Command {
	var (
		kind     string
		imageURL string
		lat, lng float64
		price    float64
	)
	cmd := &cobra.Command{
		Use:   "send <room-id> [text...]",
		Short: "Send a message to a room",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			in := service.SendInput{
				RoomID:  args[0],
				Kind:    domain.MessageKind(kind),
				Content: strings.Join(args[1:], " "),
			}
			flags := cmd.Flags()
			if flags.Changed("image") {
				in.ImageURL = &imageURL
			}
			if flags.Changed("lat") || flags.Changed("lng") {
				in.Location = &domain.Location{Lat: lat, Lng: lng}
			}
			if flags.Changed("price") {
				in.Price = &price
			}
			msg, err := api.Send(cmd.Context(), in)
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "type", string(domain.KindText), "text, image, location or price_confirmation")
	cmd.Flags().StringVar(&imageURL, "image", "", "image URL for image messages")
	cmd.Flags().Float64Var(&lat, "lat", 0, "latitude for location messages")
	cmd.Flags().Float64Var(&lng, "lng", 0, "longitude for location messages")
	cmd.Flags().Float64Var(&price, "price", 0, "amount for price confirmations")
	return cmd
}

func newEditCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <message-id> <text...>",
		Short: "Replace the text of one of your messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			msg, err := api.Edit(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func newDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <message-id>",
		Short: "Delete one of your messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api()
			if err != nil {
				return err
			}
			msg, err := api.Delete(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

var (
	loginURL     string
	loginAnonKey string
	loginToken   string
	loginUserID  string
)

func init() {
	rootCmd.AddCommand(loginCmd, inboxCmd, chatCmd, sendCmd)

	loginCmd.Flags().StringVar(&loginURL, "url", "", "Supabase project URL")
	loginCmd.Flags().StringVar(&loginAnonKey, "anon-key", "", "Supabase anon key")
	loginCmd.Flags().StringVar(&loginToken, "token", "", "user access token (JWT)")
	loginCmd.Flags().StringVar(&loginUserID, "user", "", "user id the token belongs to")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Write the profile used by the other commands",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := &Profile{
			Supabase: ProfileSupabase{URL: loginURL, AnonKey: loginAnonKey},
			Auth:     ProfileAuth{AccessToken: loginToken, UserID: loginUserID},
		}
		if err := saveProfile(profilePath, p); err != nil {
			return err
		}
		// round trip so a half-filled profile is reported now
		if _, err := loadProfile(profilePath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Profile saved to %s\n", profilePath)
		return nil
	},
}

var inboxCmd = &cobra.Command{
	Use:   "inbox",
	Short: "List conversations with the latest message",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openClient(cmd.Context())
		if err != nil {
			return err
		}
		defer c.Close()

		snapshot, err := c.engine.Snapshot(cmd.Context())
		if err != nil {
			return err
		}
		printInbox(cmd.OutOrStdout(), snapshot)
		return nil
	},
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer-id>",
	Short: "Open a chat, print new messages and send each line typed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		conv, state, err := c.engine.OpenChat(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "-- chat %s with %s (%s)\n", conv.ID, args[0], state)

		snapshot, err := c.engine.Snapshot(ctx)
		if err != nil {
			return err
		}
		seen := make(map[string]bool)
		for _, view := range snapshot.Conversations {
			if view.Conversation.ID != conv.ID {
				continue
			}
			for _, msg := range view.Messages {
				seen[msg.ID] = true
				printMessage(out, c.userID, msg)
			}
		}

		updates := make(chan dmservice.Update, 64)
		cancel := c.engine.Listen(func(u dmservice.Update) {
			if u.ConversationID == conv.ID || u.Kind == dmservice.UpdateReset {
				select {
				case updates <- u:
				default:
				}
			}
		})
		defer cancel()

		lines := make(chan string)
		go scanLines(cmd.InOrStdin(), lines)

		for {
			select {
			case <-ctx.Done():
				return c.engine.CloseChat(context.WithoutCancel(ctx), conv.ID)
			case line, ok := <-lines:
				if !ok {
					return c.engine.CloseChat(ctx, conv.ID)
				}
				if strings.TrimSpace(line) == "" {
					continue
				}
				if _, err := c.engine.Send(ctx, conv.ID, line); err != nil {
					fmt.Fprintf(out, "!! not sent: %v\n", err)
				}
			case u := <-updates:
				switch u.Kind {
				case dmservice.UpdateReset:
					return fmt.Errorf("signed out")
				case dmservice.UpdateState:
					fmt.Fprintf(out, "-- %s\n", u.State)
				case dmservice.UpdateMessages:
					for _, msg := range u.Messages {
						if msg.Pending || seen[msg.ID] {
							continue
						}
						seen[msg.ID] = true
						printMessage(out, c.userID, msg)
					}
				}
			}
		}
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <peer-id> <body>",
	Short: "Send one message to a peer",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := openClient(ctx)
		if err != nil {
			return err
		}
		defer c.Close()

		conv, _, err := c.engine.OpenChat(ctx, args[0])
		if err != nil {
			return err
		}
		defer c.engine.CloseChat(context.WithoutCancel(ctx), conv.ID)

		msg, err := c.engine.Send(ctx, conv.ID, strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s at %s\n", msg.ID, msg.CreatedAt.Local().Format(time.Kitchen))
		return nil
	},
}

func scanLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func printInbox(w io.Writer, snapshot dmservice.Snapshot) {
	if len(snapshot.Conversations) == 0 {
		fmt.Fprintln(w, "No conversations yet.")
		return
	}
	for _, view := range snapshot.Conversations {
		name := view.Contact.DisplayName
		if name == "" {
			name = view.Contact.UserID
		}
		last := "(no messages)"
		if n := len(view.Messages); n > 0 {
			msg := view.Messages[n-1]
			last = fmt.Sprintf("%s: %s", msg.CreatedAt.Local().Format("Jan 2 15:04"), msg.Body)
		}
		fmt.Fprintf(w, "%-24s %-36s %s\n", name, view.Conversation.ID, last)
	}
}

func printMessage(w io.Writer, self string, msg dm.Message) {
	who := msg.SenderID
	if who == self {
		who = "me"
	}
	fmt.Fprintf(w, "[%s] %s: %s\n", msg.CreatedAt.Local().Format(time.Kitchen), who, msg.Body)
}

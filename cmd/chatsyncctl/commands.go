package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/api"
)

func init() {
	contactsCmd.Flags().Int("limit", 20, "number of contacts")
	contactsCmd.Flags().String("before", "", "only contacts updated before this RFC 3339 time")
	messagesCmd.Flags().Int("limit", 20, "number of messages")
	messagesCmd.Flags().Int64("before", 0, "page ending right before this message id")
	messagesCmd.Flags().Int64("after", 0, "page starting right after this message id")
	loginCmd.Flags().String("password", "", "password (read from stdin when empty)")

	rootCmd.AddCommand(statusCmd, contactsCmd, messagesCmd, loginCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon, cache and sync status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCache(cmd, func(ctx context.Context, c *api.CacheClient) error {
			resp, err := c.GetStatus(ctx)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Profile:   %s\n", str(resp, "profile"))
			fmt.Printf("User:      %d\n", num(resp, "user_id"))
			fmt.Printf("Signed in: %v\n", boolField(resp, "signed_in"))
			fmt.Printf("Uptime:    %s\n", time.Duration(num(resp, "uptime_ms"))*time.Millisecond)
			fmt.Printf("Cache:     %d contacts, %d messages, %d images\n",
				num(resp, "contacts"), num(resp, "messages"), num(resp, "images"))
			if sync := resp.GetFields()["sync"].GetStructValue(); sync != nil {
				state := "idle"
				switch {
				case boolField(sync, "paused"):
					state = "paused"
				case boolField(sync, "running"):
					state = "running"
				}
				fmt.Printf("Sync:      %s\n", state)
				if last := str(sync, "last_run"); last != "" {
					fmt.Printf("Last run:  %s (%d contacts, %d messages)\n", last, num(sync, "contacts"), num(sync, "messages"))
				}
				if e := str(sync, "last_error"); e != "" {
					fmt.Printf("Last error: %s\n", e)
				}
			}
			return nil
		})
	},
}

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List cached contacts, most recently updated first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetString("before")
		return withCache(cmd, func(ctx context.Context, c *api.CacheClient) error {
			resp, err := c.ListContacts(ctx, limit, before)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			contacts := list(resp, "contacts")
			if len(contacts) == 0 {
				fmt.Println("No contacts cached.")
				return nil
			}
			for _, ct := range contacts {
				unread := ""
				if n := num(ct, "unread_count"); n > 0 {
					unread = fmt.Sprintf(" [%d unread]", n)
				}
				fmt.Printf("%-6d %-24s %s%s\n", num(ct, "id"), str(ct, "name"), str(ct, "last_message"), unread)
			}
			return nil
		})
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages <contact-id>",
	Short: "List cached messages of a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := contactArg(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")
		before, _ := cmd.Flags().GetInt64("before")
		after, _ := cmd.Flags().GetInt64("after")
		return withCache(cmd, func(ctx context.Context, c *api.CacheClient) error {
			resp, err := c.ListMessages(ctx, contactID, before, after, limit)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			for _, m := range list(resp, "messages") {
				printMessage(m)
			}
			return nil
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign the daemon in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		if password == "" {
			fmt.Fprint(os.Stderr, "Password: ")
			line, err := bufio.NewReader(os.Stdin).ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("read password: %w", err)
			}
			password = strings.TrimSpace(line)
		}
		return withCache(cmd, func(ctx context.Context, c *api.CacheClient) error {
			resp, err := c.SignIn(ctx, args[0], password)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Signed in as %s (user %d).\n", str(resp, "name"), num(resp, "user_id"))
			return nil
		})
	},
}

func printMessage(m *structpb.Struct) {
	who := "them"
	if boolField(m, "from_me") {
		who = "me"
	}
	text := str(m, "text")
	switch {
	case boolField(m, "pending"):
		fmt.Printf("%-8s %-4s %s (%s)\n", "-", who, text, str(m, "send_state"))
		return
	case boolField(m, "deleted"):
		text = "(deleted)"
	case str(m, "edited_at") != "":
		text += " (edited)"
	}
	mark := " "
	if boolField(m, "first_unread") {
		mark = "*"
	}
	fmt.Printf("%-8d%s%-4s %s\n", num(m, "id"), mark, who, text)
}

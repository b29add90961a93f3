package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/matheus3301/chatsync/internal/api"
)

func init() {
	rootCmd.AddCommand(sendCmd, readCmd, watchCmd, blockCmd, unblockCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <contact-id> <text>...",
	Short: "Send a message to a contact",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := contactArg(args[0])
		if err != nil {
			return err
		}
		text := strings.Join(args[1:], " ")
		return withConversations(cmd, func(ctx context.Context, c *api.ConversationClient) error {
			resp, err := c.Send(ctx, contactID, text)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Queued %s (%s).\n", str(resp, "client_id"), str(resp, "state"))
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <contact-id> <until-message-id>",
	Short: "Mark a contact's messages as read up to a message",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := contactArg(args[0])
		if err != nil {
			return err
		}
		untilID, err := strconv.ParseInt(args[1], 10, 64)
		if err != nil || untilID <= 0 {
			return fmt.Errorf("invalid message id %q", args[1])
		}
		return withConversations(cmd, func(ctx context.Context, c *api.ConversationClient) error {
			resp, err := c.MarkRead(ctx, contactID, untilID)
			if err != nil {
				return err
			}
			if jsonFlag {
				return outputJSON(resp)
			}
			fmt.Printf("Marked read up to %d.\n", untilID)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch <contact-id>",
	Short: "Follow a conversation live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contactID, err := contactArg(args[0])
		if err != nil {
			return err
		}
		c, err := connect()
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		stream, err := c.Conversations.Watch(ctx, contactID)
		if err != nil {
			return err
		}
		for {
			snap, err := stream.Recv()
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case grpcstatus.Code(err) == codes.Canceled:
				return nil
			case err != nil:
				return err
			}
			if jsonFlag {
				if err := outputJSON(snap); err != nil {
					return err
				}
				continue
			}
			printSnapshot(snap)
		}
	},
}

func printSnapshot(snap *structpb.Struct) {
	fmt.Printf("--- contact %d [%s]", num(snap, "contact_id"), str(snap, "state"))
	if boolField(snap, "read_only") {
		fmt.Print(" read-only")
	}
	fmt.Println()
	if boolField(snap, "has_previous") {
		fmt.Println("         (older messages)")
	}
	for _, m := range list(snap, "messages") {
		printMessage(m)
	}
	if e := str(snap, "setup_error"); e != "" {
		fmt.Printf("! %s\n", e)
	}
	if f := str(snap, "flash"); f != "" {
		fmt.Printf("! %s\n", f)
	}
}

var blockCmd = &cobra.Command{
	Use:   "block <contact-id>",
	Short: "Block a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBlocked(cmd, args[0], (*api.ConversationClient).Block)
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <contact-id>",
	Short: "Unblock a contact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setBlocked(cmd, args[0], (*api.ConversationClient).Unblock)
	},
}

type blockFunc func(c *api.ConversationClient, ctx context.Context, contactID int64, opts ...grpc.CallOption) (*structpb.Struct, error)

func setBlocked(cmd *cobra.Command, arg string, fn blockFunc) error {
	contactID, err := contactArg(arg)
	if err != nil {
		return err
	}
	return withConversations(cmd, func(ctx context.Context, c *api.ConversationClient) error {
		resp, err := fn(c, ctx, contactID)
		if err != nil {
			return err
		}
		if jsonFlag {
			return outputJSON(resp)
		}
		state := "unblocked"
		if boolField(resp, "blocked") {
			state = "blocked"
		}
		fmt.Printf("%s is %s.\n", str(resp, "name"), state)
		return nil
	})
}

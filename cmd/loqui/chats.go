package main

import (
	"context"
	"fmt"
	"os"
	"time"

	loqui "github.com/loqui-im/loqui-go"
	"github.com/spf13/cobra"
)

// getClient builds a client from the stored config and starts it.
func getClient(ctx context.Context) *loqui.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" || cfg.Auth.UserID == "" {
		fmt.Fprintln(os.Stderr, "Not authenticated. Run 'loqui config set auth.token <token>' and 'loqui config set auth.user_id <id>' first.")
		os.Exit(1)
	}
	baseURL := cfg.Server.BaseURL
	if baseURL == "" {
		fmt.Fprintln(os.Stderr, "No server configured. Run 'loqui config set server.base_url <url>' first.")
		os.Exit(1)
	}

	backend := loqui.NewHTTPBackend(baseURL, cfg.Auth.Token)
	client := loqui.New(backend, loqui.StaticSession(cfg.Auth.UserID))
	if err := client.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start client: %v\n", err)
		os.Exit(1)
	}
	return client
}

func init() {
	rootCmd.AddCommand(chatsCmd)
	chatsCmd.AddCommand(chatsListCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(usersCmd)
	usersCmd.AddCommand(usersSearchCmd)
}

// ============================================================================
// chats
// ============================================================================

var chatsCmd = &cobra.Command{
	Use:   "chats",
	Short: "Chat list commands",
}

var chatsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your chats",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close(context.Background())

		chats := client.Chats()
		if len(chats) == 0 {
			fmt.Println("No chats.")
			return nil
		}
		for _, chat := range chats {
			name := chat.Name
			if chat.Kind == loqui.ChatPrivate && chat.OtherUser != nil {
				name = chat.OtherUser.Username
			}
			marker := ""
			if chat.UnreadCount > 0 {
				marker = fmt.Sprintf("  (%d unread)", chat.UnreadCount)
			}
			fmt.Printf("%-36s  %-8s  %s%s\n", chat.ID, chat.Kind, name, marker)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <chat-id> <message>",
	Short: "Send a text message to a chat",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID, text := args[0], args[1]

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close(context.Background())

		if err := client.SelectChat(ctx, chatID); err != nil {
			return fmt.Errorf("cannot open chat: %w", err)
		}
		if err := client.SendMessage(ctx, text, ""); err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		fmt.Println("Sent.")
		return nil
	},
}

// ============================================================================
// users search
// ============================================================================

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "User commands",
}

var usersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search users by username",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client := getClient(ctx)
		defer client.Close(context.Background())

		users, err := client.SearchUsers(ctx, args[0])
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if len(users) == 0 {
			fmt.Println("No users found.")
			return nil
		}
		for _, u := range users {
			online := ""
			if u.IsOnline {
				online = "  [online]"
			}
			fmt.Printf("%-36s  %s%s\n", u.ID, u.Username, online)
		}
		return nil
	},
}

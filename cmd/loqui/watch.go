package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	loqui "github.com/loqui-im/loqui-go"
	"github.com/spf13/cobra"
)

var watchVerbose bool

func init() {
	watchCmd.Flags().BoolVarP(&watchVerbose, "verbose", "v", false, "log sync diagnostics")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch <chat-id>",
	Short: "Watch a chat and print messages as they arrive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chatID := args[0]

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if cfg.Auth.Token == "" || cfg.Auth.UserID == "" || cfg.Server.BaseURL == "" {
			return fmt.Errorf("not configured; see 'loqui config set'")
		}

		var opts []loqui.Option
		if watchVerbose {
			opts = append(opts, loqui.WithLogger(func(format string, a ...any) {
				fmt.Fprintf(os.Stderr, "sync: "+format+"\n", a...)
			}))
		}

		backend := loqui.NewHTTPBackend(cfg.Server.BaseURL, cfg.Auth.Token)
		client := loqui.New(backend, loqui.StaticSession(cfg.Auth.UserID), opts...)
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("failed to start client: %w", err)
		}
		defer client.Close(context.Background())

		if err := client.SelectChat(ctx, chatID); err != nil {
			return fmt.Errorf("cannot open chat: %w", err)
		}

		for _, m := range client.Messages() {
			printMessage(m)
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		// Poll the local log and print new arrivals; the client keeps it in
		// sync underneath.
		seen := map[string]bool{}
		for _, m := range client.Messages() {
			seen[m.ID] = true
		}
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-sig:
				fmt.Println("\nBye.")
				return nil
			case <-ticker.C:
				for _, m := range client.Messages() {
					if !seen[m.ID] {
						seen[m.ID] = true
						printMessage(m)
					}
				}
			}
		}
	},
}

func printMessage(m loqui.Message) {
	sender := m.SenderID
	if m.Sender != nil && m.Sender.Username != "" {
		sender = m.Sender.Username
	}
	suffix := ""
	if m.IsEdited {
		suffix = " (edited)"
	}
	fmt.Printf("[%s] %s: %s%s\n", m.CreatedAt.Local().Format("15:04:05"), sender, m.Content, suffix)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ashureev/turnstream/internal/agent"
	"github.com/ashureev/turnstream/internal/domain"
	"github.com/ashureev/turnstream/internal/engine"
	"github.com/ashureev/turnstream/internal/store"
	"github.com/spf13/cobra"
)

func historyCmd() *cobra.Command {
	var (
		backendURL string
		dbPath     string
		jsonOut    bool
	)
	cmd := &cobra.Command{
		Use:   "history [session]",
		Short: "Print a session transcript",
		Long: `Print a session transcript from the agent backend, falling back to
the local transcript store when --db is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}

			clientCfg := agent.DefaultClientConfig()
			clientCfg.BaseURL = backendURL
			client, err := agent.NewClient(clientCfg, slog.Default())
			if err != nil {
				return err
			}

			var loader engine.HistoryLoader = client
			if dbPath != "" {
				repo, err := store.NewSQLite(dbPath, slog.Default())
				if err != nil {
					return fmt.Errorf("open transcript store: %w", err)
				}
				defer repo.Close()
				loader = store.FallbackHistory{Primary: client, Secondary: repo, Logger: slog.Default()}
			}

			hist, err := loader.History(ctx, args[0])
			if err != nil {
				return fmt.Errorf("fetch history: %w", err)
			}
			if hist == nil {
				hist = &domain.History{}
			}
			if jsonOut {
				data, err := json.MarshalIndent(hist, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return nil
			}
			if len(hist.Messages) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "no messages")
				return nil
			}
			renderTranscript(cmd.OutOrStdout(), hist.Messages)
			return nil
		},
	}

	cmd.Flags().StringVar(&backendURL, "backend", envOr("AGENT_BASE_URL", "http://localhost:8000"), "agent backend base URL")
	cmd.Flags().StringVar(&dbPath, "db", envOr("DB_PATH", ""), "local transcript store used when the backend fails")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output as JSON")

	return cmd
}

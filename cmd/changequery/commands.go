package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"changequery/internal/app"
	"changequery/internal/store"
)

func readQuery(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] != "-" {
		return args[0], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read query: %w", err)
	}
	return string(data), nil
}

func queryCmd() *cobra.Command {
	var (
		start, limit int
		asJSON       bool
	)
	cmd := &cobra.Command{
		Use:   "query [QUERY|-]",
		Short: "Print the ids of changes matching a JSON query",
		Example: `  changequery query '{"op":"and","children":[
    {"op":"eq","field":"project","value":"platform"},
    {"op":"label","label":"Code-Review","vote":2}]}'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			res, err := rt.service.Query(cmd.Context(), app.QueryRequest{Query: text, Start: start, Limit: limit})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			for _, id := range res.Changes {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&start, "start", 0, "Skip this many ranked matches")
	cmd.Flags().IntVar(&limit, "limit", 0, "Return at most this many matches (0 = default cap)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the result as JSON")
	return cmd
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch [QUERY|-]",
		Short: "Re-run a query periodically and log how its result set changes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readQuery(cmd, args)
			if err != nil {
				return err
			}
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx := cmd.Context()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			previous := map[string]bool{}
			for {
				res, err := rt.service.Query(ctx, app.QueryRequest{Query: text})
				switch {
				case err == nil:
					current := make(map[string]bool, len(res.Changes))
					for _, id := range res.Changes {
						current[id] = true
						if !previous[id] {
							rt.logger.Info("change entered result set", "change", id, "request_id", res.RequestID)
						}
					}
					for id := range previous {
						if !current[id] {
							rt.logger.Info("change left result set", "change", id, "request_id", res.RequestID)
						}
					}
					previous = current
				case app.ClassOf(err) == app.ClassInput:
					return err
				case ctx.Err() != nil:
					return nil
				default:
					rt.logger.Warn("watch query failed", "err", err)
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 30*time.Second, "Time between runs")
	return cmd
}

func voteCmd() *cobra.Command {
	var input app.VoteInput
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Record a label vote on a change's current revision",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			a, err := rt.service.RecordVote(cmd.Context(), input)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s=%+d by %s on revision %d\n", a.ChangeID, a.Label, a.Value, a.Actor, a.Revision)
			return nil
		},
	}
	cmd.Flags().StringVar(&input.ChangeID, "change", "", "Change id")
	cmd.Flags().StringVar(&input.Label, "label", "", "Label name or abbreviation")
	cmd.Flags().IntVar(&input.Value, "value", 0, "Vote value")
	cmd.Flags().StringVar(&input.Actor, "actor", "", "Voting actor")
	_ = cmd.MarkFlagRequired("change")
	_ = cmd.MarkFlagRequired("label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func reindexCmd() *cobra.Command {
	var changeID string
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Push changes from Postgres into Meilisearch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if changeID != "" {
				return rt.search.Reindex(cmd.Context(), changeID)
			}
			n, err := rt.search.ReindexAllFromPG(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reindexed %d changes\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&changeID, "change", "", "Reindex only this change")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := setup(cmd)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := store.ApplyMigrations(cmd.Context(), rt.db); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			rt.logger.Info("migrations applied")
			return nil
		},
	}
}


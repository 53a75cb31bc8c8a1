package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"timetable-import/importer"
)

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return withCode(exitUsage, fmt.Errorf("%s: expected %d argument(s), got %d", cmd.CommandPath(), n, len(args)))
		}
		return nil
	}
}

// withEngine resolves settings, opens the engine and runs fn under the command deadline.
func withEngine(cmd *cobra.Command, g *globalOptions, fn func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error) error {
	cfg, err := g.settings(cmd)
	if err != nil {
		return err
	}
	e, err := openEngine(cmd, cfg, nil)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(cmd, cfg, e)
}

func newPreviewCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "preview <batch-id>",
		Short: "Show staged rows, validation issues and the derived timetable",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "batch")
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error {
				if !cmd.Flags().Changed("limit") {
					limit = cfg.PreviewLimit
				}
				ctx, cancel := readContext(cmd, cfg)
				defer cancel()
				p, err := e.Preview(ctx, id, limit)
				if err != nil {
					return classify(err)
				}
				return writeJSONLine(cmd.OutOrStdout(), p)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Rows to include (0 = preview_limit from config).")
	return cmd
}

func newCommitCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "commit <batch-id>",
		Short: "Materialize a staged batch into the timetable tables",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "batch")
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error {
				res, err := e.Commit(writeContext(cmd), id)
				var blocked *importer.ValidationBlockedError
				if errors.As(err, &blocked) {
					_ = writeJSONLine(cmd.OutOrStdout(), map[string]any{
						"status":   "blocked",
						"batch_id": id,
						"issues":   blocked.Issues,
					})
				}
				if err != nil {
					return classify(err)
				}
				return writeJSONLine(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newDiscardCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <batch-id>",
		Short: "Drop a batch's staged rows (refused while a commit of it is live)",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "batch")
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error {
				res, err := e.Discard(writeContext(cmd), id)
				if err != nil {
					return classify(err)
				}
				return writeJSONLine(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newRollbackCmd(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <run-id>",
		Short: "Delete the rows one committed run created",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0], "run")
			if err != nil {
				return err
			}
			return withEngine(cmd, g, func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error {
				res, err := e.Rollback(writeContext(cmd), id)
				if err != nil {
					return classify(err)
				}
				return writeJSONLine(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newHistoryCmd(g *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent batches and runs, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, g, func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error {
				if !cmd.Flags().Changed("limit") {
					limit = cfg.HistoryLimit
				}
				ctx, cancel := readContext(cmd, cfg)
				defer cancel()
				h, err := e.History(ctx, limit)
				if err != nil {
					return classify(err)
				}
				return writeJSONLine(cmd.OutOrStdout(), h)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Entries per list (0 = history_limit from config).")
	return cmd
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"timetable-import/importer"
	"timetable-import/sheet"
)

type stageOptions struct {
	batchID    uint
	archiveDir string
	sheetName  string
}

func newStageCmd(g *globalOptions) *cobra.Command {
	var opts stageOptions
	cmd := &cobra.Command{
		Use:   "stage <file.csv|file.xlsx>",
		Short: "Parse a timetable export and stage its rows for review",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, g, func(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine) error {
				return runStage(cmd, cfg, e, args[0], opts)
			})
		},
	}
	cmd.Flags().UintVar(&opts.batchID, "batch", 0, "Append to this staged batch instead of creating one.")
	cmd.Flags().StringVar(&opts.archiveDir, "archive-dir", "", "Move the file here after it is staged.")
	cmd.Flags().StringVar(&opts.sheetName, "sheet", "", "XLSX worksheet name (default: first sheet).")
	return cmd
}

func runStage(cmd *cobra.Command, cfg *importer.FileConfig, e *importer.Engine, path string, opts stageOptions) error {
	rows, err := sheet.ReadFile(path, sheet.Options{Aliases: cfg.Columns.Aliases(), Sheet: opts.sheetName})
	if err != nil {
		return withCode(exitValidation, fmt.Errorf("read %s: %w", path, err))
	}

	in := importer.StageInput{Source: filepath.Base(path), Rows: rows}
	if opts.batchID > 0 {
		id := opts.batchID
		in.BatchID = &id
	}

	res, err := e.StageRows(writeContext(cmd), in)
	if err != nil {
		return classify(err)
	}

	out := map[string]any{"batch_id": res.BatchID, "row_count": res.RowCount, "appended": len(rows)}
	if opts.archiveDir != "" {
		dst, err := sheet.Archive(path, opts.archiveDir, res.BatchID)
		if err != nil {
			// The rows are staged; only the move failed.
			out["archive_error"] = err.Error()
		} else {
			out["archived"] = dst
		}
	}
	return writeJSONLine(cmd.OutOrStdout(), out)
}

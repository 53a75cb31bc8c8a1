package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"timetable-import/importer"
)

func seedDB(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "cli.db")
	db, err := importer.OpenDB(importer.DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, db.Create(&importer.UnitOffering{UnitCode: "COMP1000"}).Error)
	require.NoError(t, db.Create(&importer.Tutor{UserID: 7, StaffID: "S1"}).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	return dsn
}

func run(t *testing.T, args ...string) (map[string]any, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()

	var line map[string]any
	if s := strings.TrimSpace(out.String()); s != "" {
		require.NoError(t, json.Unmarshal([]byte(s), &line))
	}
	return line, err
}

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const goodCSV = "Unit Code,Activity,Type,Date,Start,End,Staff ID,Staff Name,Hours\n" +
	"COMP1000,Tut 01,tut,2026-03-02,09:00,10:00,S1,Alice Ng,1\n" +
	"COMP1000,Tut 01,tut,2026-03-09,09:00,10:00,S1,Alice Ng,1\n" +
	"COMP1000,Tut 01,tut,2026-03-09,09:00,10:00,S2,Bob Tan,1\n"

func TestCLI_StageCommitRollback(t *testing.T) {
	dsn := seedDB(t)
	dir := t.TempDir()
	csvPath := writeCSV(t, dir, "week.csv", goodCSV)
	archive := filepath.Join(dir, "done")

	out, err := run(t, "--dsn", dsn, "stage", csvPath, "--archive-dir", archive)
	require.NoError(t, err)
	require.EqualValues(t, 3, out["row_count"])
	require.FileExists(t, out["archived"].(string))
	require.NoFileExists(t, csvPath)
	batch := strconv.Itoa(int(out["batch_id"].(float64)))

	out, err = run(t, "--dsn", dsn, "preview", batch, "--limit", "1")
	require.NoError(t, err)
	require.Len(t, out["rows"], 1)

	out, err = run(t, "--dsn", dsn, "commit", batch)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"teaching_activity": 1.0, "session_occurrence": 2.0, "allocation": 3.0}, out["inserted"])
	runID := strconv.Itoa(int(out["run_id"].(float64)))

	_, err = run(t, "--dsn", dsn, "commit", batch)
	require.Equal(t, exitValidation, exitCode(err))

	_, err = run(t, "--dsn", dsn, "discard", batch)
	require.Equal(t, exitSafetyNet, exitCode(err))

	out, err = run(t, "--dsn", dsn, "rollback", runID)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"d_teach": 1.0, "d_sess": 2.0, "d_alloc": 3.0}, out["deleted"])

	_, err = run(t, "--dsn", dsn, "rollback", runID)
	require.Equal(t, exitSafetyNet, exitCode(err))

	out, err = run(t, "--dsn", dsn, "history")
	require.NoError(t, err)
	require.Len(t, out["runs"], 1)
}

func TestCLI_BlockedCommit(t *testing.T) {
	dsn := seedDB(t)
	csvPath := writeCSV(t, t.TempDir(), "bad.csv", "Unit Code,Activity,Date\n,Tut 01,2026-03-02\n")

	out, err := run(t, "--dsn", dsn, "stage", csvPath)
	require.NoError(t, err)
	batch := strconv.Itoa(int(out["batch_id"].(float64)))

	out, err = run(t, "--dsn", dsn, "commit", batch)
	require.Equal(t, exitValidation, exitCode(err))
	require.Equal(t, "blocked", out["status"])
	require.EqualValues(t, 1, out["issues"].(map[string]any)["missing_unit_code"])
}

func TestCLI_UsageErrors(t *testing.T) {
	dsn := seedDB(t)

	_, err := run(t, "--dsn", dsn, "commit")
	require.Equal(t, exitUsage, exitCode(err))

	_, err = run(t, "--dsn", dsn, "rollback", "abc")
	require.Equal(t, exitUsage, exitCode(err))

	_, err = run(t, "--dsn", dsn, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "history")
	require.Equal(t, exitUsage, exitCode(err))

	_, err = run(t, "--dsn", dsn, "stage", filepath.Join(t.TempDir(), "x.pdf"))
	require.Equal(t, exitValidation, exitCode(err))
}

func TestSettings_FlagsOverrideFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "cfg.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("database:\n  dsn: from-file.db\npreview_limit: 9\nhistory_limit: 4\n"), 0o644))
	t.Setenv("TIMETABLE_HISTORY_LIMIT", "11")

	var (
		g   globalOptions
		got *importer.FileConfig
	)
	sub := &cobra.Command{
		Use: "settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.settings(cmd)
			got = cfg
			return err
		},
	}
	g.bind(sub)
	sub.SetArgs([]string{"--config", cfgPath, "--dsn", "from-flag.db"})
	require.NoError(t, sub.Execute())

	require.Equal(t, "from-flag.db", got.Database.DSN)
	require.Equal(t, 9, got.PreviewLimit)
	require.Equal(t, 11, got.HistoryLimit)
	require.Equal(t, importer.DriverSQLite, got.Database.Driver)
}

func TestClassify(t *testing.T) {
	require.Equal(t, exitOK, exitCode(classify(nil)))
	require.Equal(t, exitSafetyNet, exitCode(classify(&importer.HasCommittedDataError{})))
	require.Equal(t, exitSafetyNet, exitCode(classify(&importer.NotRollbackableError{})))
	require.Equal(t, exitValidation, exitCode(classify(&importer.ValidationBlockedError{})))
	require.Equal(t, exitValidation, exitCode(classify(importer.ErrNotFound)))
	require.Equal(t, exitDBWrite, exitCode(classify(&importer.TransactionError{Op: "commit", Err: os.ErrClosed})))
	require.Equal(t, exitDB, exitCode(classify(os.ErrClosed)))
}

func TestWriteContext_IgnoresCommandDeadline(t *testing.T) {
	parent, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-parent.Done()

	cmd := &cobra.Command{}
	cmd.SetContext(parent)

	w := writeContext(cmd)
	require.NoError(t, w.Err())
	_, hasDeadline := w.Deadline()
	require.False(t, hasDeadline)

	r, rcancel := readContext(cmd, &importer.FileConfig{Timeout: time.Minute})
	defer rcancel()
	require.Error(t, r.Err())
}

func TestCLI_TimeoutDoesNotBoundCommit(t *testing.T) {
	dsn := seedDB(t)
	csvPath := writeCSV(t, t.TempDir(), "week.csv", goodCSV)

	out, err := run(t, "--dsn", dsn, "--timeout", "30s", "stage", csvPath)
	require.NoError(t, err)
	batch := strconv.Itoa(int(out["batch_id"].(float64)))

	out, err = run(t, "--dsn", dsn, "--timeout", "30s", "commit", batch)
	require.NoError(t, err)
	require.NotZero(t, out["run_id"])
}

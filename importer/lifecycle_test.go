package importer

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestStageRows_AppendAndIssues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := threeRows()
	rows[2].ActivityStart = nil
	batchID := env.stage(t, rows)

	more := []RawRow{{UnitCode: str("  "), ActivityName: str("Lab 1"), ActivityDate: str("2026-03-03")}}
	res, err := env.engine.StageRows(ctx, StageInput{BatchID: &batchID, Rows: more})
	require.NoError(t, err)
	require.Equal(t, batchID, res.BatchID)
	require.Equal(t, 4, res.RowCount)

	issues, err := env.engine.ComputeIssues(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, Issues{MissingUnitCode: 1, MissingTimes: 2}, issues)
	require.EqualValues(t, 1, issues.Blocking())

	got, err := env.engine.GetRows(ctx, batchID, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "2026-03-02", *got[0].ActivityDate)
	require.Equal(t, "Tutorial", *got[0].ActivityType)

	require.Equal(t, float64(4), testutil.ToFloat64(env.engine.metrics.RowsStaged))
}

func TestStageRows_Errors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.StageRows(ctx, StageInput{})
	require.ErrorIs(t, err, ErrEmptyUpload)

	missing := uint(999)
	_, err = env.engine.StageRows(ctx, StageInput{BatchID: &missing, Rows: threeRows()})
	require.ErrorIs(t, err, ErrNotFound)

	batchID := env.stage(t, threeRows())
	_, err = env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	_, err = env.engine.StageRows(ctx, StageInput{BatchID: &batchID, Rows: threeRows()})
	require.ErrorIs(t, err, ErrBatchNotStaged)
}

func TestStageRows_RejectDuplicateUploads(t *testing.T) {
	env := newTestEnv(t, func(c *EngineConfig) { c.RejectDuplicateUploads = true })
	ctx := context.Background()

	first := env.stage(t, threeRows())
	_, err := env.engine.StageRows(ctx, StageInput{Rows: threeRows()})
	require.ErrorIs(t, err, ErrDuplicateUpload)

	_, err = env.engine.Discard(ctx, first)
	require.NoError(t, err)
	env.stage(t, threeRows())
}

func TestCommit_ThreeRowScenario(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batchID := env.stage(t, threeRows())

	res, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, Counts{TeachingActivity: 1, SessionOccurrence: 2, Allocation: 3}, res.Inserted)

	run, err := env.engine.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, RunCommitted, run.Status)
	require.NotNil(t, run.FinishedAt)
	counts, err := run.DecodeCounts()
	require.NoError(t, err)
	require.Equal(t, res.Inserted, counts)

	batch, err := env.engine.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchCommitted, batch.Status)

	var allocs []Allocation
	require.NoError(t, env.engine.DB().Order("id").Find(&allocs).Error)
	require.Len(t, allocs, 3)
	for _, a := range allocs {
		require.Equal(t, AllocationActive, a.Status)
		require.NotNil(t, a.UserID)
		require.Equal(t, "1.5", a.Hours.Decimal.String())
		require.Equal(t, res.RunID, *a.CreatedByRunID)
	}

	rb, err := env.engine.Rollback(ctx, res.RunID)
	require.NoError(t, err)
	require.Equal(t, DeletedCounts{Teach: 1, Sess: 2, Alloc: 3}, rb.Deleted)

	batch, err = env.engine.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchCommitted, batch.Status)
	require.Equal(t, tableCounts{runs: 1}, env.counts(t))

	require.Equal(t, float64(1), testutil.ToFloat64(env.engine.metrics.Runs.WithLabelValues("committed")))
	require.Equal(t, float64(1), testutil.ToFloat64(env.engine.metrics.Runs.WithLabelValues("rolled_back")))
	require.Equal(t, float64(3), testutil.ToFloat64(env.engine.metrics.RowsMaterialized.WithLabelValues(entityAllocation)))
	require.Equal(t, float64(2), testutil.ToFloat64(env.engine.metrics.RowsRolledBack.WithLabelValues(entitySessionOccurrence)))
}

func TestCommit_BlockedBatchWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := threeRows()
	rows[0].UnitCode = nil
	rows[1].ActivityDate = str("")
	batchID := env.stage(t, rows)

	_, err := env.engine.Commit(ctx, batchID)
	var blocked *ValidationBlockedError
	require.ErrorAs(t, err, &blocked)
	require.Equal(t, batchID, blocked.BatchID)
	require.EqualValues(t, 1, blocked.Issues.MissingUnitCode)
	require.EqualValues(t, 1, blocked.Issues.MissingDate)

	require.Equal(t, tableCounts{}, env.counts(t))
	batch, err := env.engine.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchStaged, batch.Status)
}

func TestCommit_MissingTimesAreAdvisory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := threeRows()[:1]
	rows[0].ActivityStart = nil
	rows[0].ActivityEnd = str(" ")
	batchID := env.stage(t, rows)

	res, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, Counts{1, 1, 1}, res.Inserted)

	var occ SessionOccurrence
	require.NoError(t, env.engine.DB().First(&occ).Error)
	require.Nil(t, occ.StartTime)
	require.Nil(t, occ.EndTime)

	// The NULL-time occurrence is found again instead of duplicated.
	again := env.stage(t, rows)
	res, err = env.engine.Commit(ctx, again)
	require.NoError(t, err)
	require.Equal(t, Counts{Allocation: 1}, res.Inserted)
	require.EqualValues(t, 1, env.counts(t).sess)
}

func TestCommit_ReusesExistingRows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.engine.Commit(ctx, env.stage(t, threeRows()))
	require.NoError(t, err)
	before := env.counts(t)

	second, err := env.engine.Commit(ctx, env.stage(t, threeRows()))
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, Counts{Allocation: 3}, second.Inserted)

	after := env.counts(t)
	require.Equal(t, before.teach, after.teach)
	require.Equal(t, before.sess, after.sess)
	require.Equal(t, before.alloc+3, after.alloc)
	require.Equal(t, before.runs+1, after.runs)
}

func TestCommit_SameTutorTwiceInOneBatch(t *testing.T) {
	env := newTestEnv(t)
	rows := threeRows()[:1]
	rows = append(rows, rows[0])

	res, err := env.engine.Commit(context.Background(), env.stage(t, rows))
	require.NoError(t, err)
	require.Equal(t, Counts{1, 1, 2}, res.Inserted)
}

func TestRollback_IdenticalLaterBatchSurvives(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.engine.Commit(ctx, env.stage(t, threeRows()))
	require.NoError(t, err)
	b, err := env.engine.Commit(ctx, env.stage(t, threeRows()))
	require.NoError(t, err)

	rb, err := env.engine.Rollback(ctx, a.RunID)
	require.NoError(t, err)
	require.Equal(t, DeletedCounts{Alloc: 3}, rb.Deleted)

	got := env.counts(t)
	require.EqualValues(t, 1, got.teach)
	require.EqualValues(t, 2, got.sess)
	require.EqualValues(t, 3, got.alloc)

	run, err := env.engine.GetRun(ctx, b.RunID)
	require.NoError(t, err)
	require.Equal(t, RunCommitted, run.Status)

	var allocs []Allocation
	require.NoError(t, env.engine.DB().Find(&allocs).Error)
	for _, al := range allocs {
		require.Equal(t, b.RunID, *al.CreatedByRunID)
	}
}

func TestCommit_AlreadyCommitted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batchID := env.stage(t, threeRows())

	_, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	_, err = env.engine.Commit(ctx, batchID)
	require.ErrorIs(t, err, ErrBatchNotCommittable)
	require.EqualValues(t, 1, env.counts(t).runs)
}

func TestCommit_UnknownBatch(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Commit(context.Background(), 12345)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCommit_RecommitAfterRollback(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batchID := env.stage(t, threeRows())

	first, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	_, err = env.engine.Rollback(ctx, first.RunID)
	require.NoError(t, err)

	second, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	require.NotEqual(t, first.RunID, second.RunID)
	require.Equal(t, first.Inserted, second.Inserted)

	runs, err := env.engine.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, second.RunID, runs[0].ID)
	require.Equal(t, RunCommitted, runs[0].Status)
	require.Equal(t, RunRolledBack, runs[1].Status)
}

func TestCommit_UnknownUnitFailsWholeRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rows := threeRows()
	rows[2].UnitCode = str("NOPE9999")
	batchID := env.stage(t, rows)

	_, err := env.engine.Commit(ctx, batchID)
	var rowErr *RowError
	require.ErrorAs(t, err, &rowErr)
	require.ErrorIs(t, err, ErrUnknownUnitCode)

	require.Equal(t, tableCounts{runs: 1}, env.counts(t))
	runs, err := env.engine.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, RunFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "NOPE9999")

	batch, err := env.engine.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchStaged, batch.Status)
}

func TestCommit_StoreFailureLogsFailedRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batchID := env.stage(t, threeRows())

	db := env.engine.DB()
	require.NoError(t, db.Callback().Create().Before("gorm:create").Register("test:fail_allocation", func(tx *gorm.DB) {
		if tx.Statement.Table == "allocation" {
			_ = tx.AddError(errors.New("disk full"))
		}
	}))

	_, err := env.engine.Commit(ctx, batchID)
	var txErr *TransactionError
	require.ErrorAs(t, err, &txErr)
	require.Equal(t, "commit", txErr.Op)

	require.Equal(t, tableCounts{runs: 1}, env.counts(t))
	runs, err := env.engine.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, RunFailed, runs[0].Status)
	require.Contains(t, runs[0].Error, "disk full")
	require.NotNil(t, runs[0].FinishedAt)

	batch, err := env.engine.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchStaged, batch.Status)
	require.Equal(t, float64(1), testutil.ToFloat64(env.engine.metrics.Runs.WithLabelValues("failed")))

	require.NoError(t, db.Callback().Create().Remove("test:fail_allocation"))
	res, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, Counts{1, 2, 3}, res.Inserted)
}

func TestCommit_DraftAllocations(t *testing.T) {
	t.Run("unresolved tutor", func(t *testing.T) {
		env := newTestEnv(t)
		rows := threeRows()[:1]
		rows[0].StaffID = str("S404")
		_, err := env.engine.Commit(context.Background(), env.stage(t, rows))
		require.NoError(t, err)

		var a Allocation
		require.NoError(t, env.engine.DB().First(&a).Error)
		require.Equal(t, AllocationDraft, a.Status)
		require.Nil(t, a.UserID)
	})
	t.Run("approval required", func(t *testing.T) {
		env := newTestEnv(t, func(c *EngineConfig) { c.RequireApproval = true })
		_, err := env.engine.Commit(context.Background(), env.stage(t, threeRows()[:1]))
		require.NoError(t, err)

		var a Allocation
		require.NoError(t, env.engine.DB().First(&a).Error)
		require.Equal(t, AllocationDraft, a.Status)
		require.EqualValues(t, 42, *a.UserID)
	})
}

func TestDiscard_GuardedByCommittedRuns(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batchID := env.stage(t, threeRows())

	res, err := env.engine.Commit(ctx, batchID)
	require.NoError(t, err)

	_, err = env.engine.Discard(ctx, batchID)
	var guard *HasCommittedDataError
	require.ErrorAs(t, err, &guard)
	require.EqualValues(t, 1, guard.CommittedRuns)

	rows, err := env.engine.GetRows(ctx, batchID, 0)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	_, err = env.engine.Rollback(ctx, res.RunID)
	require.NoError(t, err)

	out, err := env.engine.Discard(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, DiscardResult{Discarded: true, BatchID: batchID}, out)

	batch, err := env.engine.GetBatch(ctx, batchID)
	require.NoError(t, err)
	require.Equal(t, BatchDiscarded, batch.Status)
	rows, err = env.engine.GetRows(ctx, batchID, 0)
	require.NoError(t, err)
	require.Empty(t, rows)

	_, err = env.engine.Discard(ctx, batchID)
	require.ErrorIs(t, err, ErrBatchNotStaged)
	_, err = env.engine.Commit(ctx, batchID)
	require.ErrorIs(t, err, ErrBatchNotCommittable)
}

func TestDiscard_StagedBatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	batchID := env.stage(t, threeRows())

	_, err := env.engine.Discard(ctx, batchID)
	require.NoError(t, err)
	_, err = env.engine.Discard(ctx, 777)
	require.ErrorIs(t, err, ErrNotFound)
}

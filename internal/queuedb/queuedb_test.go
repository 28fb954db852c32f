package queuedb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEnqueueAndClaimBatch(t *testing.T) {
	db := openTestDB(t)

	id, err := db.Enqueue([]byte(`{"n":1}`))
	require.NoError(t, err)
	require.Positive(t, id)

	entries, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusInflight, entries[0].Status)
	require.Equal(t, []byte(`{"n":1}`), entries[0].Payload)
}

func TestClaimBatch_RespectsLimit(t *testing.T) {
	db := openTestDB(t)
	for i := 0; i < 5; i++ {
		_, err := db.Enqueue([]byte(`{}`))
		require.NoError(t, err)
	}

	entries, err := db.ClaimBatch(3)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// Claimed rows are now INFLIGHT, not QUEUED, so a second claim only
	// sees the remaining two.
	entries2, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Len(t, entries2, 2)
}

func TestClaimBatch_EmptyQueueReturnsNil(t *testing.T) {
	db := openTestDB(t)
	entries, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestMarkDone_RemovesRow(t *testing.T) {
	db := openTestDB(t)
	id, err := db.Enqueue([]byte(`{}`))
	require.NoError(t, err)
	_, err = db.ClaimBatch(10)
	require.NoError(t, err)

	require.NoError(t, db.MarkDone(id))

	counts, err := db.StatusCounts()
	require.NoError(t, err)
	require.Zero(t, counts[StatusInflight])
	require.Zero(t, counts[StatusQueued])
}

func TestReschedule_RequeuesForRetryWithBackoff(t *testing.T) {
	db := openTestDB(t)
	id, err := db.Enqueue([]byte(`{}`))
	require.NoError(t, err)
	entries, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	require.NoError(t, db.Reschedule(id, entries[0].AttemptCount, "boom"))

	// next_attempt_at is in the future, so an immediate claim sees nothing.
	again, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Empty(t, again)

	counts, err := db.StatusCounts()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[StatusQueued])
}

func TestMarkFailed_Quarantines(t *testing.T) {
	db := openTestDB(t)
	id, err := db.Enqueue([]byte(`{}`))
	require.NoError(t, err)
	_, err = db.ClaimBatch(10)
	require.NoError(t, err)

	require.NoError(t, db.MarkFailed(id, "permanent error"))

	failed, err := db.ListFailed(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, "permanent error", failed[0].LastError)
}

func TestReclaimStaleInflight(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Enqueue([]byte(`{}`))
	require.NoError(t, err)
	entries, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// next_attempt_at for an inflight row claimed "now" is not yet stale.
	n, err := db.ReclaimStaleInflight(1 * time.Hour)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = db.ReclaimAllInflight()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	counts, err := db.StatusCounts()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[StatusQueued])
}

// A row that sat QUEUED-but-eligible for a long time (a backlog, or a
// Reschedule whose backoff window elapsed a while before anything claimed
// it) must not be immediately reclaimable the instant it becomes
// INFLIGHT: ClaimBatch has to stamp next_attempt_at to the claim time, not
// leave it holding the stale pre-claim eligibility timestamp.
func TestReclaimStaleInflight_DoesNotReclaimFreshlyClaimedBacklogRow(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Enqueue([]byte(`{}`))
	require.NoError(t, err)

	// Backdate next_attempt_at as if this row had been queued and eligible
	// for two hours before anything got around to claiming it.
	old := time.Now().Add(-2 * time.Hour).Unix()
	_, err = db.sql.Exec(`UPDATE queue SET next_attempt_at = ?`, old)
	require.NoError(t, err)

	entries, err := db.ClaimBatch(10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, StatusInflight, entries[0].Status)

	// A reclaim window well short of the row's pre-claim backlog age would
	// incorrectly revert it to QUEUED if ClaimBatch hadn't re-stamped
	// next_attempt_at at claim time.
	n, err := db.ReclaimStaleInflight(1 * time.Hour)
	require.NoError(t, err)
	require.Zero(t, n, "freshly claimed row must not be reclaimed regardless of how old its pre-claim eligibility timestamp was")

	counts, err := db.StatusCounts()
	require.NoError(t, err)
	require.Equal(t, int64(1), counts[StatusInflight])
}

func TestRequeueFailed_AllWhenNoIDs(t *testing.T) {
	db := openTestDB(t)
	id1, _ := db.Enqueue([]byte(`{}`))
	id2, _ := db.Enqueue([]byte(`{}`))
	db.ClaimBatch(10)
	require.NoError(t, db.MarkFailed(id1, "x"))
	require.NoError(t, db.MarkFailed(id2, "x"))

	n, err := db.RequeueFailed(nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	counts, err := db.StatusCounts()
	require.NoError(t, err)
	require.Equal(t, int64(2), counts[StatusQueued])
}

func TestRequeueFailed_SpecificIDs(t *testing.T) {
	db := openTestDB(t)
	id1, _ := db.Enqueue([]byte(`{}`))
	id2, _ := db.Enqueue([]byte(`{}`))
	db.ClaimBatch(10)
	require.NoError(t, db.MarkFailed(id1, "x"))
	require.NoError(t, db.MarkFailed(id2, "x"))

	n, err := db.RequeueFailed([]int64{id1})
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	failed, err := db.ListFailed(10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, id2, failed[0].ID)
}

func TestPurgeFailed(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.Enqueue([]byte(`{}`))
	db.ClaimBatch(10)
	require.NoError(t, db.MarkFailed(id, "x"))

	n, err := db.PurgeFailed(nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	failed, err := db.ListFailed(10)
	require.NoError(t, err)
	require.Empty(t, failed)
}

func TestVacuum_RemovesOldDoneRows(t *testing.T) {
	db := openTestDB(t)
	id, _ := db.Enqueue([]byte(`{}`))
	db.ClaimBatch(10)
	require.NoError(t, db.MarkDoneSoft(id))

	n, err := db.Vacuum(0)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

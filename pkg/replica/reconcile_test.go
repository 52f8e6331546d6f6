package replica

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkReplica(worker, database string, chunk int32, files ...string) Replica {
	r := Replica{
		Worker:     worker,
		Database:   database,
		Chunk:      chunk,
		VerifyTime: time.Unix(1000, 0),
		Declared:   append([]string(nil), files...),
	}
	for _, f := range files {
		r.Files = append(r.Files, File{Name: f, Size: 1, MTime: 1, Checksum: "cs"})
	}
	return r
}

// TestReconcileScenario reproduces the worked example: old state at
// worker A is {(A,a,1), (A,a,2)}, new state is {(A,a,1), (A,b,3)}.
// Expected effect: DELETE (A,a,2), INSERT (A,b,3), leave (A,a,1)
// untouched.
func TestReconcileScenario(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()

	old1 := mkReplica("A", "a", 1, "f1")
	old2 := mkReplica("A", "a", 2, "f2")
	require.NoError(t, store.SaveReplica(ctx, old1))
	require.NoError(t, store.SaveReplica(ctx, old2))

	job := NewReconcileJob(store)
	newList := []Replica{
		mkReplica("A", "a", 1, "f1"),
		mkReplica("A", "b", 3, "f3"),
	}

	repA, err := job.Reconcile(ctx, "A", "a", newList)
	require.NoError(t, err)
	assert.Equal(t, 1, repA.Deleted)
	assert.Equal(t, 0, repA.Inserted)
	assert.Equal(t, 1, repA.Unchanged)

	repB, err := job.Reconcile(ctx, "A", "b", newList)
	require.NoError(t, err)
	assert.Equal(t, 1, repB.Inserted)
	assert.Equal(t, 0, repB.Deleted)

	remainingA, err := store.LoadReplicas(ctx, "A", "a")
	require.NoError(t, err)
	require.Len(t, remainingA, 1)
	assert.Equal(t, int32(1), remainingA[0].Chunk)

	remainingB, err := store.LoadReplicas(ctx, "A", "b")
	require.NoError(t, err)
	require.Len(t, remainingB, 1)
	assert.Equal(t, int32(3), remainingB[0].Chunk)
}

func TestReconcileUpdatesChangedVerifyTime(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()

	r := mkReplica("A", "a", 1, "f1")
	require.NoError(t, store.SaveReplica(ctx, r))

	changed := r
	changed.VerifyTime = r.VerifyTime.Add(time.Hour)

	job := NewReconcileJob(store)
	rep, err := job.Reconcile(ctx, "A", "a", []Replica{changed})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Updated)
	assert.Equal(t, 0, rep.Unchanged)
}

// brokenLoadStore fails LoadReplicas for one worker, standing in for a
// worker whose control plane is offline mid-job.
type brokenLoadStore struct {
	Store
	failWorker string
}

func (b *brokenLoadStore) LoadReplicas(ctx context.Context, worker, database string) ([]Replica, error) {
	if worker == b.failWorker {
		return nil, assert.AnError
	}
	return b.Store.LoadReplicas(ctx, worker, database)
}

// TestRunAllPartialSuccess: one worker fails, the job still finishes the
// rest and reports per-worker success.
func TestRunAllPartialSuccess(t *testing.T) {
	fake := NewFakeStore()
	ctx := context.Background()
	require.NoError(t, fake.SaveReplica(ctx, mkReplica("A", "a", 1, "f1")))

	job := NewReconcileJob(&brokenLoadStore{Store: fake, failWorker: "B"})
	workers, reps, err := job.RunAll(ctx, "a", map[string][]Replica{
		"A": {mkReplica("A", "a", 1, "f1")},
		"B": {mkReplica("B", "a", 2, "f2")},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"A": true, "B": false}, workers)
	require.Len(t, reps, 1)
	assert.Equal(t, "A", reps[0].Worker)
}

func TestReconcileIgnoresOtherWorkerDatabase(t *testing.T) {
	store := NewFakeStore()
	ctx := context.Background()

	require.NoError(t, store.SaveReplica(ctx, mkReplica("A", "a", 1, "f1")))

	job := NewReconcileJob(store)
	rep, err := job.Reconcile(ctx, "A", "a", []Replica{
		mkReplica("B", "a", 1, "f1"), // different worker, filtered out of newList
	})
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Deleted) // (A,a,1) had no counterpart after filtering
}

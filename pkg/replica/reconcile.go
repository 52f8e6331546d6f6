package replica

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/lsst/qserv-sub010/pkg/xmap"
)

// ReconcileJob is the two-phase replica reconciliation job (spec §4.7
// point 2, SPEC_FULL.md Part D.3): collect a worker's current replica
// list, compare it against what's persisted, and apply the minimal set
// of deletes/inserts/updates to bring the store in line. Mirrors
// QservGetReplicasJob's "collect from workers, then reconcile" shape.
type ReconcileJob struct {
	Store Store
}

// NewReconcileJob constructs a ReconcileJob backed by store.
func NewReconcileJob(store Store) *ReconcileJob {
	return &ReconcileJob{Store: store}
}

// key3 adapts a Replica's (worker, database, chunk) identity into the
// xmap.Key3 composite key reconciliation computes set algebra over.
func key3(r Replica) xmap.Key3[string, string, int32] {
	w, d, c := r.Key()
	return xmap.Key3[string, string, int32]{K1: w, K2: d, K3: c}
}

func toMap3(list []Replica) *xmap.Map3[string, string, int32, Replica] {
	m := xmap.NewMap3[string, string, int32, Replica]()
	for _, r := range list {
		m.Set(r.Worker, r.Database, r.Chunk, r)
	}
	return m
}

// Reconcile implements spec §4.7 point 2: filters newList to the
// (worker, database) context, computes inBoth/inNewOnly/inOldOnly via
// C2 set algebra over the composite (worker, database, chunk) key,
// deletes everything in inOldOnly, inserts everything in inNewOnly, and
// for inBoth deep-compares (including files) and delete-then-inserts
// any that differ (spec §8 scenario 3).
func (j *ReconcileJob) Reconcile(ctx context.Context, worker, database string, newList []Replica) (*ReconcileReport, error) {
	filtered := make([]Replica, 0, len(newList))
	for _, r := range newList {
		if r.Worker != worker || r.Database != database {
			continue
		}
		filtered = append(filtered, r)
	}

	oldList, err := j.Store.LoadReplicas(ctx, worker, database)
	if err != nil {
		return nil, errors.Wrap(err, "replica: reconcile: load current replicas")
	}

	oldMap := toMap3(oldList)
	newMap := toMap3(filtered)

	onlyOld, onlyNew := xmap.Diff2_3(oldMap, newMap)
	both := xmap.Intersect3(oldMap, newMap)

	rep := &ReconcileReport{Worker: worker, Database: database}

	var delErr error
	onlyOld.Range(func(k xmap.Key3[string, string, int32], r Replica) bool {
		if delErr = j.Store.DeleteReplica(ctx, k.K1, k.K2, k.K3); delErr != nil {
			return false
		}
		rep.Deleted++
		return true
	})
	if delErr != nil {
		return nil, errors.Wrap(delErr, "replica: reconcile: delete stale replica")
	}

	var insErr error
	onlyNew.Range(func(k xmap.Key3[string, string, int32], r Replica) bool {
		if insErr = j.Store.SaveReplica(ctx, r); insErr != nil {
			return false
		}
		rep.Inserted++
		return true
	})
	if insErr != nil {
		return nil, errors.Wrap(insErr, "replica: reconcile: insert new replica")
	}

	var cmpErr error
	both.Range(func(k xmap.Key3[string, string, int32], oldR Replica) bool {
		newR, getErr := newMap.Get(k.K1, k.K2, k.K3)
		if getErr != nil {
			return true // can't happen: both came from the intersection
		}
		if oldR.Equal(newR) {
			rep.Unchanged++
			return true
		}
		if cmpErr = j.Store.SaveReplica(ctx, newR); cmpErr != nil {
			return false
		}
		rep.Updated++
		return true
	})
	if cmpErr != nil {
		return nil, errors.Wrap(cmpErr, "replica: reconcile: update changed replica")
	}

	return rep, nil
}

// ReconcileReport summarizes one Reconcile call's effect, for logging
// and tests.
type ReconcileReport struct {
	Worker, Database string
	Deleted, Inserted, Updated, Unchanged int
}

// RunAll reconciles every worker's reported replica list against the
// store. A worker whose reconcile fails (offline, driver error) is
// marked false in the returned map and the job carries on with the
// rest; partial success is a legitimate outcome, never a hard failure
// (spec §7: "Partial success in a replica job is reported in the
// per-worker workers map with true for responded, false for failed").
// RunAll only returns an error if ctx itself is cancelled.
func (j *ReconcileJob) RunAll(ctx context.Context, database string, reported map[string][]Replica) (map[string]bool, []*ReconcileReport, error) {
	workers := make(map[string]bool, len(reported))
	var reps []*ReconcileReport
	for worker, list := range reported {
		if err := ctx.Err(); err != nil {
			return workers, reps, errors.Wrap(err, "replica: reconcile job cancelled")
		}
		rep, err := j.Reconcile(ctx, worker, database, list)
		if err != nil {
			workers[worker] = false
			continue
		}
		workers[worker] = true
		reps = append(reps, rep)
	}
	return workers, reps, nil
}

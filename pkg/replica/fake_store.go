package replica

import (
	"context"
	"sort"
	"sync"
	"time"
)

// FakeStore is an in-memory Store for tests that exercise reconciliation,
// reporting, and history-query logic without a live MySQL server, the
// same role wdb.FakeBackend plays for the subchunk manager.
type FakeStore struct {
	mu sync.Mutex

	controllers map[string]Controller
	jobs        map[string]Job
	requests    map[string]Request
	events      []Event
	replicas    map[[3]string]Replica // key: worker, database, fmt(chunk)
	nextEventID int64
	nextReplicaID int64
	transactions map[int64]Transaction
	contribs     map[int64]TransactionContrib
}

// NewFakeStore constructs an empty FakeStore.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		controllers:  make(map[string]Controller),
		jobs:         make(map[string]Job),
		requests:     make(map[string]Request),
		replicas:     make(map[[3]string]Replica),
		transactions: make(map[int64]Transaction),
		contribs:     make(map[int64]TransactionContrib),
	}
}

func replicaKey(worker, database string, chunk int32) [3]string {
	return [3]string{worker, database, itoa32(chunk)}
}

func itoa32(n int32) string {
	neg := n < 0
	if neg {
		n = -n
	}
	if n == 0 {
		return "0"
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (f *FakeStore) SaveController(ctx context.Context, c Controller) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.controllers[c.ID] = c
	return nil
}

func (f *FakeStore) SaveJob(ctx context.Context, j Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[j.ID] = j
	return nil
}

func (f *FakeStore) SaveRequest(ctx context.Context, r Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[r.ID] = r
	return nil
}

func (f *FakeStore) LogEvent(ctx context.Context, e Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextEventID++
	e.ID = f.nextEventID
	f.events = append(f.events, e)
	return nil
}

func (f *FakeStore) Controllers(ctx context.Context, from, to time.Time, maxEntries int) ([]Controller, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Controller
	for _, c := range f.controllers {
		if inRange(c.StartTime, from, to) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartTime.After(out[k].StartTime) })
	return capEntries(out, maxEntries), nil
}

func (f *FakeStore) Jobs(ctx context.Context, controllerID string, from, to time.Time, maxEntries int) ([]Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Job
	for _, j := range f.jobs {
		if j.ControllerID == controllerID && inRange(j.CreateTime, from, to) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreateTime.After(out[k].CreateTime) })
	return capEntries(out, maxEntries), nil
}

func (f *FakeStore) Requests(ctx context.Context, jobID string, from, to time.Time, maxEntries int) ([]Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Request
	for _, r := range f.requests {
		if r.JobID == jobID && inRange(r.StartTime, from, to) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].StartTime.After(out[k].StartTime) })
	return capEntries(out, maxEntries), nil
}

func (f *FakeStore) Events(ctx context.Context, controllerID string, from, to time.Time, maxEntries int) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Event
	for _, e := range f.events {
		if e.ControllerID == controllerID && inRange(e.Time, from, to) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Time.After(out[k].Time) })
	return capEntries(out, maxEntries), nil
}

func capEntries[T any](items []T, maxEntries int) []T {
	if maxEntries > 0 && len(items) > maxEntries {
		return items[:maxEntries]
	}
	return items
}

func (f *FakeStore) SaveReplica(ctx context.Context, r Replica) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !r.Complete() {
		delete(f.replicas, replicaKey(r.Worker, r.Database, r.Chunk))
		return nil
	}
	f.nextReplicaID++
	r.ID = f.nextReplicaID
	f.replicas[replicaKey(r.Worker, r.Database, r.Chunk)] = r
	return nil
}

func (f *FakeStore) DeleteReplica(ctx context.Context, worker, database string, chunk int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.replicas, replicaKey(worker, database, chunk))
	return nil
}

func (f *FakeStore) LoadReplicas(ctx context.Context, worker, database string) ([]Replica, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Replica
	for _, r := range f.replicas {
		if r.Worker == worker && r.Database == database {
			out = append(out, r)
		}
	}
	return out, nil
}

// AllReplicas returns every replica currently stored, across all workers
// and databases, for Report construction.
func (f *FakeStore) AllReplicas() []Replica {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Replica, 0, len(f.replicas))
	for _, r := range f.replicas {
		out = append(out, r)
	}
	return out
}

func (f *FakeStore) LoadReplicaFiles(ctx context.Context, replicaIDs []int64, maxPacketBytes int) (map[int64][]File, error) {
	if _, err := BatchSize(maxPacketBytes); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	want := make(map[int64]bool, len(replicaIDs))
	for _, id := range replicaIDs {
		want[id] = true
	}
	out := make(map[int64][]File)
	for _, r := range f.replicas {
		if want[r.ID] {
			out[r.ID] = r.Files
		}
	}
	return out, nil
}

func (f *FakeStore) SaveTransaction(ctx context.Context, t Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactions[t.ID] = t
	return nil
}

func (f *FakeStore) SaveTransactionContrib(ctx context.Context, c TransactionContrib) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contribs[c.ID] = c
	return nil
}

var _ Store = (*FakeStore)(nil)

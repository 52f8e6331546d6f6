package replica

// Report computes the two summary statistics spec §4.7's last two
// paragraphs name, over an in-memory snapshot of replica rows: the
// orphan-chunk count and the actual-replication-level histogram.
// Grounded on original_source/core/modules/replica/ChunksApp.cc, which
// prints exactly these two numbers for a database after a reconciliation
// run (SPEC_FULL.md Part D.6).
type Report struct {
	replicas []Replica
}

// NewReport snapshots replicas for repeated orphan/histogram queries.
func NewReport(replicas []Replica) *Report {
	return &Report{replicas: replicas}
}

// chunkWorkers maps chunk -> set of workers holding it, excluding the
// sentinel chunk and any replica outside database.
func (r *Report) chunkWorkers(database string) map[int32]map[string]bool {
	out := make(map[int32]map[string]bool)
	for _, rep := range r.replicas {
		if rep.Database != database || rep.Chunk == SentinelChunk {
			continue
		}
		workers, ok := out[rep.Chunk]
		if !ok {
			workers = make(map[string]bool)
			out[rep.Chunk] = workers
		}
		workers[rep.Worker] = true
	}
	return out
}

// NumOrphanChunks counts chunks in database that appear on some worker
// in uniqueOn but on no worker outside uniqueOn (spec §4.7: "'Unique on
// workers W' means: count chunks ... that appear on some worker in W but
// on no worker outside W, ignoring the sentinel chunk"; spec §8 scenario
// 6).
func (r *Report) NumOrphanChunks(database string, uniqueOn map[string]bool) int {
	n := 0
	for _, workers := range r.chunkWorkers(database) {
		onSet := false
		offSet := false
		for w := range workers {
			if uniqueOn[w] {
				onSet = true
			} else {
				offSet = true
			}
		}
		if onSet && !offSet {
			n++
		}
	}
	return n
}

// ActualReplicationLevel reports, for each observed replica count L (the
// per-chunk worker count across the database, excluding excludeWorkers),
// how many chunks have exactly L replicas (spec §4.7: "a GROUP BY
// aggregation ... excluding the sentinel chunk and any excluded
// workers").
func (r *Report) ActualReplicationLevel(database string, excludeWorkers map[string]bool) map[int]int {
	histogram := make(map[int]int)
	for _, workers := range r.chunkWorkers(database) {
		n := 0
		for w := range workers {
			if !excludeWorkers[w] {
				n++
			}
		}
		histogram[n]++
	}
	return histogram
}

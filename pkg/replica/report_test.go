package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestReportOrphanAndReplicationLevel reproduces the worked example:
// chunk 1 on {A,B}, chunk 2 on {A}, chunk 3 on {B,C}, sentinel chunk on
// every worker. Unique-on {A,B} orphan count is 2: chunk 2 (on A only)
// and chunk 1 (on A and B, both in the set) have no holder outside
// {A,B}. Chunk 3 has C outside the set, so it does not count.
func TestReportOrphanAndReplicationLevel(t *testing.T) {
	replicas := []Replica{
		mkReplica("A", "a", 1, "f"),
		mkReplica("B", "a", 1, "f"),
		mkReplica("A", "a", 2, "f"),
		mkReplica("B", "a", 3, "f"),
		mkReplica("C", "a", 3, "f"),
		mkReplica("A", "a", SentinelChunk, "f"),
		mkReplica("B", "a", SentinelChunk, "f"),
	}
	rep := NewReport(replicas)

	n := rep.NumOrphanChunks("a", map[string]bool{"A": true, "B": true})
	assert.Equal(t, 2, n) // chunks 1 and 2

	hist := rep.ActualReplicationLevel("a", nil)
	assert.Equal(t, 2, hist[2]) // chunks 1 and 3: each replicated on 2 workers
	assert.Equal(t, 1, hist[1]) // chunk 2: on 1 worker (sentinel excluded)
}

func TestReportActualReplicationLevelExcludesWorkers(t *testing.T) {
	replicas := []Replica{
		mkReplica("A", "a", 1, "f"),
		mkReplica("B", "a", 1, "f"),
		mkReplica("C", "a", 1, "f"),
	}
	rep := NewReport(replicas)
	hist := rep.ActualReplicationLevel("a", map[string]bool{"C": true})
	assert.Equal(t, 1, hist[2])
	assert.Equal(t, 0, hist[3])
}

func TestReportIgnoresOtherDatabases(t *testing.T) {
	replicas := []Replica{
		mkReplica("A", "a", 1, "f"),
		mkReplica("A", "b", 1, "f"),
	}
	rep := NewReport(replicas)
	n := rep.NumOrphanChunks("a", map[string]bool{"A": true})
	assert.Equal(t, 1, n)
}

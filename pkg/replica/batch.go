package replica

import "github.com/cockroachdb/errors"

// safetyMarginBytes is subtracted from the session's max packet size
// before computing how many IDs fit in one IN-list batch (spec §4.7:
// "bounded by the session's max packet size minus a 1 KiB safety
// margin").
const safetyMarginBytes = 1024

// uint64Digits10 is len(strconv.FormatUint(math.MaxUint64, 10)): the
// worst-case decimal width of one ID (its separator is the extra 1 added
// in BatchSize), used the same way the
// spec's C++ original sizes each batch against `1 + digits10(UINT64_MAX)`
// per ID.
const uint64Digits10 = 20

// BatchSize returns how many IDs fit in one IN-list batch given
// maxPacketBytes, never fewer than 1, or an error if maxPacketBytes does
// not exceed the safety margin (spec §4.7: "If the session's max packet is < 1 KiB, the engine
// refuses."; boundary case in spec §8: "max packet = 1024: refused").
func BatchSize(maxPacketBytes int) (int, error) {
	budget := maxPacketBytes - safetyMarginBytes
	if budget <= 0 {
		return 0, errors.Newf("replica: max packet size %d too small for IN-list batching (need > %d)", maxPacketBytes, safetyMarginBytes)
	}
	n := budget / (1 + uint64Digits10)
	if n < 1 {
		n = 1
	}
	return n, nil
}

// BatchIDs splits ids into batches sized by BatchSize(maxPacketBytes),
// iterating the caller's IN-list query once per batch and accumulating
// results (spec §4.7: "the caller splits the replica-ID list into
// batches ... iterates, and accumulates").
func BatchIDs(ids []int64, maxPacketBytes int) ([][]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	size, err := BatchSize(maxPacketBytes)
	if err != nil {
		return nil, err
	}
	var batches [][]int64
	for i := 0; i < len(ids); i += size {
		end := i + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[i:end])
	}
	return batches, nil
}

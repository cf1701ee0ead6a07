// Package distpolicy implements the distribution policy: the pure function
// mapping a logical (offset, length) range to the sequence of per-server
// fragments that carry it, and its inverse used to reassemble reads.
package distpolicy

import "fmt"

// Fragment is one (server, local offset, length) piece of a logical
// [offset, offset+length) range, plus the logical offset it reconstructs to
// so callers can place it back into a contiguous buffer.
type Fragment struct {
	Server        int   // owning server index, in [0, serverCount)
	LocalOffset   int64 // byte offset within the shard file, header included
	Length        int64
	LogicalOffset int64 // offset within the logical file
	Replica       int   // 0 = primary, >0 = replica rank
	Block         int64 // logical block index this fragment belongs to
}

// Policy computes the fragments covering a logical byte range.
type Policy interface {
	// Name identifies the policy, matching partition.policy in config
	// (§4.12 names only "round-robin").
	Name() string

	// Fragments returns every (server, replica) fragment needed to cover
	// [offset, offset+length) of a file whose master shard is at
	// masterServer, replicated replicaCount times across serverCount
	// servers with the given blockSize and header size.
	Fragments(offset, length int64, blockSize int64, headerSize int64, serverCount, masterServer, replicaCount int) ([]Fragment, error)
}

// RoundRobin is the "round-robin with master-first skew" policy from §3/§4.2:
// block k lives on server (master+k) mod serverCount, with replicas on the
// next replicaCount-1 servers cyclically.
type RoundRobin struct{}

func (RoundRobin) Name() string { return "round-robin" }

func (RoundRobin) Fragments(offset, length int64, blockSize int64, headerSize int64, serverCount, masterServer, replicaCount int) ([]Fragment, error) {
	if length <= 0 {
		return nil, fmt.Errorf("distpolicy: length must be > 0, got %d", length)
	}
	if offset < 0 {
		return nil, fmt.Errorf("distpolicy: offset must be >= 0, got %d", offset)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("distpolicy: blockSize must be > 0, got %d", blockSize)
	}
	if serverCount <= 0 {
		return nil, fmt.Errorf("distpolicy: serverCount must be > 0, got %d", serverCount)
	}
	if replicaCount <= 0 {
		replicaCount = 1
	}

	firstBlock := offset / blockSize
	lastBlock := (offset + length - 1) / blockSize

	var frags []Fragment
	remaining := length
	logicalOff := offset

	for block := firstBlock; block <= lastBlock; block++ {
		blockStart := block * blockSize
		var offsetWithinBlock int64
		if block == firstBlock {
			offsetWithinBlock = offset - blockStart
		}

		bytesLeftInBlock := blockSize - offsetWithinBlock
		fragLen := remaining
		if fragLen > bytesLeftInBlock {
			fragLen = bytesLeftInBlock
		}

		primaryServer := int((int64(masterServer) + block) % int64(serverCount))
		localOffset := headerSize + (block/int64(serverCount))*blockSize + offsetWithinBlock

		for r := 0; r < replicaCount; r++ {
			server := (primaryServer + r) % serverCount
			frags = append(frags, Fragment{
				Server:        server,
				LocalOffset:   localOffset,
				Length:        fragLen,
				LogicalOffset: logicalOff,
				Replica:       r,
				Block:         block,
			})
		}

		remaining -= fragLen
		logicalOff += fragLen
	}

	return frags, nil
}

// Primary filters frags down to replica-0 fragments only, the set used to
// drive an actual I/O fan-out (replicas are read as fallback, not read by
// default; writes use the full Fragments() slice, replicas included, in
// one fan-out).
func Primary(frags []Fragment) []Fragment {
	out := make([]Fragment, 0, len(frags))
	for _, f := range frags {
		if f.Replica == 0 {
			out = append(out, f)
		}
	}
	return out
}

// Assemble copies each fragment's Data into dst at Data's logical position
// relative to rangeStart, reconstructing a contiguous read. It is the
// policy's documented inverse (§4.2, §8 property 3).
func Assemble(dst []byte, rangeStart int64, frags []Fragment, data [][]byte) error {
	if len(frags) != len(data) {
		return fmt.Errorf("distpolicy: fragments/data length mismatch: %d vs %d", len(frags), len(data))
	}
	for i, f := range frags {
		d := data[i]
		pos := f.LogicalOffset - rangeStart
		if pos < 0 || pos+int64(len(d)) > int64(len(dst)) {
			return fmt.Errorf("distpolicy: fragment %d out of bounds (pos=%d len=%d dst=%d)", i, pos, len(d), len(dst))
		}
		copy(dst[pos:pos+int64(len(d))], d)
	}
	return nil
}

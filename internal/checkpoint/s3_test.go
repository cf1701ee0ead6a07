package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSpliceAtReassemblesSequentialChunks models handleCheckpoint's loop
// of Put(key, offset, chunk) calls for a shard spanning several
// MaxBufferSize-sized chunks: each call must land in the same growing
// buffer at its offset, not a separate object, so a later Get can
// range-read the whole thing back.
func TestSpliceAtReassemblesSequentialChunks(t *testing.T) {
	var buf []byte
	chunks := [][]byte{
		[]byte("first-chunk-"),
		[]byte("second-chunk"),
		[]byte("third!"),
	}
	offset := int64(0)
	for _, c := range chunks {
		buf = spliceAt(buf, offset, c)
		offset += int64(len(c))
	}
	assert.Equal(t, "first-chunk-second-chunkthird!", string(buf))
}

func TestSpliceAtGrowsPastGaps(t *testing.T) {
	buf := spliceAt(nil, 5, []byte("end"))
	assert.Len(t, buf, 8)
	assert.Equal(t, []byte{0, 0, 0, 0, 0}, buf[:5])
	assert.Equal(t, "end", string(buf[5:]))
}

func TestSpliceAtOverwritesInPlace(t *testing.T) {
	buf := []byte("0123456789")
	buf = spliceAt(buf, 2, []byte("XY"))
	assert.Equal(t, "01XY456789", string(buf))
}

package distpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundRobinSingleBlock(t *testing.T) {
	p := RoundRobin{}
	frags, err := p.Fragments(10, 20, 100, 4096, 4, 1, 1)
	require.NoError(t, err)
	require.Len(t, frags, 1)

	f := frags[0]
	assert.Equal(t, 1, f.Server) // master=1, block=0 -> (1+0)%4
	assert.Equal(t, int64(4096+10), f.LocalOffset)
	assert.Equal(t, int64(20), f.Length)
	assert.Equal(t, int64(10), f.LogicalOffset)
	assert.Equal(t, 0, f.Replica)
}

func TestRoundRobinSpansBlocks(t *testing.T) {
	p := RoundRobin{}
	// block size 100, range [90, 90+40) spans block 0 and block 1.
	frags, err := p.Fragments(90, 40, 100, 0, 4, 0, 1)
	require.NoError(t, err)
	require.Len(t, frags, 2)

	assert.Equal(t, int64(90), frags[0].LogicalOffset)
	assert.Equal(t, int64(10), frags[0].Length)
	assert.Equal(t, 0, frags[0].Server)

	assert.Equal(t, int64(100), frags[1].LogicalOffset)
	assert.Equal(t, int64(30), frags[1].Length)
	assert.Equal(t, 1, frags[1].Server)

	var total int64
	for _, f := range frags {
		total += f.Length
	}
	assert.Equal(t, int64(40), total)
}

func TestRoundRobinReplicas(t *testing.T) {
	p := RoundRobin{}
	frags, err := p.Fragments(0, 10, 100, 0, 4, 2, 3)
	require.NoError(t, err)
	require.Len(t, frags, 3)

	assert.Equal(t, 2, frags[0].Server)
	assert.Equal(t, 3, frags[1].Server)
	assert.Equal(t, 0, frags[2].Server)

	primary := Primary(frags)
	require.Len(t, primary, 1)
	assert.Equal(t, 2, primary[0].Server)
}

func TestRoundRobinRejectsBadInput(t *testing.T) {
	p := RoundRobin{}
	_, err := p.Fragments(0, 0, 100, 0, 4, 0, 1)
	assert.Error(t, err)

	_, err = p.Fragments(-1, 10, 100, 0, 4, 0, 1)
	assert.Error(t, err)

	_, err = p.Fragments(0, 10, 0, 0, 4, 0, 1)
	assert.Error(t, err)

	_, err = p.Fragments(0, 10, 100, 0, 0, 0, 1)
	assert.Error(t, err)
}

func TestAssembleReconstructsRange(t *testing.T) {
	p := RoundRobin{}
	frags, err := p.Fragments(90, 40, 100, 0, 4, 0, 1)
	require.NoError(t, err)

	data := make([][]byte, len(frags))
	for i, f := range frags {
		b := make([]byte, f.Length)
		for j := range b {
			b[j] = byte('A' + f.Server)
		}
		data[i] = b
	}

	dst := make([]byte, 40)
	require.NoError(t, Assemble(dst, 90, frags, data))
	assert.Equal(t, byte('A'+0), dst[0])
	assert.Equal(t, byte('A'+1), dst[39])
}

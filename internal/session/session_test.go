package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLookupClose(t *testing.T) {
	tbl := New()
	key := tbl.Open(&Entry{LocalPath: "/x/y", Mode: ModeSession})
	assert.Equal(t, uint64(1), key)

	e, err := tbl.Lookup(key)
	require.NoError(t, err)
	assert.Equal(t, "/x/y", e.LocalPath)

	require.NoError(t, tbl.Close(key))
	_, err = tbl.Lookup(key)
	assert.Error(t, err)
}

func TestCloseUnknownKey(t *testing.T) {
	tbl := New()
	err := tbl.Close(999)
	assert.Error(t, err)
}

func TestKeysIncreaseMonotonically(t *testing.T) {
	tbl := New()
	k1 := tbl.Open(&Entry{})
	k2 := tbl.Open(&Entry{})
	assert.Less(t, k1, k2)
}

func TestCloseAll(t *testing.T) {
	tbl := New()
	tbl.Open(&Entry{})
	tbl.Open(&Entry{})
	assert.Equal(t, 2, tbl.Len())
	tbl.CloseAll()
	assert.Equal(t, 0, tbl.Len())
}

package bufferpool_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/symmetry-network/hub/bufferpool"
)

func TestTakeFromEmptyPoolAllocatesZeroedBuffer(t *testing.T) {
	bp := bufferpool.New(1)
	buf := bp.Take()
	require.Equal(t, 0, buf.Len())
}

func TestTakeAfterGiveRecyclesAndResets(t *testing.T) {
	bp := bufferpool.New(1)

	given := bytes.NewBuffer([]byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, bp.Give(given))

	reused := bp.Take()
	require.Equal(t, 0, reused.Len())
}

func TestGiveRejectsWrongSizedBuffer(t *testing.T) {
	bp := bufferpool.New(1)
	require.Error(t, bp.Give(bytes.NewBuffer([]byte{0x01})))
}

func TestGiveRejectsFullPool(t *testing.T) {
	bp := bufferpool.New(1)
	require.NoError(t, bp.Give(bytes.NewBuffer([]byte{0, 0, 0, 0})))
	require.Error(t, bp.Give(bytes.NewBuffer([]byte{1, 1, 1, 1})))
}

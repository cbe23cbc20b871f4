package schema

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserOpKeyRoundTrip(t *testing.T) {
	h := common.HexToHash("0xABCDEF0000000000000000000000000000000000000000000000000000000001")
	key := UserOpKey(h)
	assert.Equal(t, "uop:0xabcdef0000000000000000000000000000000000000000000000000000000001", string(key))

	got, err := HashFromUserOpKey(key)
	require.NoError(t, err)
	assert.Equal(t, h, got)

	_, err = HashFromUserOpKey([]byte("batch:1"))
	assert.Error(t, err)
}

func TestCounterKey(t *testing.T) {
	assert.Equal(t, "ct:included", string(CounterKey("included")))
	assert.Equal(t, "batch:01H", string(BatchKey("01H")))
}

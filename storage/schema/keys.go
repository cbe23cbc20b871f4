package schema

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout
// uop:<hash>        terminal record of a user operation
// batch:<ulid>      submitted batch, ulid keeps them ordered by time
// ct:<name>         counter
const (
	UserOpPrefix  = "uop:"
	BatchPrefix   = "batch:"
	CounterPrefix = "ct:"
)

func UserOpKey(hash common.Hash) []byte {
	return []byte(UserOpPrefix + strings.ToLower(hash.Hex()))
}

func BatchKey(id string) []byte {
	return []byte(BatchPrefix + id)
}

func CounterKey(name string) []byte {
	return []byte(fmt.Sprintf("%s%s", CounterPrefix, name))
}

// HashFromUserOpKey extracts the operation hash from a uop: key
func HashFromUserOpKey(key []byte) (common.Hash, error) {
	s := string(key)
	if !strings.HasPrefix(s, UserOpPrefix) {
		return common.Hash{}, fmt.Errorf("not a user operation key: %s", s)
	}
	return common.HexToHash(strings.TrimPrefix(s, UserOpPrefix)), nil
}

package aa

import (
	"github.com/ethereum/go-ethereum/common"
)

// Canonical EntryPoint v0.7 deployment
var EntryPointV07Address = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

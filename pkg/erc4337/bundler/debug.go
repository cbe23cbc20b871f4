package bundler

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// The debug_bundler_* namespace is only served when the node enables it.

func (bc *BundlerClient) ClearState(ctx context.Context) error {
	var ok string
	return bc.client.CallContext(ctx, &ok, "debug_bundler_clearState")
}

func (bc *BundlerClient) DumpMempool(ctx context.Context) ([]*UserOperationInfo, error) {
	var entries []*UserOperationInfo
	err := bc.client.CallContext(ctx, &entries, "debug_bundler_dumpMempool")
	return entries, err
}

// SendBundleNow forces a bundle and returns the transaction hash.
func (bc *BundlerClient) SendBundleNow(ctx context.Context) (common.Hash, error) {
	var tx common.Hash
	err := bc.client.CallContext(ctx, &tx, "debug_bundler_sendBundleNow")
	return tx, err
}

func (bc *BundlerClient) SetBundlingMode(ctx context.Context, mode string) error {
	var ok string
	return bc.client.CallContext(ctx, &ok, "debug_bundler_setBundlingMode", mode)
}

// Provide primitive to work with a bundler RPC
// Bundler RPC is stateless
package bundler

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

// BundlerClient defines a client for interacting with an EIP-4337 bundler RPC endpoint.
type BundlerClient struct {
	client *rpc.Client
	url    string
}

// NewBundlerClient creates a new BundlerClient that connects to the given URL.
func NewBundlerClient(url string) (*BundlerClient, error) {
	// DialHTTP keeps to plain POSTs, which is what most bundler endpoints serve
	c, err := rpc.DialHTTP(url)
	if err != nil {
		return nil, fmt.Errorf("Error creating bundler client: %w", err)
	}
	return &BundlerClient{client: c, url: url}, nil
}

// Close closes the underlying RPC client connection.
func (bc *BundlerClient) Close() {
	bc.client.Close()
}

// SendUserOperation sends a UserOperation to the bundler and returns its userOpHash.
func (bc *BundlerClient) SendUserOperation(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (common.Hash, error) {
	var hash common.Hash
	err := bc.client.CallContext(ctx, &hash, "eth_sendUserOperation", op, entrypoint)
	return hash, err
}

// EstimateUserOperationGas estimates the gas required for a UserOperation.
// https://eips.ethereum.org/EIPS/eip-4337#rpc-methods-eth-namespace
func (bc *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *userop.UserOperation, entrypoint common.Address) (*GasEstimation, error) {
	var result GasEstimation
	if err := bc.client.CallContext(ctx, &result, "eth_estimateUserOperationGas", op, entrypoint); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetUserOperationByHash fetches a UserOperation by its hash. It returns nil
// when the bundler does not know the hash.
func (bc *BundlerClient) GetUserOperationByHash(ctx context.Context, hash common.Hash) (*UserOperationInfo, error) {
	var info *UserOperationInfo
	err := bc.client.CallContext(ctx, &info, "eth_getUserOperationByHash", hash)
	return info, err
}

// GetUserOperationReceipt fetches the receipt of a UserOperation, nil until it resolved.
func (bc *BundlerClient) GetUserOperationReceipt(ctx context.Context, hash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	err := bc.client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", hash)
	return receipt, err
}

func (bc *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var eps []common.Address
	err := bc.client.CallContext(ctx, &eps, "eth_supportedEntryPoints")
	return eps, err
}

func (bc *BundlerClient) ChainID(ctx context.Context) (*hexutil.Big, error) {
	var id hexutil.Big
	if err := bc.client.CallContext(ctx, &id, "eth_chainId"); err != nil {
		return nil, err
	}
	return &id, nil
}

func (bc *BundlerClient) ClientVersion(ctx context.Context) (string, error) {
	var v string
	err := bc.client.CallContext(ctx, &v, "web3_clientVersion")
	return v, err
}

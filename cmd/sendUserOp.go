package cmd

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/spf13/cobra"

	"github.com/AvaProtocol/ap-bundler/core/chainio/aa"
	aabundler "github.com/AvaProtocol/ap-bundler/pkg/erc4337/bundler"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/preset"
	"github.com/AvaProtocol/ap-bundler/pkg/erc4337/userop"
)

type sendUserOpOption struct {
	RpcURL     string
	BundlerURL string
	EntryPoint string
	Factory    string
	OwnerKey   string
	Salt       int64
	Targets    []string
	Value      string
	CallData   []string
	OpFile     string
	Wait       time.Duration
}

var (
	sendOpt   = sendUserOpOption{}
	sendOpCmd = &cobra.Command{
		Use:   "send-userop",
		Short: "Build, sign and send a SimpleAccount user operation",
		Long: `Build a SimpleAccount execute(target, value, calldata) operation for the owner key,
sign it and send it to a bundler. Repeat --target and --calldata to batch several
calls into one executeBatch operation. With --op-file the operation is read from a JSON
file instead and only signed when --owner-key is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			out := cmd.OutOrStdout()

			bundlerClient, err := aabundler.NewBundlerClient(sendOpt.BundlerURL)
			if err != nil {
				return err
			}
			defer bundlerClient.Close()

			entryPoint := common.HexToAddress(sendOpt.EntryPoint)
			chainID, err := bundlerClient.ChainID(ctx)
			if err != nil {
				return fmt.Errorf("cannot read chain id from bundler: %w", err)
			}

			var hash common.Hash
			if sendOpt.OpFile != "" {
				hash, err = sendOpFile(ctx, bundlerClient, entryPoint, chainID.ToInt())
			} else {
				hash, err = buildAndSend(ctx, bundlerClient, entryPoint, chainID.ToInt())
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "userOpHash: %s\n", hash.Hex())

			if sendOpt.Wait <= 0 {
				return nil
			}
			receipt, err := preset.WaitForReceipt(ctx, bundlerClient, hash, sendOpt.Wait)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "status: %s success: %t tx: %s\n", receipt.Status, receipt.Success, receipt.TransactionHash.Hex())
			return nil
		},
	}
)

func ownerKey() (*ecdsa.PrivateKey, error) {
	if sendOpt.OwnerKey == "" {
		return nil, nil
	}
	return crypto.HexToECDSA(strings.TrimPrefix(sendOpt.OwnerKey, "0x"))
}

func sendOpFile(ctx context.Context, b *aabundler.BundlerClient, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	data, err := os.ReadFile(sendOpt.OpFile)
	if err != nil {
		return common.Hash{}, err
	}
	var op userop.UserOperation
	if err := json.Unmarshal(data, &op); err != nil {
		return common.Hash{}, fmt.Errorf("invalid user operation in %s: %w", sendOpt.OpFile, err)
	}

	key, err := ownerKey()
	if err != nil {
		return common.Hash{}, err
	}
	if key != nil {
		if _, err := preset.Sign(&op, key, entryPoint, chainID); err != nil {
			return common.Hash{}, err
		}
	}
	return b.SendUserOperation(ctx, &op, entryPoint)
}

func buildAndSend(ctx context.Context, b *aabundler.BundlerClient, entryPoint common.Address, chainID *big.Int) (common.Hash, error) {
	key, err := ownerKey()
	if err != nil {
		return common.Hash{}, err
	}
	if key == nil {
		return common.Hash{}, fmt.Errorf("--owner-key is required to build an operation")
	}
	if !common.IsHexAddress(sendOpt.Factory) {
		return common.Hash{}, fmt.Errorf("--factory must be an address")
	}

	callData, err := packCalls(sendOpt.Targets, sendOpt.Value, sendOpt.CallData)
	if err != nil {
		return common.Hash{}, err
	}

	client, err := ethclient.DialContext(ctx, sendOpt.RpcURL)
	if err != nil {
		return common.Hash{}, err
	}
	defer client.Close()

	wallet := preset.Wallet{
		OwnerKey:   key,
		Factory:    common.HexToAddress(sendOpt.Factory),
		Salt:       big.NewInt(sendOpt.Salt),
		EntryPoint: entryPoint,
	}
	op, err := preset.BuildUserOp(ctx, client, wallet, callData)
	if err != nil {
		return common.Hash{}, err
	}
	return preset.SendUserOp(ctx, b, wallet, chainID, op, nil)
}

// packCalls encodes a single call as execute and several as executeBatch.
// Value can only accompany a single call.
func packCalls(targets []string, value string, calldata []string) ([]byte, error) {
	if len(targets) == 0 {
		return nil, fmt.Errorf("at least one --target is required")
	}
	addrs := make([]common.Address, len(targets))
	for i, t := range targets {
		if !common.IsHexAddress(t) {
			return nil, fmt.Errorf("--target %q is not an address", t)
		}
		addrs[i] = common.HexToAddress(t)
	}

	calls := make([][]byte, len(targets))
	switch len(calldata) {
	case 0:
	case len(targets):
		for i, c := range calldata {
			calls[i] = common.FromHex(c)
		}
	default:
		return nil, fmt.Errorf("got %d --calldata for %d --target", len(calldata), len(targets))
	}

	wei, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid --value %q", value)
	}

	if len(addrs) == 1 {
		return aa.PackExecute(addrs[0], wei, calls[0])
	}
	if wei.Sign() != 0 {
		return nil, fmt.Errorf("--value is not supported with several targets")
	}
	for i := range calls {
		if calls[i] == nil {
			calls[i] = []byte{}
		}
	}
	return aa.PackExecuteBatch(addrs, nil, calls)
}

func init() {
	f := sendOpCmd.Flags()
	f.StringVar(&sendOpt.RpcURL, "rpc", "http://localhost:8545", "ethereum rpc url, used to build the operation")
	f.StringVar(&sendOpt.BundlerURL, "bundler", "http://localhost:3000/rpc", "bundler json-rpc url")
	f.StringVar(&sendOpt.EntryPoint, "entry-point", aa.EntryPointV07Address.Hex(), "entry point address")
	f.StringVar(&sendOpt.Factory, "factory", "", "SimpleAccountFactory address")
	f.StringVar(&sendOpt.OwnerKey, "owner-key", "", "hex private key of the account owner")
	f.Int64Var(&sendOpt.Salt, "salt", 0, "account salt")
	f.StringArrayVar(&sendOpt.Targets, "target", nil, "call target, repeat for a batch")
	f.StringVar(&sendOpt.Value, "value", "0", "wei sent with the call")
	f.StringArrayVar(&sendOpt.CallData, "calldata", nil, "call data for each --target, in order")
	f.StringVar(&sendOpt.OpFile, "op-file", "", "send a JSON encoded user operation instead of building one")
	f.DurationVar(&sendOpt.Wait, "wait", 0, "wait this long for the receipt, 0 returns right after sending")
	rootCmd.AddCommand(sendOpCmd)
}

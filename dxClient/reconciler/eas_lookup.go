package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
)

// resolveEASID asks the directory contract for the address it assigned to
// the deployment made by call. State is read as of the deployment's block,
// so later deployments for the same consumer cannot shadow it.
func (r *Reconciler) resolveEASID(ctx context.Context, call *codec.DecodedCall, deploy codec.DeployEASCall) (string, error) {
	var block *big.Int
	if call.BlockNumber > 0 {
		block = new(big.Int).SetUint64(call.BlockNumber)
	}

	indexOut, err := r.view(ctx, block, codec.FnGetEASIndex, deploy.DataKey, common.HexToAddress(deploy.ConsumerAddress))
	if err != nil {
		return "", err
	}
	index, ok := indexOut[0].(*big.Int)
	if !ok {
		return "", dxerrors.NewDependencyError(fmt.Sprintf("unexpected %s output %T", codec.FnGetEASIndex, indexOut[0]), nil)
	}

	later, err := r.laterDeployments(ctx, call, deploy)
	if err != nil {
		return "", err
	}
	index = new(big.Int).Sub(index, big.NewInt(later))
	if index.Sign() < 0 {
		return "", dxerrors.NewDependencyError(fmt.Sprintf("%s is behind block %d", codec.FnGetEASIndex, call.BlockNumber), nil)
	}

	addrOut, err := r.view(ctx, block, codec.FnGetEASAddress, deploy.DataKey, index)
	if err != nil {
		return "", err
	}
	addr, ok := addrOut[0].(common.Address)
	if !ok {
		return "", dxerrors.NewDependencyError(fmt.Sprintf("unexpected %s output %T", codec.FnGetEASAddress, addrOut[0]), nil)
	}
	return codec.AddressHex(addr), nil
}

// laterDeployments counts the successful deployEAS transactions on the same
// data entry that follow call in its block, up to the consumer's last one.
// getEASIndex answers with that last deployment, so stepping back this many
// slots lands on call's own EAS.
func (r *Reconciler) laterDeployments(ctx context.Context, call *codec.DecodedCall, deploy codec.DeployEASCall) (int64, error) {
	if call.BlockNumber == 0 {
		return 0, nil
	}
	block, err := r.gateway.GetBlock(ctx, call.BlockNumber)
	if errors.Is(err, ledger.ErrNotFound) {
		r.logger.Warn().Uint64("block", call.BlockNumber).Str("tx_hash", call.TxHash).Msg("deployment block unknown to the ledger")
		return 0, nil
	}
	if err != nil {
		return 0, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, fmt.Sprintf("failed to fetch block %d", call.BlockNumber))
	}

	var (
		seen     bool
		position int64
		offset   int64
	)
	consumer := strings.ToLower(deploy.ConsumerAddress)
	for _, tx := range block.Transactions() {
		hash := tx.Hash().Hex()
		if !seen {
			seen = strings.EqualFold(hash, call.TxHash)
			continue
		}
		if tx.To() == nil || codec.AddressHex(*tx.To()) != r.directoryID {
			continue
		}
		_, decoded, err := r.codec.DecodeInput(tx.Data())
		if err != nil {
			continue
		}
		other, ok := decoded.(codec.DeployEASCall)
		if !ok || other.DataKey != deploy.DataKey {
			continue
		}
		receipt, err := r.gateway.GetReceipt(ctx, hash)
		if err != nil {
			return 0, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, fmt.Sprintf("failed to fetch receipt %s", hash))
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			continue
		}
		position++
		if strings.ToLower(other.ConsumerAddress) == consumer {
			offset = position
		}
	}
	return offset, nil
}

func (r *Reconciler) view(ctx context.Context, block *big.Int, fn codec.FunctionName, args ...interface{}) ([]interface{}, error) {
	data, err := r.codec.Pack(fn, args...)
	if err != nil {
		return nil, dxerrors.NewInternalError("failed to encode view call", err)
	}

	var out []interface{}
	err = dxerrors.RetryWithConfig(ctx, func() error {
		raw, err := r.gateway.Call(ctx, r.directoryID, data, block)
		if err != nil {
			return err
		}
		out, err = r.codec.UnpackOutput(fn, raw)
		if err != nil {
			return dxerrors.NewDependencyError(fmt.Sprintf("failed to decode %s output", fn), err)
		}
		if len(out) == 0 {
			return dxerrors.NewDependencyError(fmt.Sprintf("%s returned no values", fn), nil)
		}
		return nil
	}, r.retry)
	if err != nil {
		return nil, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, fmt.Sprintf("view call %s failed", fn))
	}
	return out, nil
}

func marshalAck(msg codec.SignedMessage) string {
	b, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(b)
}

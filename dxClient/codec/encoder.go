package codec

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// TxRequest describes an outbound registry transaction before signing.
type TxRequest struct {
	Nonce    uint64
	To       string
	GasPrice *big.Int
	GasLimit uint64
	Data     []byte
}

// SignedTransaction is a signed envelope ready for submission.
type SignedTransaction struct {
	Tx     *types.Transaction
	Raw    []byte
	Hash   string
	Sender string
}

// Pack encodes a call to the named registry function.
func (c *Codec) Pack(name FunctionName, args ...interface{}) ([]byte, error) {
	data, err := c.registry.ABI().Pack(string(name), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", name, err)
	}
	return data, nil
}

// UnpackOutput decodes the return values of a view function.
func (c *Codec) UnpackOutput(name FunctionName, data []byte) ([]interface{}, error) {
	out, err := c.registry.ABI().Unpack(string(name), data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s output: %w", name, err)
	}
	return out, nil
}

// EncodeCall packs a typed call back into calldata.
func (c *Codec) EncodeCall(call Call) ([]byte, error) {
	switch v := call.(type) {
	case RegisterCall:
		return c.Pack(FnRegister, v.IsProvider, v.UserID, common.HexToAddress(v.UserAddress))
	case CreateDataEntryCall:
		price := new(big.Int)
		if v.OfferPrice != nil {
			price = v.OfferPrice.ToBig()
		}
		return c.Pack(FnCreateDataEntry, v.DataKey, v.RawSummary, price, big.NewInt(v.DueDate), big.NewInt(v.CreationDate))
	case DeleteDataEntryCall:
		return c.Pack(FnDeleteDataEntry, v.DataKey)
	case DeployEASCall:
		return c.Pack(FnDeployEAS, common.HexToAddress(v.ConsumerAddress), big.NewInt(v.DeploymentDate), big.NewInt(v.ExpirationDate), v.DataKey, v.Acknowledgement)
	case InvokeEASCall:
		return c.Pack(FnInvokeEAS, v.DataKey, v.InvocationRecord)
	case RevokeEASByProviderCall:
		return c.Pack(FnRevokeEASByProvider, v.DataKey, common.HexToAddress(v.ConsumerAddress))
	case RevokeEASByConsumerCall:
		return c.Pack(FnRevokeEASByConsumer, v.DataKey)
	default:
		return nil, fmt.Errorf("unsupported call type %T", call)
	}
}

// SignTransaction builds and signs a legacy transaction for the codec's chain.
func (c *Codec) SignTransaction(key *ecdsa.PrivateKey, req TxRequest) (*SignedTransaction, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is required")
	}
	if !common.IsHexAddress(req.To) {
		return nil, fmt.Errorf("invalid recipient %q", req.To)
	}
	gasPrice := req.GasPrice
	if gasPrice == nil {
		gasPrice = new(big.Int)
	}
	to := common.HexToAddress(req.To)

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    req.Nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      req.GasLimit,
		GasPrice: gasPrice,
		Data:     req.Data,
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return &SignedTransaction{
		Tx:     signed,
		Raw:    raw,
		Hash:   HashHex(signed.Hash()),
		Sender: AddressHex(crypto.PubkeyToAddress(key.PublicKey)),
	}, nil
}

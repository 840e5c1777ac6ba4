package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

// ErrMalformedInput is returned when calldata has a known selector but its
// arguments cannot be decoded.
var ErrMalformedInput = errors.New("malformed calldata")

// DecodedCall is a registry transaction with its typed arguments and the
// sender recovered from the signature.
type DecodedCall struct {
	Function    FunctionName
	Selector    Selector
	TxHash      string
	Sender      string
	Recipient   string
	BlockNumber uint64
	BlockTime   time.Time
	Call        Call
}

// Codec decodes and encodes directory registry transactions for one chain.
type Codec struct {
	registry *Registry
	chainID  *big.Int
	signer   types.Signer
}

// New creates a codec for transactions signed for chainID.
func New(chainID *big.Int) (*Codec, error) {
	if chainID == nil {
		return nil, fmt.Errorf("chain id is required")
	}
	registry, err := NewRegistry()
	if err != nil {
		return nil, err
	}
	return &Codec{
		registry: registry,
		chainID:  new(big.Int).Set(chainID),
		signer:   types.LatestSignerForChainID(chainID),
	}, nil
}

// Registry returns the function registry backing the codec.
func (c *Codec) Registry() *Registry {
	return c.registry
}

// ChainID returns the chain id transactions are signed for.
func (c *Codec) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// DecodeInput resolves the selector of input and decodes its arguments.
func (c *Codec) DecodeInput(input []byte) (*Function, Call, error) {
	fn, err := c.registry.Lookup(input)
	if err != nil {
		return nil, nil, err
	}
	args, err := fn.Method.Inputs.Unpack(input[4:])
	if err != nil {
		return fn, nil, fmt.Errorf("%w: %s: %v", ErrMalformedInput, fn.Name, err)
	}
	call, err := buildCall(fn.Name, args)
	if err != nil {
		return fn, nil, fmt.Errorf("%w: %s: %v", ErrMalformedInput, fn.Name, err)
	}
	return fn, call, nil
}

// DecodeTransaction decodes a registry transaction, recovering its sender.
func (c *Codec) DecodeTransaction(tx *types.Transaction) (*DecodedCall, error) {
	if tx.To() == nil {
		return nil, fmt.Errorf("%w: contract creation", ErrUnknownSelector)
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sender of %s: %w", tx.Hash().Hex(), err)
	}
	fn, call, err := c.DecodeInput(tx.Data())
	if err != nil {
		return nil, err
	}
	return &DecodedCall{
		Function:  fn.Name,
		Selector:  fn.Selector,
		TxHash:    HashHex(tx.Hash()),
		Sender:    AddressHex(from),
		Recipient: AddressHex(*tx.To()),
		Call:      call,
	}, nil
}

// DecodeRawTransaction decodes a signed, RLP or typed-envelope encoded
// transaction as submitted by a client.
func (c *Codec) DecodeRawTransaction(raw []byte) (*types.Transaction, *DecodedCall, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, nil, fmt.Errorf("invalid signed transaction: %w", err)
	}
	decoded, err := c.DecodeTransaction(tx)
	if err != nil {
		return nil, nil, err
	}
	return tx, decoded, nil
}

func buildCall(name FunctionName, args []interface{}) (Call, error) {
	a := argReader{args: args}
	switch name {
	case FnRegister:
		call := RegisterCall{IsProvider: a.boolAt(0), UserID: a.stringAt(1), UserAddress: a.addressAt(2)}
		return call, a.err
	case FnCreateDataEntry:
		call := CreateDataEntryCall{
			DataKey:      a.stringAt(0),
			RawSummary:   a.stringAt(1),
			OfferPrice:   a.uint256At(2),
			DueDate:      a.int64At(3),
			CreationDate: a.int64At(4),
		}
		if a.err != nil {
			return nil, a.err
		}
		if err := json.Unmarshal([]byte(call.RawSummary), &call.Summary); err != nil {
			return nil, fmt.Errorf("invalid dataSummary: %w", err)
		}
		return call, nil
	case FnDeleteDataEntry:
		call := DeleteDataEntryCall{DataKey: a.stringAt(0)}
		return call, a.err
	case FnDeployEAS:
		call := DeployEASCall{
			ConsumerAddress: a.addressAt(0),
			DeploymentDate:  a.int64At(1),
			ExpirationDate:  a.int64At(2),
			DataKey:         a.stringAt(3),
			Acknowledgement: a.stringAt(4),
		}
		return call, a.err
	case FnInvokeEAS:
		call := InvokeEASCall{DataKey: a.stringAt(0), InvocationRecord: a.stringAt(1)}
		return call, a.err
	case FnRevokeEASByProvider:
		call := RevokeEASByProviderCall{DataKey: a.stringAt(0), ConsumerAddress: a.addressAt(1)}
		return call, a.err
	case FnRevokeEASByConsumer:
		call := RevokeEASByConsumerCall{DataKey: a.stringAt(0)}
		return call, a.err
	default:
		return nil, fmt.Errorf("%s is not a transactional function", name)
	}
}

// argReader converts unpacked ABI values, keeping the first conversion error.
type argReader struct {
	args []interface{}
	err  error
}

func (a *argReader) at(i int) interface{} {
	if i >= len(a.args) {
		a.fail(fmt.Errorf("missing argument %d", i))
		return nil
	}
	return a.args[i]
}

func (a *argReader) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func (a *argReader) boolAt(i int) bool {
	v, ok := a.at(i).(bool)
	if !ok {
		a.fail(fmt.Errorf("argument %d is not a bool", i))
	}
	return v
}

func (a *argReader) stringAt(i int) string {
	v, ok := a.at(i).(string)
	if !ok {
		a.fail(fmt.Errorf("argument %d is not a string", i))
	}
	return v
}

func (a *argReader) addressAt(i int) string {
	v, ok := a.at(i).(common.Address)
	if !ok {
		a.fail(fmt.Errorf("argument %d is not an address", i))
		return ""
	}
	return AddressHex(v)
}

func (a *argReader) bigIntAt(i int) *big.Int {
	v, ok := a.at(i).(*big.Int)
	if !ok || v == nil {
		a.fail(fmt.Errorf("argument %d is not a uint256", i))
		return new(big.Int)
	}
	return v
}

func (a *argReader) uint256At(i int) *uint256.Int {
	v, overflow := uint256.FromBig(a.bigIntAt(i))
	if overflow {
		a.fail(fmt.Errorf("argument %d overflows uint256", i))
	}
	return v
}

func (a *argReader) int64At(i int) int64 {
	v := a.bigIntAt(i)
	if !v.IsInt64() {
		a.fail(fmt.Errorf("argument %d does not fit a timestamp", i))
		return 0
	}
	return v.Int64()
}

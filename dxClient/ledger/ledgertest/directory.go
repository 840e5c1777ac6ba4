package ledgertest

import (
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/pushchain/dxdirectory/dxClient/codec"
)

// Directory emulates the view functions of the registry contract. Each data
// entry keeps an ordered list of deployed EAS; each deployment gets a
// deterministic address and remembers the block that mined it, so views
// can be answered as of a past block.
type Directory struct {
	mu      sync.Mutex
	codec   *codec.Codec
	address string
	eas     map[string][]deployment
}

type deployment struct {
	consumer string
	address  common.Address
	block    uint64
}

// NewDirectory creates a contract emulation at address.
func NewDirectory(c *codec.Codec, address string) *Directory {
	return &Directory{codec: c, address: strings.ToLower(address), eas: make(map[string][]deployment)}
}

// Attach installs the directory as the chain's call handler and records
// every successful deployEAS transaction the chain mines.
func (d *Directory) Attach(chain *Chain) {
	chain.SetCallHandler(d.Handle)
	chain.OnMine(func(block uint64, tx *types.Transaction, failed bool) {
		if failed || tx.To() == nil || codec.AddressHex(*tx.To()) != d.address {
			return
		}
		_, call, err := d.codec.DecodeInput(tx.Data())
		if err != nil {
			return
		}
		if deploy, ok := call.(codec.DeployEASCall); ok {
			d.DeployAt(block, deploy.DataKey, deploy.ConsumerAddress)
		}
	})
}

// Deploy records a new EAS for the consumer, visible at every block, and
// returns its address.
func (d *Directory) Deploy(dataKey, consumer string) string {
	return d.DeployAt(0, dataKey, consumer)
}

// DeployAt records a new EAS for the consumer mined in block and returns its
// address.
func (d *Directory) DeployAt(block uint64, dataKey, consumer string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	consumer = strings.ToLower(consumer)
	index := len(d.eas[dataKey])
	hash := crypto.Keccak256([]byte(fmt.Sprintf("%s|%s|%d", dataKey, consumer, index)))
	addr := common.BytesToAddress(hash[12:])
	d.eas[dataKey] = append(d.eas[dataKey], deployment{consumer: consumer, address: addr, block: block})
	return codec.AddressHex(addr)
}

// Latest returns the address of the consumer's newest EAS on dataKey.
func (d *Directory) Latest(dataKey, consumer string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	list := d.visible(dataKey, nil)
	if i := latestIndex(list, consumer); i >= 0 {
		return codec.AddressHex(list[i].address)
	}
	return ""
}

// All returns every EAS address deployed on dataKey in deployment order.
func (d *Directory) All(dataKey string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.eas[dataKey]))
	for _, dep := range d.eas[dataKey] {
		out = append(out, codec.AddressHex(dep.address))
	}
	return out
}

// visible returns the prefix of dataKey's deployments mined at or before
// block. Deployments are appended in block order.
func (d *Directory) visible(dataKey string, block *big.Int) []deployment {
	list := d.eas[dataKey]
	if block == nil {
		return list
	}
	n := 0
	for n < len(list) && new(big.Int).SetUint64(list[n].block).Cmp(block) <= 0 {
		n++
	}
	return list[:n]
}

func latestIndex(list []deployment, consumer string) int {
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].consumer == strings.ToLower(consumer) {
			return i
		}
	}
	return -1
}

// Handle answers getEASIndex and getDataEntryEASAddress as of block.
func (d *Directory) Handle(contract string, data []byte, block *big.Int) ([]byte, error) {
	if strings.ToLower(contract) != d.address {
		return nil, fmt.Errorf("no contract at %s", contract)
	}
	fn, err := d.codec.Registry().Lookup(data)
	if err != nil {
		return nil, err
	}
	args, err := fn.Method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	switch fn.Name {
	case codec.FnGetEASIndex:
		index := latestIndex(d.visible(args[0].(string), block), codec.AddressHex(args[1].(common.Address)))
		if index < 0 {
			return nil, fmt.Errorf("execution reverted: no EAS for consumer")
		}
		return fn.Method.Outputs.Pack(big.NewInt(int64(index)))
	case codec.FnGetEASAddress:
		list := d.visible(args[0].(string), block)
		index := args[1].(*big.Int)
		if !index.IsInt64() || index.Int64() >= int64(len(list)) {
			return nil, fmt.Errorf("execution reverted: index out of range")
		}
		return fn.Method.Outputs.Pack(list[index.Int64()].address)
	default:
		return nil, fmt.Errorf("%s is not a view", fn.Name)
	}
}

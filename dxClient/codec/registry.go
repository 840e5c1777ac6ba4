package codec

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// FunctionName is the ABI method name of a registry function.
type FunctionName string

const (
	FnRegister            FunctionName = "register"
	FnCreateDataEntry     FunctionName = "createDataEntry"
	FnDeleteDataEntry     FunctionName = "deleteDataEntry"
	FnDeployEAS           FunctionName = "deployEAS"
	FnInvokeEAS           FunctionName = "invokeEAS"
	FnRevokeEASByProvider FunctionName = "revokeEASbyProvider"
	FnRevokeEASByConsumer FunctionName = "revokeEASbyConsumer"
	FnGetEASIndex         FunctionName = "getEASIndex"
	FnGetEASAddress       FunctionName = "getDataEntryEASAddress"
)

// ErrUnknownSelector is returned when calldata targets a function the
// registry does not know.
var ErrUnknownSelector = errors.New("unknown function selector")

// Selector is the 4-byte function identifier leading the calldata.
type Selector [4]byte

// Hex returns the 0x-prefixed selector.
func (s Selector) Hex() string {
	return "0x" + hex.EncodeToString(s[:])
}

// Function describes one registry function.
type Function struct {
	Name     FunctionName
	Selector Selector
	Method   abi.Method
}

// Transactional reports whether the function changes ledger state.
func (f *Function) Transactional() bool {
	return !f.Method.IsConstant()
}

// Registry maps selectors to the registry contract functions.
type Registry struct {
	abi        abi.ABI
	bySelector map[Selector]*Function
	byName     map[FunctionName]*Function
}

// NewRegistry parses the directory ABI and indexes its functions.
func NewRegistry() (*Registry, error) {
	parsed, err := abi.JSON(strings.NewReader(DirectoryABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse directory ABI: %w", err)
	}

	r := &Registry{
		abi:        parsed,
		bySelector: make(map[Selector]*Function, len(parsed.Methods)),
		byName:     make(map[FunctionName]*Function, len(parsed.Methods)),
	}
	for name, method := range parsed.Methods {
		var sel Selector
		copy(sel[:], method.ID)
		fn := &Function{Name: FunctionName(name), Selector: sel, Method: method}
		r.bySelector[sel] = fn
		r.byName[fn.Name] = fn
	}
	return r, nil
}

// Lookup resolves the function whose selector leads input.
func (r *Registry) Lookup(input []byte) (*Function, error) {
	if len(input) < 4 {
		return nil, fmt.Errorf("%w: calldata shorter than a selector", ErrUnknownSelector)
	}
	var sel Selector
	copy(sel[:], input[:4])
	fn, ok := r.bySelector[sel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSelector, sel.Hex())
	}
	return fn, nil
}

// Function returns the registry function with the given name.
func (r *Registry) Function(name FunctionName) (*Function, error) {
	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("function %q is not part of the directory ABI", name)
	}
	return fn, nil
}

// Transactional lists the state-changing functions, sorted by name.
func (r *Registry) Transactional() []*Function {
	var fns []*Function
	for _, fn := range r.byName {
		if fn.Transactional() {
			fns = append(fns, fn)
		}
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Name < fns[j].Name })
	return fns
}

// ABI returns the parsed contract ABI.
func (r *Registry) ABI() *abi.ABI {
	return &r.abi
}

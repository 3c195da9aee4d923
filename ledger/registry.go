package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ResolveAddress asks the contract registry for the current address of a core
// contract, e.g. "Attestations", "Accounts" or "StableToken".
func ResolveAddress(ctx context.Context, l Ledger, registry common.Address, name string) (common.Address, error) {
	data, err := registryABI.Pack("getAddressForString", name)
	if err != nil {
		return common.Address{}, err
	}
	out, err := l.Query(ctx, Call{Label: "getAddressForString", To: registry, Data: data})
	if err != nil {
		return common.Address{}, err
	}
	values, err := registryABI.Unpack("getAddressForString", out)
	if err != nil {
		return common.Address{}, fmt.Errorf("decode registry entry %s: %w", name, err)
	}
	addr := values[0].(common.Address)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("registry has no entry for %s", name)
	}
	return addr, nil
}

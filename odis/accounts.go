package odis

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/pnp-attest/pnp-go/identifier"
)

// AccountDirectory maps an identifier to the accounts attested for it.
// *ledger.Attestations implements it.
type AccountDirectory interface {
	LookupAccounts(ctx context.Context, id identifier.Identifier) ([]common.Address, error)
}

// LookupAccounts resolves e164 to its identifier and returns the accounts
// that completed attestations for it.
func (c *Client) LookupAccounts(ctx context.Context, e164 string, account common.Address, directory AccountDirectory) (*Result, []common.Address, error) {
	res, err := c.Lookup(ctx, e164, account)
	if err != nil {
		return nil, nil, err
	}
	accounts, err := directory.LookupAccounts(ctx, res.Identifier)
	if err != nil {
		return res, nil, fmt.Errorf("lookup accounts for identifier: %w", err)
	}
	return res, accounts, nil
}

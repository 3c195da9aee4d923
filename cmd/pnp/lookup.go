package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pnp-attest/pnp-go/identifier"
	"github.com/pnp-attest/pnp-go/ledger"
	"github.com/pnp-attest/pnp-go/metrics"
	"github.com/pnp-attest/pnp-go/odis"
)

type lookupOutput struct {
	E164       string           `json:"e164"`
	Pepper     string           `json:"pepper"`
	Identifier string           `json:"identifier"`
	Accounts   []common.Address `json:"accounts,omitempty"`
}

func runLookup(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lookup", flag.ExitOnError)
	var flags commonFlags
	flags.register(fs)
	normalize := fs.Bool("normalize", false, "Strip formatting characters from the number before lookup")
	withAccounts := fs.Bool("accounts", false, "Also list the accounts attested for the number")
	_ = fs.Parse(args)

	e164, err := phoneArg(fs)
	if err != nil {
		return err
	}
	if *normalize {
		if e164, err = identifier.NormalizeE164(e164); err != nil {
			return err
		}
	}

	logger := flags.logger()
	env, err := flags.environment()
	if err != nil {
		return err
	}
	account, closeSigner, err := flags.keySigner(ctx)
	if err != nil {
		return err
	}
	defer closeSigner()
	auth, err := flags.authorizer(account)
	if err != nil {
		return err
	}

	client, err := odis.NewClient(env, auth,
		odis.WithLogger(logger),
		odis.WithMetrics(metrics.New(prometheus.NewRegistry())),
	)
	if err != nil {
		return err
	}

	var res *odis.Result
	var accounts []common.Address
	if *withAccounts {
		l, err := ledger.Dial(ctx, env.RPCURL, account, env.ChainID, ledger.WithLogger(logger))
		if err != nil {
			return err
		}
		attestations, err := attestationsContract(ctx, env.AttestationsAddress, l)
		if err != nil {
			return err
		}
		if res, accounts, err = client.LookupAccounts(ctx, e164, account.Address(), attestations); err != nil {
			return err
		}
	} else if res, err = client.Lookup(ctx, e164, account.Address()); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(lookupOutput{
		E164:       res.E164,
		Pepper:     res.Pepper,
		Identifier: res.Identifier.Hex(),
		Accounts:   accounts,
	})
}

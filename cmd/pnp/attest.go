package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pnp-attest/pnp-go/attestation"
	"github.com/pnp-attest/pnp-go/environment"
	"github.com/pnp-attest/pnp-go/inbound"
	"github.com/pnp-attest/pnp-go/ledger"
	"github.com/pnp-attest/pnp-go/metrics"
	"github.com/pnp-attest/pnp-go/odis"
)

func runAttest(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("attest", flag.ExitOnError)
	var flags commonFlags
	flags.register(fs)
	count := fs.Int("n", 3, "Number of attestations to request")
	resume := fs.Bool("resume", false, "Pick up issuers already selected instead of requesting new attestations")
	listen := fs.String("listen", "127.0.0.1:8090", "Address of the inbound code webhook")
	amqpURL := fs.String("amqp-url", "", "RabbitMQ URL to consume relayed codes from (optional)")
	amqpQueue := fs.String("amqp-queue", "pnp.codes", "Queue carrying relayed codes")
	feeToken := fs.String("fee-token", "", "ERC20 token the attestation fee is paid in")
	codeTimeout := fs.Duration("code-timeout", 10*time.Minute, "How long to wait for issuer codes")
	_ = fs.Parse(args)

	e164, err := phoneArg(fs)
	if err != nil {
		return err
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
	m := metrics.New(prometheus.NewRegistry())

	client, err := odis.NewClient(env, auth, odis.WithLogger(logger), odis.WithMetrics(m))
	if err != nil {
		return err
	}
	res, err := client.Lookup(ctx, e164, account.Address())
	if err != nil {
		return err
	}

	l, err := ledger.Dial(ctx, env.RPCURL, account, env.ChainID,
		ledger.WithConfirmationPolls(env.ConfirmationPolls),
		ledger.WithPollInterval(env.PollInterval),
		ledger.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	contract, err := attestationsContract(ctx, env.AttestationsAddress, l)
	if err != nil {
		return err
	}

	session, err := attestation.NewSession(env, res.E164, res.Pepper, account.Address())
	if err != nil {
		return err
	}
	if *feeToken != "" {
		if !common.IsHexAddress(*feeToken) {
			return fmt.Errorf("invalid -fee-token %q", *feeToken)
		}
		session.FeeToken = common.HexToAddress(*feeToken)
	}
	transport := attestation.NewHTTPIssuerTransport(nil, env.RetryAttempts)
	machine := attestation.NewMachine(session, contract, l, transport,
		attestation.WithMetrics(m),
		attestation.WithLogger(logger),
	)

	registry := inbound.NewRegistry()
	registry.AddMachine(machine)
	stopInbound, err := startInbound(ctx, registry, logger, *listen, *amqpURL, *amqpQueue)
	if err != nil {
		return err
	}
	defer stopInbound()
	fmt.Printf("session %s: submit codes to http://%s/sessions/%s/codes\n", session.ID, *listen, session.ID)

	if err := drive(ctx, machine, env, *count, *resume); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(ctx, *codeTimeout)
	defer cancel()
	outcome := machine.Wait(waitCtx)
	if outcome.InFlight > 0 {
		// Completions sent but not yet confirmed.
		machine.ConfirmPending(ctx)
		outcome = machine.Outcome()
	}
	for _, status := range outcome.Completed {
		fmt.Printf("completed %s\n", status.Issuer)
	}
	for _, status := range outcome.Failed {
		fmt.Printf("failed    %s: %v\n", status.Issuer, status.Err)
	}
	if !outcome.Usable(env.Threshold) {
		return fmt.Errorf("%d of %d required attestations completed", len(outcome.Completed), env.Threshold)
	}
	return nil
}

func drive(ctx context.Context, machine *attestation.Machine, env environment.Context, count int, resume bool) error {
	if resume {
		if err := machine.Resume(ctx); err != nil {
			return err
		}
		return machine.Dispatch(ctx)
	}
	if err := machine.Request(ctx, count); err != nil {
		return err
	}
	if err := machine.AwaitSelectable(ctx, env.PollInterval); err != nil {
		return err
	}
	if err := machine.SelectIssuers(ctx); err != nil {
		return err
	}
	return machine.Dispatch(ctx)
}

func startInbound(ctx context.Context, registry *inbound.Registry, logger *slog.Logger, listen, amqpURL, queue string) (func(), error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	inbound.NewWebhook(registry, logger).RegisterRoutes(e)
	go func() {
		if err := e.Start(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("webhook stopped", "error", err)
		}
	}()

	var consumer *inbound.QueueConsumer
	if amqpURL != "" {
		var err error
		if consumer, err = inbound.DialQueueConsumer(amqpURL, queue, registry, logger); err != nil {
			_ = e.Close()
			return nil, err
		}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("queue consumer stopped", "error", err)
			}
		}()
	}

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
		if consumer != nil {
			_ = consumer.Close()
		}
	}, nil
}

// attestationsContract uses the configured address, or asks the registry.
func attestationsContract(ctx context.Context, address common.Address, l ledger.Ledger) (*ledger.Attestations, error) {
	if address == (common.Address{}) {
		return ledger.ResolveAttestations(ctx, l, environment.RegistryAddress)
	}
	accounts, err := ledger.ResolveAddress(ctx, l, environment.RegistryAddress, "Accounts")
	if err != nil {
		return nil, err
	}
	return ledger.NewAttestations(l, address, accounts), nil
}

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pnp-attest/pnp-go/blinding/bls"
	"github.com/pnp-attest/pnp-go/odis"
)

// runServe starts a local signing service answering the same protocol as the
// production one, for integration tests against a local chain.
func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:8081", "Listen address")
	keyHex := fs.String("odis-key", "", "Signing key in hex (generated when empty)")
	quota := fs.Int("quota", 10, "Lookups allowed per account")
	shares := fs.Int("shares", 0, "Answer with this many partial signatures instead of a combined one")
	threshold := fs.Int("threshold", 2, "Shares needed to combine, with -shares")
	logLevel := fs.String("log-level", "info", "debug | info | warn | error")
	_ = fs.Parse(args)
	logger := (&commonFlags{logLevel: *logLevel}).logger()

	var signer *bls.Signer
	var err error
	if *keyHex != "" {
		raw, err := hex.DecodeString(*keyHex)
		if err != nil {
			return fmt.Errorf("decode -odis-key: %w", err)
		}
		signer, err = bls.UnmarshalSigner(raw)
		if err != nil {
			return err
		}
	} else if signer, err = bls.GenerateSigner(rand.Reader); err != nil {
		return err
	}

	opts := []odis.DevOption{odis.WithQuota(*quota)}
	if *shares > 0 {
		shareSigners, err := signer.Split(rand.Reader, *threshold, *shares)
		if err != nil {
			return err
		}
		opts = append(opts, odis.WithPartialSignatures(shareSigners))
	}
	service := odis.NewDevService(signer, opts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	service.RegisterRoutes(e)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	fmt.Printf("odis public key (base64): %s\n", base64.StdEncoding.EncodeToString(signer.PublicKey().Marshal()))
	if *keyHex == "" {
		fmt.Printf("odis signing key (hex):   %s\n", hex.EncodeToString(signer.Marshal()))
	}
	logger.Info("dev signing service starting", "addr", *addr)

	errc := make(chan error, 1)
	go func() { errc <- e.Start(*addr) }()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

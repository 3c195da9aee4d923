package environment

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/pnp-attest/pnp-go/blinding"
)

type FileConfig struct {
	Environment  string             `yaml:"environment"`
	RPCURL       string             `yaml:"rpcUrl"`
	ODIS         ODISConfig         `yaml:"odis"`
	Attestations AttestationsConfig `yaml:"attestations"`
	Lookup       LookupConfig       `yaml:"lookup"`
}

type ODISConfig struct {
	URL       string `yaml:"url"`
	PublicKey string `yaml:"publicKey"`
	Scheme    string `yaml:"scheme"`
}

type AttestationsConfig struct {
	Address           string        `yaml:"address"`
	Threshold         int           `yaml:"threshold"`
	ConfirmationPolls int           `yaml:"confirmationPolls"`
	PollInterval      time.Duration `yaml:"pollInterval"`
}

type LookupConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	RetryAttempts int           `yaml:"retryAttempts"`
}

// Load reads the first readable config file, merges it over the defaults of
// the selected network, applies PNP_* environment overrides and validates the
// result.
func Load(configPath string) (Context, error) {
	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/pnp.yaml",
			"pnp.yaml",
		)
	}

	var parsed FileConfig
	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			if configPath != "" {
				return Context{}, fmt.Errorf("read config %s: %w", path, err)
			}
			continue
		}
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return Context{}, fmt.Errorf("parse config %s: %w", path, err)
		}
		break
	}

	name := parsed.Environment
	if env := strings.TrimSpace(os.Getenv("PNP_ENVIRONMENT")); env != "" {
		name = env
	}
	if name == "" {
		name = Alfajores.String()
	}
	network, err := Parse(name)
	if err != nil {
		return Context{}, err
	}
	ctx, err := New(network)
	if err != nil {
		return Context{}, err
	}
	if err := Merge(&ctx, parsed); err != nil {
		return Context{}, err
	}
	if err := ApplyEnvOverrides(&ctx); err != nil {
		return Context{}, err
	}
	if err := ctx.Validate(); err != nil {
		return Context{}, err
	}
	return ctx, nil
}

func Merge(dst *Context, src FileConfig) error {
	if src.RPCURL != "" {
		dst.RPCURL = src.RPCURL
	}
	if src.ODIS.URL != "" {
		dst.ODISURL = src.ODIS.URL
	}
	if src.ODIS.PublicKey != "" {
		pk, err := decodeKey(src.ODIS.PublicKey)
		if err != nil {
			return err
		}
		dst.ODISPublicKey = pk
	}
	if src.ODIS.Scheme != "" {
		scheme, err := blinding.ParseScheme(src.ODIS.Scheme)
		if err != nil {
			return err
		}
		dst.Scheme = scheme
	}
	if src.Attestations.Address != "" {
		if !common.IsHexAddress(src.Attestations.Address) {
			return fmt.Errorf("invalid attestations address %q", src.Attestations.Address)
		}
		dst.AttestationsAddress = common.HexToAddress(src.Attestations.Address)
	}
	if src.Attestations.Threshold != 0 {
		dst.Threshold = src.Attestations.Threshold
	}
	if src.Attestations.ConfirmationPolls != 0 {
		dst.ConfirmationPolls = src.Attestations.ConfirmationPolls
	}
	if src.Attestations.PollInterval != 0 {
		dst.PollInterval = src.Attestations.PollInterval
	}
	if src.Lookup.Timeout != 0 {
		dst.LookupTimeout = src.Lookup.Timeout
	}
	if src.Lookup.RetryAttempts != 0 {
		dst.RetryAttempts = src.Lookup.RetryAttempts
	}
	return nil
}

func ApplyEnvOverrides(ctx *Context) error {
	if url := strings.TrimSpace(os.Getenv("PNP_ODIS_URL")); url != "" {
		ctx.ODISURL = url
	}
	if raw := strings.TrimSpace(os.Getenv("PNP_ODIS_PUBLIC_KEY")); raw != "" {
		pk, err := decodeKey(raw)
		if err != nil {
			return err
		}
		ctx.ODISPublicKey = pk
	}
	if url := strings.TrimSpace(os.Getenv("PNP_RPC_URL")); url != "" {
		ctx.RPCURL = url
	}
	if raw := strings.TrimSpace(os.Getenv("PNP_LOOKUP_TIMEOUT")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("PNP_LOOKUP_TIMEOUT: %w", err)
		}
		ctx.LookupTimeout = d
	}
	if raw := strings.TrimSpace(os.Getenv("PNP_CONFIRMATION_POLLS")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("PNP_CONFIRMATION_POLLS: %w", err)
		}
		ctx.ConfirmationPolls = n
	}
	return nil
}

// decodeKey accepts standard base64, as service keys are published, or 0x hex.
func decodeKey(s string) ([]byte, error) {
	if strings.HasPrefix(s, "0x") {
		return common.FromHex(s), nil
	}
	pk, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, errors.New("odis public key is neither base64 nor 0x-hex")
	}
	return pk, nil
}

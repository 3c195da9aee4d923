package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const attestationsABIJSON = `[
{"type":"function","name":"request","stateMutability":"nonpayable","inputs":[{"name":"identifier","type":"bytes32"},{"name":"attestationsRequested","type":"uint256"},{"name":"attestationRequestFeeToken","type":"address"}],"outputs":[]},
{"type":"function","name":"selectIssuers","stateMutability":"nonpayable","inputs":[{"name":"identifier","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"complete","stateMutability":"nonpayable","inputs":[{"name":"identifier","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"validateAttestationCode","stateMutability":"view","inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"getUnselectedRequest","stateMutability":"view","inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint32"},{"name":"","type":"uint32"},{"name":"","type":"address"}]},
{"type":"function","name":"selectIssuersWaitBlocks","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"getAttestationIssuers","stateMutability":"view","inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"getAttestationState","stateMutability":"view","inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"},{"name":"issuer","type":"address"}],"outputs":[{"name":"","type":"uint8"},{"name":"","type":"uint32"},{"name":"","type":"address"}]},
{"type":"function","name":"getAttestationStats","stateMutability":"view","inputs":[{"name":"identifier","type":"bytes32"},{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint32"},{"name":"","type":"uint32"}]},
{"type":"function","name":"lookupAccountsForIdentifier","stateMutability":"view","inputs":[{"name":"identifier","type":"bytes32"}],"outputs":[{"name":"","type":"address[]"}]},
{"type":"function","name":"getAttestationRequestFee","stateMutability":"view","inputs":[{"name":"token","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const erc20ABIJSON = `[
{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

const accountsABIJSON = `[
{"type":"function","name":"getMetadataURL","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"string"}]}
]`

const registryABIJSON = `[
{"type":"function","name":"getAddressForString","stateMutability":"view","inputs":[{"name":"identifier","type":"string"}],"outputs":[{"name":"","type":"address"}]}
]`

var (
	attestationsABI = mustParseABI(attestationsABIJSON)
	erc20ABI        = mustParseABI(erc20ABIJSON)
	accountsABI     = mustParseABI(accountsABIJSON)
	registryABI     = mustParseABI(registryABIJSON)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

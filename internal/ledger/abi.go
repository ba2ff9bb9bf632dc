package ledger

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const ledgerABI = `[
 {"type":"function","name":"can","stateMutability":"view","inputs":[{"name":"","type":"address"},{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"hope","stateMutability":"nonpayable","inputs":[{"name":"usr","type":"address"}],"outputs":[]},
 {"type":"function","name":"ilks","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"Art","type":"uint256"},{"name":"rate","type":"uint256"},{"name":"spot","type":"uint256"},{"name":"line","type":"uint256"},{"name":"dust","type":"uint256"}]},
 {"type":"function","name":"urns","stateMutability":"view","inputs":[{"name":"","type":"bytes32"},{"name":"","type":"address"}],"outputs":[{"name":"ink","type":"uint256"},{"name":"art","type":"uint256"}]},
 {"type":"function","name":"frob","stateMutability":"nonpayable","inputs":[{"name":"i","type":"bytes32"},{"name":"u","type":"address"},{"name":"v","type":"address"},{"name":"w","type":"address"},{"name":"dink","type":"int256"},{"name":"dart","type":"int256"}],"outputs":[]},
 {"type":"function","name":"wipe","stateMutability":"nonpayable","inputs":[{"name":"i","type":"bytes32"},{"name":"u","type":"address"},{"name":"rad","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"dai","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"gem","stateMutability":"view","inputs":[{"name":"","type":"bytes32"},{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const spotterABI = `[
 {"type":"function","name":"par","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"ilks","stateMutability":"view","inputs":[{"name":"","type":"bytes32"}],"outputs":[{"name":"pip","type":"address"},{"name":"mat","type":"uint256"}]}
]`

const collateralAdapterABI = `[
 {"type":"function","name":"join","stateMutability":"payable","inputs":[{"name":"usr","type":"address"}],"outputs":[]},
 {"type":"function","name":"exit","stateMutability":"nonpayable","inputs":[{"name":"usr","type":"address"},{"name":"wad","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"live","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

const debtAdapterABI = `[
 {"type":"function","name":"join","stateMutability":"nonpayable","inputs":[{"name":"usr","type":"address"},{"name":"wad","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"exit","stateMutability":"nonpayable","inputs":[{"name":"usr","type":"address"},{"name":"wad","type":"uint256"}],"outputs":[]}
]`

const tokenABI = `[
 {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
 {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

type abis struct {
	ledger     abi.ABI
	spotter    abi.ABI
	collateral abi.ABI
	debt       abi.ABI
	token      abi.ABI
}

func parseABIs() (abis, error) {
	var out abis
	for _, p := range []struct {
		dst *abi.ABI
		src string
	}{
		{&out.ledger, ledgerABI},
		{&out.spotter, spotterABI},
		{&out.collateral, collateralAdapterABI},
		{&out.debt, debtAdapterABI},
		{&out.token, tokenABI},
	} {
		parsed, err := abi.JSON(strings.NewReader(p.src))
		if err != nil {
			return abis{}, err
		}
		*p.dst = parsed
	}
	return out, nil
}

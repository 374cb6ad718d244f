// Copyright 2025 The eigenswarm Authors
// This file is part of the eigenswarm library.
//
// The eigenswarm library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The eigenswarm library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the eigenswarm library. If not, see <http://www.gnu.org/licenses/>.

package quote

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// The fixed ABI surface the keeper speaks. Contracts are opaque RPC
// endpoints; only these entrypoints and errors are known.

const v3PoolABIJSON = `[
	{"type":"function","name":"slot0","stateMutability":"view","inputs":[],"outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"observationIndex","type":"uint16"},
		{"name":"observationCardinality","type":"uint16"},
		{"name":"observationCardinalityNext","type":"uint16"},
		{"name":"feeProtocol","type":"uint8"},
		{"name":"unlocked","type":"bool"}]}
]`

const v4StateViewABIJSON = `[
	{"type":"function","name":"getSlot0","stateMutability":"view","inputs":[
		{"name":"poolId","type":"bytes32"}],"outputs":[
		{"name":"sqrtPriceX96","type":"uint160"},
		{"name":"tick","type":"int24"},
		{"name":"protocolFee","type":"uint24"},
		{"name":"lpFee","type":"uint24"}]}
]`

const routerABIJSON = `[
	{"type":"function","name":"getAmountOut","stateMutability":"view","inputs":[
		{"name":"token","type":"address"},
		{"name":"amountIn","type":"uint256"},
		{"name":"buy","type":"bool"}],"outputs":[
		{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"isGraduated","stateMutability":"view","inputs":[
		{"name":"token","type":"address"}],"outputs":[
		{"name":"graduated","type":"bool"}]},
	{"type":"function","name":"swapExactIn","stateMutability":"payable","inputs":[
		{"name":"token","type":"address"},
		{"name":"amountIn","type":"uint256"},
		{"name":"minOut","type":"uint256"},
		{"name":"buy","type":"bool"},
		{"name":"to","type":"address"}],"outputs":[
		{"name":"amountOut","type":"uint256"}]},
	{"type":"function","name":"launch","stateMutability":"payable","inputs":[
		{"name":"name","type":"string"},
		{"name":"symbol","type":"string"},
		{"name":"allocation","type":"uint256"}],"outputs":[
		{"name":"token","type":"address"},
		{"name":"poolId","type":"bytes32"}]},
	{"type":"error","name":"SlippageExceeded","inputs":[
		{"name":"minOut","type":"uint256"},
		{"name":"actual","type":"uint256"}]},
	{"type":"error","name":"InsufficientLiquidity","inputs":[]},
	{"type":"error","name":"CurveNotActive","inputs":[
		{"name":"token","type":"address"}]},
	{"type":"error","name":"DeadlineExpired","inputs":[]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"name","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"transfer","stateMutability":"nonpayable","inputs":[
		{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"event","name":"Transfer","anonymous":false,"inputs":[
		{"name":"from","type":"address","indexed":true},
		{"name":"to","type":"address","indexed":true},
		{"name":"value","type":"uint256","indexed":false}]}
]`

// swapEventABIJSON covers the pool Swap event the reactive-sell ingestor
// watches. The amounts are signed per the concentrated-liquidity
// convention: negative means the pool paid out.
const swapEventABIJSON = `[
	{"type":"event","name":"Swap","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"recipient","type":"address","indexed":true},
		{"name":"amount0","type":"int256","indexed":false},
		{"name":"amount1","type":"int256","indexed":false},
		{"name":"sqrtPriceX96","type":"uint160","indexed":false},
		{"name":"liquidity","type":"uint128","indexed":false},
		{"name":"tick","type":"int24","indexed":false}]}
]`

var (
	// V3PoolABI reads slot0 of a v3 pool.
	V3PoolABI = mustABI(v3PoolABIJSON)
	// V4StateViewABI reads slot0 of a v4 pool through the state view.
	V4StateViewABI = mustABI(v4StateViewABIJSON)
	// RouterABI is the shared surface of the bonding-curve router and
	// the graduated DEX router, including their revert errors.
	RouterABI = mustABI(routerABIJSON)
	// ERC20ABI covers the token and stablecoin entrypoints the keeper uses.
	ERC20ABI = mustABI(erc20ABIJSON)
	// SwapEventABI decodes pool Swap logs.
	SwapEventABI = mustABI(swapEventABIJSON)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

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
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// errorData encodes a custom error from the router ABI.
func errorData(t *testing.T, name string, args ...interface{}) []byte {
	t.Helper()
	abiErr, ok := RouterABI.Errors[name]
	require.True(t, ok, "unknown error %s", name)
	packed, err := abiErr.Inputs.Pack(args...)
	require.NoError(t, err)
	return append(abiErr.ID.Bytes()[:4], packed...)
}

func TestDecodeRevertErrorString(t *testing.T) {
	strType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: strType}}.Pack("TRANSFER_FROM_FAILED")
	require.NoError(t, err)
	data := append(hexutil.MustDecode("0x08c379a0"), packed...)

	assert.Equal(t, "TRANSFER_FROM_FAILED", DecodeRevert(data))
}

func TestDecodeRevertCustomErrors(t *testing.T) {
	got := DecodeRevert(errorData(t, "SlippageExceeded", big.NewInt(1000), big.NewInt(900)))
	assert.Equal(t, "SlippageExceeded(1000, 900)", got)

	assert.Equal(t, "InsufficientLiquidity()", DecodeRevert(errorData(t, "InsufficientLiquidity")))
	assert.Equal(t, "DeadlineExpired()", DecodeRevert(errorData(t, "DeadlineExpired")))

	token := common.HexToAddress("0x1234567890123456789012345678901234567890")
	got = DecodeRevert(errorData(t, "CurveNotActive", token))
	assert.Equal(t, "CurveNotActive("+token.Hex()+")", got)
}

func TestDecodeRevertOpaque(t *testing.T) {
	assert.Equal(t, "execution reverted", DecodeRevert(nil))

	blob := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	assert.Equal(t, hexutil.Encode(blob), DecodeRevert(blob))
}

func TestPackSwapRoundTrip(t *testing.T) {
	token := common.HexToAddress("0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	to := common.HexToAddress("0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	data, err := PackSwap(token, big.NewInt(5000), big.NewInt(4900), true, to)
	require.NoError(t, err)

	method, err := RouterABI.MethodById(data[:4])
	require.NoError(t, err)
	assert.Equal(t, "swapExactIn", method.Name)

	args, err := method.Inputs.Unpack(data[4:])
	require.NoError(t, err)
	require.Len(t, args, 5)
	assert.Equal(t, token, args[0].(common.Address))
	assert.Zero(t, args[1].(*big.Int).Cmp(big.NewInt(5000)))
	assert.Zero(t, args[2].(*big.Int).Cmp(big.NewInt(4900)))
	assert.True(t, args[3].(bool))
	assert.Equal(t, to, args[4].(common.Address))
}

func TestRouterABIErrorSelectorsDistinct(t *testing.T) {
	seen := map[string]string{}
	for name, e := range RouterABI.Errors {
		sel := strings.ToLower(hexutil.Encode(e.ID.Bytes()[:4]))
		prev, dup := seen[sel]
		require.False(t, dup, "selector collision between %s and %s", name, prev)
		seen[sel] = name
	}
}

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

package keeper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Config collects everything a keeper node needs to run. The zero value
// is not usable; start from DefaultConfig and fill in the chain and
// payment sections.
type Config struct {
	// DataDir holds the registry database.
	DataDir string

	// HTTPAddr is the gateway listen address.
	HTTPAddr    string
	CORSOrigins []string

	ChainID      int64
	RPCEndpoints []string
	RPCTimeout   time.Duration
	RPCRateLimit float64 // outbound requests per second, 0 = unlimited

	// MasterSecret is the hex-encoded wallet derivation secret. Pass it
	// through the environment, never a config file.
	MasterSecret string

	FacilitatorURL       string
	Stablecoin           common.Address
	Treasury             common.Address
	PaymentConfirmations uint64

	// QuoteToken is the chain's quote currency. Its USD price comes from
	// PriceFeedURL when set, otherwise the fixed QuoteTokenUSD value.
	QuoteToken    common.Address
	QuoteTokenUSD float64
	PriceFeedURL  string

	CurveRouter common.Address
	DexRouter   common.Address
	V4StateView common.Address

	// ExtraAllowed widens the wallet transaction allowlist beyond the
	// routers, eigen tokens and owners.
	ExtraAllowed []common.Address
}

// DefaultConfig carries the settings that do not depend on the deployed
// chain.
var DefaultConfig = Config{
	DataDir:       "eigenswarm",
	HTTPAddr:      "127.0.0.1:8640",
	CORSOrigins:   []string{"*"},
	RPCTimeout:    20 * time.Second,
	RPCRateLimit:  50,
	QuoteTokenUSD: 1,
}

// MasterBytes decodes and sanity-checks the master secret.
func (c *Config) MasterBytes() ([]byte, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(c.MasterSecret), "0x")
	if raw == "" {
		return nil, errors.New("keeper: master secret not configured")
	}
	master := common.FromHex("0x" + raw)
	if len(master) < 16 {
		return nil, fmt.Errorf("keeper: master secret too short, have %d bytes, want at least 16", len(master))
	}
	return master, nil
}

// Validate rejects configurations that cannot possibly run.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return errors.New("keeper: data directory not configured")
	}
	if c.HTTPAddr == "" {
		return errors.New("keeper: HTTP listen address not configured")
	}
	if c.ChainID <= 0 {
		return errors.New("keeper: chain id not configured")
	}
	if len(c.RPCEndpoints) == 0 {
		return errors.New("keeper: no RPC endpoints configured")
	}
	if _, err := c.MasterBytes(); err != nil {
		return err
	}
	if c.Stablecoin == (common.Address{}) {
		return errors.New("keeper: stablecoin address not configured")
	}
	if c.Treasury == (common.Address{}) {
		return errors.New("keeper: treasury address not configured")
	}
	if c.CurveRouter == (common.Address{}) && c.DexRouter == (common.Address{}) {
		return errors.New("keeper: no swap router configured")
	}
	if c.PriceFeedURL == "" && c.QuoteTokenUSD <= 0 {
		return errors.New("keeper: neither price feed URL nor static quote USD configured")
	}
	return nil
}

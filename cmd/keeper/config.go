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

package main

import (
	"fmt"
	"os"
	"reflect"

	"github.com/eigenswarm/keeper/keeper"
	"github.com/ethereum/go-ethereum/common"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "TOML configuration file",
		EnvVars: []string{"KEEPER_CONFIG"},
	}
	dataDirFlag = &cli.StringFlag{
		Name:    "datadir",
		Usage:   "Data directory for the registry database",
		EnvVars: []string{"KEEPER_DATADIR"},
	}
	httpAddrFlag = &cli.StringFlag{
		Name:    "http.addr",
		Usage:   "HTTP gateway listen address",
		EnvVars: []string{"KEEPER_HTTP_ADDR"},
	}
	corsFlag = &cli.StringSliceFlag{
		Name:    "http.corsdomain",
		Usage:   "Origins accepted for cross-origin requests",
		EnvVars: []string{"KEEPER_HTTP_CORSDOMAIN"},
	}
	chainIDFlag = &cli.Int64Flag{
		Name:    "chain",
		Usage:   "Chain ID of the target network",
		EnvVars: []string{"KEEPER_CHAIN_ID"},
	}
	rpcFlag = &cli.StringSliceFlag{
		Name:    "rpc",
		Usage:   "JSON-RPC endpoints, tried in order",
		EnvVars: []string{"KEEPER_RPC"},
	}
	rpcRPSFlag = &cli.Float64Flag{
		Name:    "rpc.rps",
		Usage:   "Outbound RPC request budget per second (0 = unlimited)",
		EnvVars: []string{"KEEPER_RPC_RPS"},
	}
	masterFlag = &cli.StringFlag{
		Name:    "master",
		Usage:   "Hex master secret for wallet derivation (prefer the environment variable)",
		EnvVars: []string{"KEEPER_MASTER"},
	}
	facilitatorFlag = &cli.StringFlag{
		Name:    "facilitator",
		Usage:   "x402 facilitator URL for payment verification",
		EnvVars: []string{"KEEPER_FACILITATOR"},
	}
	stablecoinFlag = &cli.StringFlag{
		Name:    "payment.stablecoin",
		Usage:   "Stablecoin contract accepted for package payments",
		EnvVars: []string{"KEEPER_STABLECOIN"},
	}
	treasuryFlag = &cli.StringFlag{
		Name:    "payment.treasury",
		Usage:   "Treasury address receiving package payments",
		EnvVars: []string{"KEEPER_TREASURY"},
	}
	confirmationsFlag = &cli.Uint64Flag{
		Name:    "payment.confirmations",
		Usage:   "Finality depth required on direct stablecoin transfers",
		EnvVars: []string{"KEEPER_PAYMENT_CONFIRMATIONS"},
	}
	quoteTokenFlag = &cli.StringFlag{
		Name:    "quote.token",
		Usage:   "Quote currency token address",
		EnvVars: []string{"KEEPER_QUOTE_TOKEN"},
	}
	quoteUSDFlag = &cli.Float64Flag{
		Name:    "quote.usd",
		Usage:   "Fixed USD value of the quote token (ignored when a price feed is set)",
		EnvVars: []string{"KEEPER_QUOTE_USD"},
	}
	priceFeedFlag = &cli.StringFlag{
		Name:    "pricefeed",
		Usage:   "HTTP price feed URL for the quote token",
		EnvVars: []string{"KEEPER_PRICEFEED"},
	}
	curveRouterFlag = &cli.StringFlag{
		Name:    "router.curve",
		Usage:   "Bonding curve router contract",
		EnvVars: []string{"KEEPER_ROUTER_CURVE"},
	}
	dexRouterFlag = &cli.StringFlag{
		Name:    "router.dex",
		Usage:   "DEX swap router contract",
		EnvVars: []string{"KEEPER_ROUTER_DEX"},
	}
	v4ViewFlag = &cli.StringFlag{
		Name:    "router.v4view",
		Usage:   "Uniswap v4 state view contract",
		EnvVars: []string{"KEEPER_ROUTER_V4VIEW"},
	}
)

var nodeFlags = []cli.Flag{
	configFlag, dataDirFlag, httpAddrFlag, corsFlag,
	chainIDFlag, rpcFlag, rpcRPSFlag, masterFlag,
	facilitatorFlag, stablecoinFlag, treasuryFlag, confirmationsFlag,
	quoteTokenFlag, quoteUSDFlag, priceFeedFlag,
	curveRouterFlag, dexRouterFlag, v4ViewFlag,
}

// tomlSettings mirrors geth's strict TOML handling: unknown keys are an
// error naming the field instead of silently ignored configuration.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		return fmt.Errorf("field '%s' is not defined in %s", field, rt.String())
	},
}

func loadConfigFile(path string, cfg *keeper.Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return tomlSettings.NewDecoder(f).Decode(cfg)
}

func parseAddress(ctx *cli.Context, flag *cli.StringFlag, out *common.Address) error {
	if !ctx.IsSet(flag.Name) {
		return nil
	}
	raw := ctx.String(flag.Name)
	if !common.IsHexAddress(raw) {
		return fmt.Errorf("--%s: %q is not a hex address", flag.Name, raw)
	}
	*out = common.HexToAddress(raw)
	return nil
}

// makeConfig builds the node configuration: defaults, then the TOML
// file, then explicit flags, each layer overriding the previous one.
func makeConfig(ctx *cli.Context) (keeper.Config, error) {
	cfg := keeper.DefaultConfig
	if path := ctx.String(configFlag.Name); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("config file: %w", err)
		}
	}
	if ctx.IsSet(dataDirFlag.Name) {
		cfg.DataDir = ctx.String(dataDirFlag.Name)
	}
	if ctx.IsSet(httpAddrFlag.Name) {
		cfg.HTTPAddr = ctx.String(httpAddrFlag.Name)
	}
	if ctx.IsSet(corsFlag.Name) {
		cfg.CORSOrigins = ctx.StringSlice(corsFlag.Name)
	}
	if ctx.IsSet(chainIDFlag.Name) {
		cfg.ChainID = ctx.Int64(chainIDFlag.Name)
	}
	if ctx.IsSet(rpcFlag.Name) {
		cfg.RPCEndpoints = ctx.StringSlice(rpcFlag.Name)
	}
	if ctx.IsSet(rpcRPSFlag.Name) {
		cfg.RPCRateLimit = ctx.Float64(rpcRPSFlag.Name)
	}
	if ctx.IsSet(masterFlag.Name) {
		cfg.MasterSecret = ctx.String(masterFlag.Name)
	}
	if ctx.IsSet(facilitatorFlag.Name) {
		cfg.FacilitatorURL = ctx.String(facilitatorFlag.Name)
	}
	if ctx.IsSet(confirmationsFlag.Name) {
		cfg.PaymentConfirmations = ctx.Uint64(confirmationsFlag.Name)
	}
	if ctx.IsSet(quoteUSDFlag.Name) {
		cfg.QuoteTokenUSD = ctx.Float64(quoteUSDFlag.Name)
	}
	if ctx.IsSet(priceFeedFlag.Name) {
		cfg.PriceFeedURL = ctx.String(priceFeedFlag.Name)
	}
	for _, bind := range []struct {
		flag *cli.StringFlag
		out  *common.Address
	}{
		{stablecoinFlag, &cfg.Stablecoin},
		{treasuryFlag, &cfg.Treasury},
		{quoteTokenFlag, &cfg.QuoteToken},
		{curveRouterFlag, &cfg.CurveRouter},
		{dexRouterFlag, &cfg.DexRouter},
		{v4ViewFlag, &cfg.V4StateView},
	} {
		if err := parseAddress(ctx, bind.flag, bind.out); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

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

// keeper is the eigenswarm node: it sells market-making packages over a
// paid HTTP handshake and runs the trade loops that deliver them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/eigenswarm/keeper/keeper"
	"github.com/eigenswarm/keeper/lifecycle"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

const (
	exitUsage    = 64 // bad command line
	exitConfig   = 65 // missing or invalid configuration
	exitInternal = 70 // unrecoverable runtime errors
)

var newMasterFlag = &cli.StringFlag{
	Name:    "master.new",
	Usage:   "Hex master secret to rotate wallet funds to",
	EnvVars: []string{"KEEPER_MASTER_NEW"},
}

var app = &cli.App{
	Name:   "keeper",
	Usage:  "the eigenswarm market-making keeper",
	Flags:  append(append([]cli.Flag{}, nodeFlags...), logFlags...),
	Before: func(ctx *cli.Context) error { setupLogging(ctx); return nil },
	Action: runNode,
	Commands: []*cli.Command{
		{
			Name:   "serve",
			Usage:  "Run the keeper node (the default when no command is given)",
			Flags:  nodeFlags,
			Action: runNode,
		},
		{
			Name:   "migrate",
			Usage:  "Bring the registry database up to the current schema and exit",
			Flags:  nodeFlags,
			Action: runMigrate,
		},
		{
			Name:      "reconcile",
			Usage:     "Settle stranded submitted trades from on-chain receipts and exit",
			ArgsUsage: "[eigenId]",
			Flags:     nodeFlags,
			Action:    runReconcile,
		},
		{
			Name:   "rotate-keeper-key",
			Usage:  "Sweep all derived wallets to a new master secret (keeper must be stopped)",
			Flags:  append(append([]cli.Flag{}, nodeFlags...), newMasterFlag),
			Action: runRotate,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		code := exitInternal
		if ec, ok := err.(cli.ExitCoder); ok {
			code = ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(code)
	}
}

func makeBackend(ctx *cli.Context) (*keeper.Backend, error) {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return nil, cli.Exit(err, exitUsage)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(err, exitConfig)
	}
	backend, err := keeper.New(cfg)
	if err != nil {
		return nil, cli.Exit(err, exitInternal)
	}
	return backend, nil
}

func runNode(ctx *cli.Context) error {
	backend, err := makeBackend(ctx)
	if err != nil {
		return err
	}
	if err := backend.Start(); err != nil {
		backend.Stop()
		return cli.Exit(err, exitInternal)
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	got := <-sig
	log.Info("Shutting down", "signal", got)
	if err := backend.Stop(); err != nil {
		return cli.Exit(err, exitInternal)
	}
	return nil
}

func runMigrate(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return cli.Exit(err, exitUsage)
	}
	db, err := leveldb.New(filepath.Join(cfg.DataDir, "registry"), 16, 16, "eigenswarm/db", false)
	if err != nil {
		return cli.Exit(err, exitInternal)
	}
	defer db.Close()

	from, err := registry.New(db).Migrate()
	if err != nil {
		return cli.Exit(err, exitInternal)
	}
	log.Info("Migration finished", "from", from, "to", registry.SchemaVersion)
	return nil
}

func runReconcile(ctx *cli.Context) error {
	backend, err := makeBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Stop()

	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	var n int
	if id := ctx.Args().First(); id != "" {
		n, err = backend.Manager().ReconcileEigen(cctx, id)
	} else {
		n, err = backend.Manager().Reconcile(cctx)
	}
	if err != nil {
		return cli.Exit(err, exitInternal)
	}
	log.Info("Reconcile finished", "settled", n)
	return nil
}

func runRotate(ctx *cli.Context) error {
	raw := strings.TrimPrefix(strings.TrimSpace(ctx.String(newMasterFlag.Name)), "0x")
	if raw == "" {
		return cli.Exit(fmt.Errorf("--%s is required", newMasterFlag.Name), exitUsage)
	}
	newMaster := common.FromHex("0x" + raw)
	if len(newMaster) < 16 {
		return cli.Exit(fmt.Errorf("new master secret too short, have %d bytes, want at least 16", len(newMaster)), exitUsage)
	}
	cfg, err := makeConfig(ctx)
	if err != nil {
		return cli.Exit(err, exitUsage)
	}
	oldMaster, err := cfg.MasterBytes()
	if err != nil {
		return cli.Exit(err, exitUsage)
	}
	backend, err := makeBackend(ctx)
	if err != nil {
		return err
	}
	defer backend.Stop()

	cctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	moved, err := lifecycle.RotateMaster(cctx, backend.Registry(), backend.Chain(), oldMaster, newMaster)
	if err != nil {
		return cli.Exit(err, exitInternal)
	}
	log.Info("Master rotation finished", "transfers", moved)
	return nil
}

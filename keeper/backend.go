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

// Package keeper assembles the registry, chain client, quote engine,
// oracle, payment gateway, scheduler and HTTP gateway into one runnable
// node.
package keeper

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/eigenswarm/keeper/api"
	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/lifecycle"
	"github.com/eigenswarm/keeper/oracle"
	"github.com/eigenswarm/keeper/payment"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/scheduler"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"
)

const (
	// depositPollInterval is the pending-eigen deposit sweep cadence.
	// Eigens past the funding stage are swept every tenth tick only;
	// their top-ups usually arrive through the explicit fund action.
	depositPollInterval = time.Minute
	fullSweepEvery      = 10

	// depositConcurrency bounds concurrent balance scans per sweep.
	depositConcurrency = 4

	// reconcileInterval is how often stranded submitted trades are
	// settled from receipts.
	reconcileInterval = 10 * time.Minute

	stopTimeout = 5 * time.Second

	dbCache   = 128
	dbHandles = 1024
)

// Backend is a fully wired keeper node.
type Backend struct {
	cfg Config
	log log.Logger

	db     *leveldb.Database
	reg    *registry.Registry
	client *chain.Client
	engine *quote.Engine
	orc    *oracle.Oracle
	pay    *payment.Gateway
	ingest *scheduler.Ingestor
	mgr    *scheduler.Manager
	ctrl   *lifecycle.Controller
	srv    *api.Server

	wg   sync.WaitGroup
	quit chan struct{}
}

// New opens the database and wires every component. Nothing runs until
// Start.
func New(cfg Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	master, err := cfg.MasterBytes()
	if err != nil {
		return nil, err
	}
	db, err := leveldb.New(filepath.Join(cfg.DataDir, "registry"), dbCache, dbHandles, "eigenswarm/db", false)
	if err != nil {
		return nil, err
	}
	reg := registry.New(db)
	if _, err := reg.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	client, err := chain.New(chain.Config{
		Endpoints: cfg.RPCEndpoints,
		ChainID:   cfg.ChainID,
		Timeout:   cfg.RPCTimeout,
		RPS:       cfg.RPCRateLimit,
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	engine := quote.NewEngine(client, quote.Config{
		CurveRouter: cfg.CurveRouter,
		DexRouter:   cfg.DexRouter,
		V4StateView: cfg.V4StateView,
	})

	var source oracle.Source
	if cfg.PriceFeedURL != "" {
		source = oracle.HTTPSource(cfg.PriceFeedURL)
	} else {
		source = oracle.StaticSource(map[common.Address]float64{cfg.QuoteToken: cfg.QuoteTokenUSD})
	}
	orc := oracle.New(engine, reg, source, []common.Address{cfg.QuoteToken})

	pay := payment.New(client, reg, payment.Config{
		ChainID:        cfg.ChainID,
		Recipient:      cfg.Treasury,
		Stablecoin:     cfg.Stablecoin,
		Confirmations:  cfg.PaymentConfirmations,
		FacilitatorURL: cfg.FacilitatorURL,
	})

	allowed := append([]common.Address{cfg.Stablecoin, cfg.Treasury}, cfg.ExtraAllowed...)
	ingest := scheduler.NewIngestor(client)
	mgr := scheduler.NewManager(&scheduler.Env{
		Registry: reg,
		Client:   client,
		Engine:   engine,
		Ingest:   ingest,
		Master:   master,
		Allowed:  allowed,
	})
	ctrl := lifecycle.New(reg, client, engine, pay, mgr, master)
	srv := api.New(api.Config{
		Addr:        cfg.HTTPAddr,
		CORSOrigins: cfg.CORSOrigins,
		QuoteToken:  cfg.QuoteToken,
		Stablecoin:  cfg.Stablecoin,
		Treasury:    cfg.Treasury,
	}, ctrl, reg, engine, orc, mgr, client)

	return &Backend{
		cfg:    cfg,
		log:    log.New("module", "keeper"),
		db:     db,
		reg:    reg,
		client: client,
		engine: engine,
		orc:    orc,
		pay:    pay,
		ingest: ingest,
		mgr:    mgr,
		ctrl:   ctrl,
		srv:    srv,
		quit:   make(chan struct{}),
	}, nil
}

// Registry exposes the registry for offline tooling.
func (b *Backend) Registry() *registry.Registry { return b.reg }

// Chain exposes the chain client for offline tooling.
func (b *Backend) Chain() *chain.Client { return b.client }

// Manager exposes the scheduler manager.
func (b *Backend) Manager() *scheduler.Manager { return b.mgr }

// Controller exposes the lifecycle controller.
func (b *Backend) Controller() *lifecycle.Controller { return b.ctrl }

// Start brings every component up and launches the background sweeps.
func (b *Backend) Start() error {
	b.orc.Start()
	b.pay.Start()
	if err := b.mgr.Start(); err != nil {
		b.pay.Stop()
		b.orc.Stop()
		return err
	}
	if err := b.srv.Start(); err != nil {
		b.mgr.Stop()
		b.pay.Stop()
		b.orc.Stop()
		return err
	}
	b.wg.Add(2)
	go b.depositLoop()
	go b.reconcileLoop()
	b.log.Info("Keeper started", "chain", b.cfg.ChainID, "http", b.cfg.HTTPAddr)
	return nil
}

// Stop tears the node down in reverse order, draining HTTP first so no
// request observes a half-stopped backend.
func (b *Backend) Stop() error {
	close(b.quit)
	b.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	err := b.srv.Stop(ctx)
	b.mgr.Stop()
	b.pay.Stop()
	b.orc.Stop()
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	b.log.Info("Keeper stopped")
	return err
}

func (b *Backend) depositLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(depositPollInterval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-ticker.C:
			tick++
			b.sweepDeposits(tick%fullSweepEvery == 0)
		case <-b.quit:
			return
		}
	}
}

// sweepDeposits credits on-chain deposits. Pending eigens are scanned
// every tick since a first deposit is what activates them; full sweeps
// also pick up top-ups on running eigens.
func (b *Backend) sweepDeposits(full bool) {
	eigens, err := b.reg.List(registry.ListFilter{})
	if err != nil {
		b.log.Warn("Deposit sweep listing failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), depositPollInterval)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(depositConcurrency)
	for _, e := range eigens {
		pending := e.Status == registry.StatusPendingFunding || e.Status == registry.StatusPendingLP
		if !pending && (!full || e.Status.Terminal()) {
			continue
		}
		id := e.ID
		g.Go(func() error {
			if _, credited, err := b.ctrl.DetectDeposits(ctx, id); err != nil {
				b.log.Debug("Deposit scan failed", "eigen", id, "err", err)
			} else if credited.Sign() > 0 {
				b.log.Info("Deposit credited", "eigen", id, "wei", credited)
			}
			return nil
		})
	}
	g.Wait()
}

func (b *Backend) reconcileLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(reconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), reconcileInterval/2)
			if n, err := b.mgr.Reconcile(ctx); err != nil {
				b.log.Warn("Trade reconcile failed", "err", err)
			} else if n > 0 {
				b.log.Info("Stranded trades settled", "count", n)
			}
			cancel()
		case <-b.quit:
			return
		}
	}
}

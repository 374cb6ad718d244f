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

// Package scheduler runs one trade loop per live eigen: a deterministic
// planner sized by the eigen config, an executor that reserves budget
// before money moves and settles from receipts, and a manager that keeps
// exactly one worker per non-terminal eigen.
package scheduler

import (
	"sync"
	"time"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var workersGauge = metrics.NewRegisteredGauge("scheduler/workers", nil)

// rescanInterval is the cadence of the registry sweep that reaps
// finished workers and adopts eigens that became runnable outside the
// API path (e.g. after a restart).
const rescanInterval = time.Minute

// TradeEvent is published on the manager feed after every confirmed
// trade.
type TradeEvent struct {
	EigenID string
	Trade   *registry.Trade
}

// Env bundles the shared dependencies of all workers.
type Env struct {
	Registry *registry.Registry
	Client   *chain.Client
	Engine   *quote.Engine
	Ingest   *Ingestor
	Feed     *event.Feed

	// Master is the keeper master secret wallets derive from.
	Master []byte

	// Allowed lists extra transaction targets beyond the routers and the
	// eigen token (e.g. the stablecoin).
	Allowed []common.Address
}

// Manager owns the worker set.
type Manager struct {
	env *Env
	log log.Logger

	mu      sync.Mutex
	workers map[string]*worker

	wg   sync.WaitGroup
	quit chan struct{}
}

// NewManager builds a manager around env. The event feed is created here
// when env carries none.
func NewManager(env *Env) *Manager {
	if env.Feed == nil {
		env.Feed = new(event.Feed)
	}
	return &Manager{
		env:     env,
		workers: make(map[string]*worker),
		quit:    make(chan struct{}),
		log:     log.New("module", "scheduler"),
	}
}

// SubscribeTrades subscribes to confirmed-trade events.
func (m *Manager) SubscribeTrades(ch chan<- TradeEvent) event.Subscription {
	return m.env.Feed.Subscribe(ch)
}

// Start resumes every non-terminal eigen and launches the rescan loop.
// A keeper restart recovers its full worker set from the registry alone.
func (m *Manager) Start() error {
	eigens, err := m.env.Registry.List(registry.ListFilter{})
	if err != nil {
		return err
	}
	adopted := 0
	for _, e := range eigens {
		if e.Status.Terminal() {
			continue
		}
		m.adopt(e)
		adopted++
	}
	m.log.Info("Scheduler started", "workers", adopted)
	m.wg.Add(1)
	go m.rescanLoop()
	return nil
}

// Stop halts every worker and waits for in-flight steps to finish.
func (m *Manager) Stop() {
	close(m.quit)
	m.wg.Wait()
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*worker)
	m.mu.Unlock()
	for _, w := range workers {
		w.stop()
	}
	workersGauge.Update(0)
	m.log.Info("Scheduler stopped")
}

// Adopt ensures a worker exists for the eigen and kicks it. Lifecycle
// operations call this after any change that should replan immediately.
func (m *Manager) Adopt(id string) {
	e, err := m.env.Registry.Get(id)
	if err != nil {
		m.log.Warn("Cannot adopt unknown eigen", "id", id, "err", err)
		return
	}
	if e.Status.Terminal() {
		return
	}
	m.adopt(e).Kick()
}

// Kick replans the eigen's worker immediately if one is running.
func (m *Manager) Kick(id string) {
	m.mu.Lock()
	w := m.workers[id]
	m.mu.Unlock()
	if w != nil {
		w.Kick()
	}
}

// Running reports the live worker count.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

func (m *Manager) adopt(e *registry.Eigen) *worker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[e.ID]; ok {
		return w
	}
	w := newWorker(m.env, e)
	m.workers[e.ID] = w
	workersGauge.Update(int64(len(m.workers)))
	go w.run()
	return w
}

func (m *Manager) rescanLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.rescan()
		case <-m.quit:
			return
		}
	}
}

// rescan reaps workers whose run loop exited and adopts runnable eigens
// without one.
func (m *Manager) rescan() {
	m.mu.Lock()
	for id, w := range m.workers {
		select {
		case <-w.done:
			delete(m.workers, id)
		default:
		}
	}
	workersGauge.Update(int64(len(m.workers)))
	m.mu.Unlock()

	eigens, err := m.env.Registry.List(registry.ListFilter{})
	if err != nil {
		m.log.Warn("Registry scan failed", "err", err)
		return
	}
	for _, e := range eigens {
		if e.Status.Terminal() {
			continue
		}
		m.adopt(e)
	}
}

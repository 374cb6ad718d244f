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

// Package oracle produces a fair USD reference price per token: the pool
// spot price at a 1-unit notional times the hourly quote-token → USD
// table. A stale table is tolerated and flagged, never hidden.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

const (
	// refreshInterval is the quote-USD table refresh cadence. The table
	// itself is hourly; refreshing more often only heals failed fetches.
	refreshInterval = 15 * time.Minute

	// staleAfter marks a table entry stale once it is this old.
	staleAfter = 2 * time.Hour

	// oneToken is the notional size used for spot reads (18 decimals).
	oneTokenDecimals = 18
)

var (
	refreshMeter  = metrics.NewRegisteredMeter("oracle/refresh", nil)
	staleMeter    = metrics.NewRegisteredMeter("oracle/stale", nil)
	noPriceMeter  = metrics.NewRegisteredMeter("oracle/noprice", nil)
	usdPriceGauge = metrics.NewRegisteredGaugeFloat64("oracle/quote/usd", nil)
)

// Source fetches the current USD price of a quote token from an external
// feed. Implementations live at the edges (paid API, static config).
type Source func(ctx context.Context, token common.Address) (float64, error)

// Result is a fair-price answer. Priced is false when any input is
// missing; Reason then explains which.
type Result struct {
	Priced  bool
	Reason  string
	USD     float64
	SpotNum *big.Int // quote wei per token, as a rational
	SpotDen *big.Int
	Stale   bool
}

// Oracle combines pool spot reads with the hourly USD table.
type Oracle struct {
	engine *quote.Engine
	reg    *registry.Registry
	source Source
	quotes []common.Address // quote tokens kept fresh
	log    log.Logger

	mu    sync.RWMutex
	table map[common.Address]tableEntry

	wg   sync.WaitGroup
	quit chan struct{}
}

type tableEntry struct {
	usd float64
	at  time.Time
}

// New builds an oracle refreshing the given quote tokens from source.
func New(engine *quote.Engine, reg *registry.Registry, source Source, quotes []common.Address) *Oracle {
	return &Oracle{
		engine: engine,
		reg:    reg,
		source: source,
		quotes: quotes,
		table:  make(map[common.Address]tableEntry),
		quit:   make(chan struct{}),
		log:    log.New("module", "oracle"),
	}
}

// Start launches the background table refresher.
func (o *Oracle) Start() {
	o.wg.Add(1)
	go o.refreshLoop()
}

// Stop terminates the refresher and waits for it.
func (o *Oracle) Stop() {
	close(o.quit)
	o.wg.Wait()
}

func (o *Oracle) refreshLoop() {
	defer o.wg.Done()
	o.refresh()
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.refresh()
		case <-o.quit:
			return
		}
	}
}

func (o *Oracle) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, token := range o.quotes {
		usd, err := o.source(ctx, token)
		if err != nil {
			o.log.Warn("Quote USD refresh failed", "token", token, "err", err)
			continue
		}
		now := time.Now().UTC()
		o.mu.Lock()
		o.table[token] = tableEntry{usd: usd, at: now}
		o.mu.Unlock()
		usdPriceGauge.Update(usd)
		refreshMeter.Mark(1)
		_ = o.reg.PutQuotePrice(&registry.QuotePrice{
			Token: token,
			Hour:  now.Unix() / 3600,
			USD:   usd,
		})
	}
}

// quoteUSD returns the table entry for token, falling back to the last
// persisted hourly point after a restart.
func (o *Oracle) quoteUSD(token common.Address) (float64, time.Time, bool) {
	o.mu.RLock()
	entry, ok := o.table[token]
	o.mu.RUnlock()
	if ok {
		return entry.usd, entry.at, true
	}
	p, err := o.reg.QuotePriceAt(token, time.Now().UTC().Unix()/3600)
	if err != nil {
		return 0, time.Time{}, false
	}
	return p.USD, time.Unix(p.Hour*3600, 0).UTC(), true
}

// FairPrice produces the USD reference for token against its pool,
// quoted in quoteToken. Missing pieces yield Priced=false with a reason;
// upstream code decides whether to proceed.
func (o *Oracle) FairPrice(ctx context.Context, token common.Address, pool *registry.Pool, quoteToken common.Address) *Result {
	one := new(big.Int).Exp(big.NewInt(10), big.NewInt(oneTokenDecimals), nil)
	q, err := o.engine.Quote(ctx, token, pool, quote.Sell, one)
	if err != nil {
		noPriceMeter.Mark(1)
		return &Result{Reason: "spot unavailable: " + err.Error()}
	}
	usd, at, ok := o.quoteUSD(quoteToken)
	if !ok {
		noPriceMeter.Mark(1)
		return &Result{
			Reason:  "quote token has no USD table entry",
			SpotNum: q.SpotNum,
			SpotDen: q.SpotDen,
		}
	}
	stale := time.Since(at) > staleAfter
	if stale {
		staleMeter.Mark(1)
	}
	// Spot is a raw quote-wei per token-wei ratio; with both sides at 18
	// decimals, USD per whole token = ratio × quote USD.
	spot := new(big.Float).Quo(new(big.Float).SetInt(q.SpotNum), new(big.Float).SetInt(q.SpotDen))
	spot.Mul(spot, big.NewFloat(usd))
	px, _ := spot.Float64()
	return &Result{
		Priced:  true,
		USD:     px,
		SpotNum: q.SpotNum,
		SpotDen: q.SpotDen,
		Stale:   stale,
	}
}

// StaticSource returns a Source serving a fixed table; used for chains
// whose quote token is a configured stable value and in tests.
func StaticSource(table map[common.Address]float64) Source {
	return func(_ context.Context, token common.Address) (float64, error) {
		if usd, ok := table[token]; ok {
			return usd, nil
		}
		return 0, registry.ErrNotFound
	}
}

// HTTPSource returns a Source querying a JSON price endpoint. The URL
// may contain one %s verb which is replaced by the lowercase token
// address; the response body must be {"usd": <number>}.
func HTTPSource(url string) Source {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context, token common.Address) (float64, error) {
		target := url
		if strings.Contains(url, "%s") {
			target = fmt.Sprintf(url, strings.ToLower(token.Hex()))
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return 0, err
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, errs.New(errs.Upstream, "price_feed", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, errs.Newf(errs.Upstream, "price_feed", "price feed returned %s", resp.Status)
		}
		var body struct {
			USD float64 `json:"usd"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&body); err != nil {
			return 0, errs.New(errs.Upstream, "price_feed", err)
		}
		if body.USD <= 0 {
			return 0, errs.Newf(errs.Upstream, "price_feed", "non-positive price %v", body.USD)
		}
		return body.USD, nil
	}
}

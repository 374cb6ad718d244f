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

// Package api is the keeper's public HTTP gateway: the paid purchase
// handshake, eigen reads, API key enrolment and the authenticated
// lifecycle actions, behind per-client rate limiting and CORS.
package api

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/lifecycle"
	"github.com/eigenswarm/keeper/oracle"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/eigenswarm/keeper/scheduler"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"
)

var (
	requestMeter = metrics.NewRegisteredMeter("api/requests", nil)
	requestTimer = metrics.NewRegisteredTimer("api/request/duration", nil)
)

// Config configures the HTTP server.
type Config struct {
	Addr        string
	CORSOrigins []string

	// QuoteToken is the chain's quote currency, used by the pricing and
	// price-history endpoints.
	QuoteToken common.Address

	// Stablecoin is reported in the treasury health view.
	Stablecoin common.Address
	Treasury   common.Address
}

// Server is the public gateway.
type Server struct {
	cfg  Config
	ctrl *lifecycle.Controller
	reg  *registry.Registry
	eng  *quote.Engine
	orc  *oracle.Oracle
	mgr  *scheduler.Manager
	cli  *chain.Client
	log  log.Logger

	limiter *rateLimiter
	httpSrv *http.Server
	started time.Time
}

// New wires the gateway. Start must be called before it serves.
func New(cfg Config, ctrl *lifecycle.Controller, reg *registry.Registry, eng *quote.Engine, orc *oracle.Oracle, mgr *scheduler.Manager, cli *chain.Client) *Server {
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		reg:     reg,
		eng:     eng,
		orc:     orc,
		mgr:     mgr,
		cli:     cli,
		limiter: newRateLimiter(),
		log:     log.New("module", "api"),
	}
	router := httprouter.New()

	router.POST("/api/agents/buy-volume", s.limited("purchase", s.handleBuyVolume))
	router.POST("/api/launch", s.limited("purchase", s.handleLaunch))
	router.GET("/api/tokens/:address/verify", s.limited("read", s.handleVerifyToken))

	router.GET("/api/eigens", s.limited("read", s.handleListEigens))
	router.GET("/api/eigens/:id", s.limited("read", s.handleGetEigen))
	router.GET("/api/eigens/:id/trades", s.limited("read", s.handleTrades))
	router.GET("/api/eigens/:id/pnl", s.limited("read", s.handlePnl))
	router.GET("/api/eigens/:id/wallets", s.limited("read", s.handleWallets))
	router.GET("/api/eigens/:id/price-history", s.limited("read", s.handlePriceHistory))

	router.POST("/api/agent/keys", s.limited("write", s.handleCreateKey))
	router.GET("/api/agent/keys", s.limited("read", s.handleListKeys))
	router.DELETE("/api/agent/keys/:prefix", s.limited("write", s.handleRevokeKey))

	router.PATCH("/api/agent/eigens/:id", s.limited("write", s.handlePatchEigen))
	router.POST("/api/agent/eigens/:id/:action", s.limited("write", s.handleAction))

	router.GET("/api/pricing", s.limited("read", s.handlePricing))
	router.GET("/api/health", s.limited("read", s.handleHealth))
	router.GET("/api/stats", s.limited("read", s.handleStats))

	handler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "X-API-Key", "X-PAYMENT"},
	}).Handler(router)
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background.
func (s *Server) Start() error {
	s.started = time.Now()
	s.limiter.start()
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTP server failed", "err", err)
		}
	}()
	s.log.Info("HTTP gateway listening", "addr", ln.Addr())
	return nil
}

// Stop drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	s.limiter.stop()
	return s.httpSrv.Shutdown(ctx)
}

// limited wraps a handler with rate limiting and request metrics. The
// window key is the API key prefix when one is presented, the remote IP
// otherwise; authenticated clients get their key's budget.
func (s *Server) limited(class string, h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		requestMeter.Mark(1)
		defer func(start time.Time) { requestTimer.Update(time.Since(start)) }(time.Now())

		client := clientIP(r)
		limit := defaultRateLimit
		if key, err := s.authenticate(r); err == nil && key != nil {
			client = "key:" + key.Prefix
			limit = key.RateLimit
		}
		remaining, ok := s.limiter.allow(client, class, limit)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		if !ok {
			writeError(w, errs.Newf(errs.Validation, "rate_limited", "rate limit exceeded for %s", class))
			return
		}
		h(w, r, ps)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

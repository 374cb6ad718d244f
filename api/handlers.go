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

package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/lifecycle"
	"github.com/eigenswarm/keeper/params"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/julienschmidt/httprouter"
)

// fundingInfo tells a purchaser where to deposit the trading budget.
type fundingInfo struct {
	Funded         bool           `json:"funded"`
	DepositAddress common.Address `json:"depositAddress"`
}

func fundingOf(e *registry.Eigen) fundingInfo {
	info := fundingInfo{Funded: e.BalanceWei.Int().Sign() > 0}
	if len(e.Wallets) > 0 {
		info.DepositAddress = e.Wallets[0].Address
	}
	return info
}

type buyVolumeRequest struct {
	TokenAddress common.Address        `json:"tokenAddress"`
	PackageID    string                `json:"packageId"`
	Pool         *registry.Pool        `json:"pool,omitempty"`
	AgentID      string                `json:"agentId,omitempty"`
	Config       *registry.ConfigPatch `json:"config,omitempty"`
}

func (s *Server) handleBuyVolume(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req buyVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, "bad_request", err))
		return
	}
	pkg, err := s.ctrl.Package(req.PackageID)
	if err != nil {
		writeError(w, err)
		return
	}
	header := r.Header.Get("X-PAYMENT")
	if header == "" {
		writeJSON(w, http.StatusPaymentRequired, s.ctrl.Requirements(pkg))
		return
	}
	var owner common.Address
	key, err := s.authenticate(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if key != nil {
		owner = key.Owner
	}
	e, err := s.ctrl.Purchase(r.Context(), owner, header, &lifecycle.CreateRequest{
		PackageID: req.PackageID,
		Token:     req.TokenAddress,
		Pool:      req.Pool,
		AgentID:   req.AgentID,
		Config:    req.Config,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"eigenId": e.ID,
		"status":  e.Status,
		"funding": fundingOf(e),
	})
}

type launchRequest struct {
	Name        string                `json:"name"`
	Symbol      string                `json:"symbol"`
	Description string                `json:"description,omitempty"`
	ImageURI    string                `json:"image,omitempty"`
	FeeType     string                `json:"feeType,omitempty"`
	Allocation  string                `json:"allocation,omitempty"`
	PackageID   string                `json:"packageId"`
	AgentID     string                `json:"agentId,omitempty"`
	Config      *registry.ConfigPatch `json:"config,omitempty"`
}

func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req launchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, "bad_request", err))
		return
	}
	pkg, err := s.ctrl.Package(req.PackageID)
	if err != nil {
		writeError(w, err)
		return
	}
	header := r.Header.Get("X-PAYMENT")
	if header == "" {
		writeJSON(w, http.StatusPaymentRequired, s.ctrl.Requirements(pkg))
		return
	}
	var owner common.Address
	if key, err := s.authenticate(r); err != nil {
		writeError(w, err)
		return
	} else if key != nil {
		owner = key.Owner
	}
	e, err := s.ctrl.Purchase(r.Context(), owner, header, &lifecycle.CreateRequest{
		PackageID: req.PackageID,
		AgentID:   req.AgentID,
		Config:    req.Config,
		Launch: &registry.LaunchSpec{
			Name:        req.Name,
			Symbol:      req.Symbol,
			Description: req.Description,
			ImageURI:    req.ImageURI,
			FeeType:     req.FeeType,
			Allocation:  req.Allocation,
		},
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"eigenId": e.ID,
		"status":  e.Status,
		"funding": fundingOf(e),
	})
}

func (s *Server) handleVerifyToken(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	raw := ps.ByName("address")
	if !common.IsHexAddress(raw) {
		writeError(w, errs.Newf(errs.Validation, "bad_address", "%q is not an address", raw))
		return
	}
	info, err := s.eng.VerifyToken(r.Context(), common.HexToAddress(raw))
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"valid": false, "reason": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"valid":    true,
		"name":     info.Name,
		"symbol":   info.Symbol,
		"decimals": info.Decimals,
	})
}

func paging(r *http.Request) (offset, limit int) {
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return offset, limit
}

func (s *Server) handleListEigens(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	key, err := s.requireAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, limit := paging(r)
	filter := registry.ListFilter{Owner: &key.Owner, Offset: offset, Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := registry.Status(raw)
		filter.Status = &st
	}
	eigens, err := s.reg.List(filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"eigens": eigens, "offset": offset, "limit": limit})
}

// ownedEigen resolves the path id under the caller's key.
func (s *Server) ownedEigen(r *http.Request, ps httprouter.Params) (*registry.Eigen, error) {
	key, err := s.requireAuth(r)
	if err != nil {
		return nil, err
	}
	return s.ctrl.Get(ps.ByName("id"), key.Owner)
}

func (s *Server) handleGetEigen(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.ownedEigen(r, ps)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.ownedEigen(r, ps)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, limit := paging(r)
	trades, err := s.reg.Trades(e.ID, offset, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"trades": trades, "offset": offset, "limit": limit})
}

func (s *Server) handlePnl(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.ownedEigen(r, ps)
	if err != nil {
		writeError(w, err)
		return
	}
	unrealized := new(big.Int)
	if e.Position.TokenBalance.Int().Sign() > 0 {
		q, err := s.eng.Quote(r.Context(), e.Token, e.Pool, quote.Sell, params.Ether)
		if err == nil && q.SpotDen.Sign() > 0 {
			value := new(big.Int).Mul(e.Position.TokenBalance.Int(), q.SpotNum)
			value.Div(value, q.SpotDen)
			basis := new(big.Int).Mul(e.Position.AverageEntryWei.Int(), e.Position.TokenBalance.Int())
			basis.Div(basis, params.Ether)
			unrealized.Sub(value, basis)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"realizedPnlWei":    e.Position.RealizedPnlWei,
		"unrealizedPnlWei":  registry.NewWei(unrealized),
		"gasSpentWei":       e.Position.GasSpentWei,
		"feeAccruedWei":     e.Position.FeeAccruedWei,
		"volumeProducedWei": e.VolumeWei,
		"tokenBalance":      e.Position.TokenBalance,
		"averageEntryWei":   e.Position.AverageEntryWei,
		"tradeCount":        e.Position.TradeCount,
	})
}

func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.ownedEigen(r, ps)
	if err != nil {
		writeError(w, err)
		return
	}
	type walletView struct {
		Index      uint32         `json:"index"`
		Address    common.Address `json:"address"`
		BalanceWei *registry.Wei  `json:"balanceWei"`
	}
	out := make([]walletView, 0, len(e.Wallets))
	for _, rec := range e.Wallets {
		bal, err := s.cli.BalanceAt(r.Context(), rec.Address)
		if err != nil {
			bal = new(big.Int)
		}
		out = append(out, walletView{Index: rec.Index, Address: rec.Address, BalanceWei: registry.NewWei(bal)})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"wallets": out})
}

func (s *Server) handlePriceHistory(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	e, err := s.ownedEigen(r, ps)
	if err != nil {
		writeError(w, err)
		return
	}
	hours := int64(24)
	if raw := r.URL.Query().Get("hours"); raw != "" {
		if h, err := strconv.ParseInt(raw, 10, 64); err == nil && h > 0 && h <= 24*30 {
			hours = h
		}
	}
	nowHour := time.Now().UTC().Unix() / 3600
	points, err := s.reg.PriceHistory(s.cfg.QuoteToken, nowHour-hours, nowHour)
	if err != nil {
		writeError(w, err)
		return
	}
	fair := s.orc.FairPrice(r.Context(), e.Token, e.Pool, s.cfg.QuoteToken)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token": e.Token,
		"current": map[string]interface{}{
			"priced": fair.Priced,
			"usd":    fair.USD,
			"stale":  fair.Stale,
			"reason": fair.Reason,
		},
		"quoteUsd": points,
	})
}

type createKeyRequest struct {
	Address   common.Address `json:"address"`
	Timestamp int64          `json:"timestamp"`
	Signature string         `json:"signature"`
	Label     string         `json:"label,omitempty"`
	RateLimit int            `json:"rateLimit,omitempty"`
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req createKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.New(errs.Validation, "bad_request", err))
		return
	}
	if err := s.verifyEnrolment(req.Address, req.Timestamp, req.Signature); err != nil {
		writeError(w, err)
		return
	}
	plaintext, rec, err := mintKey(req.Address, req.Label, req.RateLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.reg.PutKey(rec); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("API key enrolled", "owner", req.Address, "prefix", rec.Prefix)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":       plaintext, // shown exactly once
		"prefix":    rec.Prefix,
		"rateLimit": rec.RateLimit,
	})
}

func (s *Server) handleListKeys(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	key, err := s.requireAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}
	keys, err := s.reg.KeysByOwner(key.Owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"keys": keys})
}

func (s *Server) handleRevokeKey(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, err := s.requireAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.reg.RevokeKey(key.Owner, ps.ByName("prefix")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchEigen(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, err := s.requireAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var patch registry.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, errs.New(errs.Validation, "bad_request", err))
		return
	}
	e, changed, err := s.ctrl.Adjust(ps.ByName("id"), key.Owner, &patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"eigen": e, "changed": changed})
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	key, err := s.requireAuth(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := ps.ByName("id")
	switch ps.ByName("action") {
	case "suspend":
		e, err := s.ctrl.Suspend(id, key.Owner)
		s.respondEigen(w, e, err)
	case "resume":
		e, err := s.ctrl.Resume(id, key.Owner)
		s.respondEigen(w, e, err)
	case "liquidate":
		e, err := s.ctrl.Liquidate(id, key.Owner)
		s.respondEigen(w, e, err)
	case "terminate":
		e, err := s.ctrl.Terminate(id, key.Owner)
		s.respondEigen(w, e, err)
	case "take-profit":
		var body struct {
			Pct float64 `json:"pct"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Pct == 0 {
			body.Pct = 50
		}
		if err := s.ctrl.TakeProfit(id, key.Owner, body.Pct); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]interface{}{"scheduled": true, "pct": body.Pct})
	case "withdraw":
		var body struct {
			Amount string `json:"amount"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		all := body.Amount == "" || body.Amount == "all"
		var amount *big.Int
		if !all {
			parsed, ok := new(big.Int).SetString(body.Amount, 10)
			if !ok || parsed.Sign() <= 0 {
				writeError(w, errs.Newf(errs.Validation, "bad_amount", "amount %q is not a positive wei value", body.Amount))
				return
			}
			amount = parsed
		}
		sent, err := s.ctrl.Withdraw(r.Context(), id, key.Owner, amount, all)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"sentWei": registry.NewWei(sent)})
	case "fund":
		if _, err := s.ctrl.Get(id, key.Owner); err != nil {
			writeError(w, err)
			return
		}
		e, credited, err := s.ctrl.DetectDeposits(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"eigen":       e,
			"creditedWei": registry.NewWei(credited),
			"funding":     fundingOf(e),
		})
	default:
		writeError(w, errs.Newf(errs.Validation, "not_found", "unknown action %q", ps.ByName("action")))
	}
}

func (s *Server) respondEigen(w http.ResponseWriter, e *registry.Eigen, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handlePricing(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	type packageView struct {
		ID          string        `json:"id"`
		PriceUSD    *registry.Wei `json:"priceUsd"` // stablecoin minor units
		VolumeWei   *registry.Wei `json:"volumeWei"`
		DurationSec int64         `json:"durationSeconds"`
		Class       params.Class  `json:"class"`
		WalletsMax  int           `json:"walletsMax"`
	}
	out := make([]packageView, 0, len(params.Packages))
	for _, pkg := range params.Packages {
		out = append(out, packageView{
			ID:          pkg.ID,
			PriceUSD:    registry.NewWei(pkg.PriceUSD),
			VolumeWei:   registry.NewWei(pkg.VolumeWei),
			DurationSec: int64(pkg.Duration / time.Second),
			Class:       pkg.Class,
			WalletsMax:  pkg.WalletsMax,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"packages": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := "ok"
	head, err := s.cli.BlockNumber(r.Context())
	if err != nil {
		status = "degraded"
	}
	treasury := map[string]interface{}{"recipient": s.cfg.Treasury}
	if bal, err := s.cli.BalanceAt(r.Context(), s.cfg.Treasury); err == nil {
		treasury["nativeWei"] = registry.NewWei(bal)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        status,
		"uptimeSeconds": int64(time.Since(s.started) / time.Second),
		"chainHead":     head,
		"workers":       s.mgr.Running(),
		"treasury":      treasury,
		"stablecoin":    s.cfg.Stablecoin,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	eigens, err := s.reg.List(registry.ListFilter{})
	if err != nil {
		writeError(w, err)
		return
	}
	byStatus := make(map[registry.Status]int)
	volume := new(big.Int)
	trades := 0
	for _, e := range eigens {
		byStatus[e.Status]++
		volume.Add(volume, e.VolumeWei.Int())
		trades += e.Position.TradeCount
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"eigens":         len(eigens),
		"byStatus":       byStatus,
		"totalVolumeWei": registry.NewWei(volume),
		"totalTrades":    trades,
		"workers":        s.mgr.Running(),
	})
}

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

// Package registry is the durable store of eigens, trades, payments and
// API keys. It owns the eigen state machine; every eigen mutation is
// serialized through a per-id lock so the balance invariant can be
// checked on each write.
package registry

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"sync"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/params"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	eigenCountGauge   = metrics.NewRegisteredGauge("registry/eigens", nil)
	tradeAppendMeter  = metrics.NewRegisteredMeter("registry/trades/append", nil)
	transitionMeter   = metrics.NewRegisteredMeter("registry/transitions", nil)
	invariantFailMark = metrics.NewRegisteredMeter("registry/invariant/violations", nil)
	readTimer         = metrics.NewRegisteredTimer("registry/read", nil)
)

// ErrNotFound is returned for unknown eigen, payment and key ids.
var ErrNotFound = errs.New(errs.Validation, "not_found", nil)

// Registry persists all keeper state in a key-value database. It is safe
// for concurrent use; mutations of one eigen are serialized, reads see
// the latest committed write.
type Registry struct {
	db  ethdb.KeyValueStore
	log log.Logger

	mu    sync.Mutex // guards locks
	locks map[string]*sync.Mutex
}

// New wraps db in a Registry.
func New(db ethdb.KeyValueStore) *Registry {
	return &Registry{
		db:    db,
		log:   log.New("module", "registry"),
		locks: make(map[string]*sync.Mutex),
	}
}

// lock returns the single-writer mutex for an eigen id.
func (r *Registry) lock(id string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[id]
	if !ok {
		l = new(sync.Mutex)
		r.locks[id] = l
	}
	return l
}

// NewID draws a fresh ES-xxxxxx identifier, retrying on the (unlikely)
// collision with a stored eigen.
func (r *Registry) NewID() (string, error) {
	for i := 0; i < 16; i++ {
		var buf [3]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return "", err
		}
		id := "ES-" + hex.EncodeToString(buf[:])
		if ok, _ := r.db.Has(eigenKey(id)); !ok {
			return id, nil
		}
	}
	return "", errs.Newf(errs.Invariant, "id_exhausted", "could not draw a unique eigen id")
}

// Create stores a new eigen. The caller supplies everything except the
// bookkeeping fields; Create assigns the id (unless preset), zeroes the
// budget and position, derives the planner seed and sets the initial
// status (pending_lp for launch-mode eigens, pending_funding otherwise).
func (r *Registry) Create(e *Eigen) (*Eigen, error) {
	if err := e.Config.Validate(); err != nil {
		return nil, err
	}
	if !e.Class.Valid() {
		return nil, errs.Newf(errs.Validation, "bad_class", "unknown class %q", e.Class)
	}
	if e.ID == "" {
		id, err := r.NewID()
		if err != nil {
			return nil, err
		}
		e.ID = id
	}
	now := time.Now().UTC()
	e.DepositedWei = NewWei(nil)
	e.BalanceWei = NewWei(nil)
	e.ReservedWei = NewWei(nil)
	e.InflowWei = NewWei(nil)
	e.OutflowWei = NewWei(nil)
	e.VolumeWei = NewWei(nil)
	e.Position = newPosition()
	e.Status = StatusPendingFunding
	if e.Launch != nil {
		e.Status = StatusPendingLP
	}
	seedHash := crypto.Keccak256([]byte(e.ID))
	e.Seed = int64(binary.BigEndian.Uint64(seedHash[:8]))
	e.CreatedAt = now
	e.UpdatedAt = now

	l := r.lock(e.ID)
	l.Lock()
	defer l.Unlock()
	if ok, _ := r.db.Has(eigenKey(e.ID)); ok {
		return nil, errs.Newf(errs.Validation, "duplicate_id", "eigen %s already exists", e.ID)
	}
	if err := r.writeEigen(e, ""); err != nil {
		return nil, err
	}
	eigenCountGauge.Inc(1)
	r.log.Info("Eigen created", "id", e.ID, "owner", e.Owner, "class", e.Class, "status", e.Status)
	return e.Copy(), nil
}

// writeEigen persists e and maintains the owner and status indexes.
// prevStatus is the status currently indexed, "" for a fresh record.
func (r *Registry) writeEigen(e *Eigen, prevStatus Status) error {
	blob, err := json.Marshal(e)
	if err != nil {
		return err
	}
	batch := r.db.NewBatch()
	if err := batch.Put(eigenKey(e.ID), blob); err != nil {
		return err
	}
	if err := batch.Put(ownerIdxKey(e.Owner, e.ID), nil); err != nil {
		return err
	}
	if prevStatus != "" && prevStatus != e.Status {
		if err := batch.Delete(statusIdxKey(prevStatus, e.ID)); err != nil {
			return err
		}
	}
	if err := batch.Put(statusIdxKey(e.Status, e.ID), nil); err != nil {
		return err
	}
	return batch.Write()
}

func (r *Registry) readEigen(id string) (*Eigen, error) {
	blob, err := r.db.Get(eigenKey(id))
	if err != nil || len(blob) == 0 {
		return nil, ErrNotFound
	}
	e := new(Eigen)
	if err := json.Unmarshal(blob, e); err != nil {
		return nil, err
	}
	return e, nil
}

// Get returns a deep copy of the eigen.
func (r *Registry) Get(id string) (*Eigen, error) {
	defer func(start time.Time) { readTimer.Update(time.Since(start)) }(time.Now())
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	e, err := r.readEigen(id)
	if err != nil {
		return nil, err
	}
	return e.Copy(), nil
}

// Update applies fn to the eigen under its single-writer lock, verifies
// the balance invariant and persists the result. fn receives the live
// record; returning an error aborts without writing.
func (r *Registry) Update(id string, fn func(*Eigen) error) (*Eigen, error) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	e, err := r.readEigen(id)
	if err != nil {
		return nil, err
	}
	prev := e.Status
	if err := fn(e); err != nil {
		return nil, err
	}
	if err := e.CheckBalanceInvariant(); err != nil {
		invariantFailMark.Mark(1)
		r.log.Error("Balance invariant violated", "id", id, "err", err)
		// Persist the suspension so the violation is never silent, then
		// surface the invariant error to the caller.
		if !e.Status.Terminal() && e.Status != StatusSuspended {
			e.Status = StatusSuspended
			e.UpdatedAt = time.Now().UTC()
			_ = r.writeEigen(e, prev)
		}
		return nil, err
	}
	e.UpdatedAt = time.Now().UTC()
	if err := r.writeEigen(e, prev); err != nil {
		return nil, err
	}
	return e.Copy(), nil
}

// ListFilter selects eigens for List.
type ListFilter struct {
	Owner  *common.Address
	Status *Status
	Offset int
	Limit  int // 0 means no limit
}

// List returns eigens matching the filter, ordered by id.
func (r *Registry) List(f ListFilter) ([]*Eigen, error) {
	var ids []string
	switch {
	case f.Owner != nil:
		prefix := append(append([]byte{}, ownerIdxPrefix...), f.Owner.Bytes()...)
		it := r.db.NewIterator(prefix, nil)
		for it.Next() {
			ids = append(ids, string(it.Key()[len(prefix):]))
		}
		it.Release()
	case f.Status != nil:
		prefix := statusIdxRange(*f.Status)
		it := r.db.NewIterator(prefix, nil)
		for it.Next() {
			ids = append(ids, string(it.Key()[len(prefix):]))
		}
		it.Release()
	default:
		it := r.db.NewIterator(eigenPrefix, nil)
		for it.Next() {
			ids = append(ids, string(it.Key()[len(eigenPrefix):]))
		}
		it.Release()
	}
	var out []*Eigen
	for i, id := range ids {
		if i < f.Offset {
			continue
		}
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
		e, err := r.Get(id)
		if err != nil {
			continue
		}
		if f.Status != nil && e.Status != *f.Status {
			continue // index lag after a concurrent transition
		}
		out = append(out, e)
	}
	return out, nil
}

// Count returns the number of stored eigens.
func (r *Registry) Count() int {
	it := r.db.NewIterator(eigenPrefix, nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// TransitionStatus moves an eigen from → to, rejecting edges outside the
// status graph and any move out of a terminal state.
func (r *Registry) TransitionStatus(id string, from, to Status) (*Eigen, error) {
	e, err := r.Update(id, func(e *Eigen) error {
		if e.Status != from {
			if e.Status.Terminal() {
				return errs.Newf(errs.Validation, "terminal_state", "eigen %s is %s", id, e.Status)
			}
			return errs.Newf(errs.Validation, "bad_transition", "eigen %s is %s, not %s", id, e.Status, from)
		}
		if !CanTransition(from, to) {
			return errs.Newf(errs.Validation, "bad_transition", "%s -> %s not allowed", from, to)
		}
		e.Status = to
		if to == StatusTerminated || to == StatusClosed {
			now := time.Now().UTC()
			if e.Ended == nil {
				e.Ended = &now
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	transitionMeter.Mark(1)
	r.log.Info("Eigen status changed", "id", id, "from", from, "to", to)
	return e, nil
}

// UpdateConfig applies a bounds-checked partial update. It returns the
// updated eigen and whether anything changed; a no-op patch writes
// nothing (zero updatedAt drift).
func (r *Registry) UpdateConfig(id string, patch *ConfigPatch) (*Eigen, bool, error) {
	l := r.lock(id)
	l.Lock()
	defer l.Unlock()
	e, err := r.readEigen(id)
	if err != nil {
		return nil, false, err
	}
	if e.Status.Terminal() {
		return nil, false, errs.Newf(errs.Validation, "terminal_state", "eigen %s is %s", id, e.Status)
	}
	next := e.Config.Copy()
	changed := applyPatch(next, patch)
	newClass := e.Class
	if patch.Class != nil {
		c := params.Class(*patch.Class)
		if !c.Valid() {
			return nil, false, errs.Newf(errs.Validation, "bad_class", "unknown class %q", c)
		}
		if c != e.Class {
			if e.Status != StatusActive {
				return nil, false, errs.Newf(errs.Validation, "class_change_inactive", "class change requires an active eigen")
			}
			if !c.AtLeast(e.Class) {
				return nil, false, errs.Newf(errs.Validation, "class_downgrade", "class change only allowed upward")
			}
			newClass = c
			changed = true
		}
	}
	if patch.WalletCount != nil && *patch.WalletCount < e.Config.WalletCount {
		return nil, false, errs.Newf(errs.Validation, "config_out_of_range", "walletCount never decreases")
	}
	if !changed {
		return e.Copy(), false, nil
	}
	if err := next.Validate(); err != nil {
		return nil, false, err
	}
	e.Config = next
	e.Class = newClass
	e.UpdatedAt = time.Now().UTC()
	if err := r.writeEigen(e, e.Status); err != nil {
		return nil, false, err
	}
	return e.Copy(), true, nil
}

// Patched returns a validated copy of c with p applied, without storing
// anything. Purchase paths use this to reject a bad config before any
// payment is consumed.
func (c *Config) Patched(p *ConfigPatch) (*Config, error) {
	next := c.Copy()
	applyPatch(next, p)
	if err := next.Validate(); err != nil {
		return nil, err
	}
	return next, nil
}

func applyPatch(c *Config, p *ConfigPatch) bool {
	changed := false
	setF := func(dst *float64, src *float64) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}
	setF(&c.TradeFrequency, p.TradeFrequency)
	setF(&c.OrderSizePctMin, p.OrderSizePctMin)
	setF(&c.OrderSizePctMax, p.OrderSizePctMax)
	setF(&c.SpreadWidthPct, p.SpreadWidthPct)
	setF(&c.ProfitTargetPct, p.ProfitTargetPct)
	setF(&c.StopLossPct, p.StopLossPct)
	setF(&c.RebalanceRatio, p.RebalanceRatio)
	if p.OrderSizeMinWei != nil && c.OrderSizeMinWei.Int().Cmp(p.OrderSizeMinWei.Int()) != 0 {
		c.OrderSizeMinWei = NewWei(p.OrderSizeMinWei.Int())
		changed = true
	}
	if p.OrderSizeMaxWei != nil && c.OrderSizeMaxWei.Int().Cmp(p.OrderSizeMaxWei.Int()) != 0 {
		c.OrderSizeMaxWei = NewWei(p.OrderSizeMaxWei.Int())
		changed = true
	}
	if p.WalletCount != nil && c.WalletCount != *p.WalletCount {
		c.WalletCount = *p.WalletCount
		changed = true
	}
	if p.SlippageBps != nil && c.SlippageBps != *p.SlippageBps {
		c.SlippageBps = *p.SlippageBps
		changed = true
	}
	if p.ReactiveSell != nil && c.ReactiveSell != *p.ReactiveSell {
		c.ReactiveSell = *p.ReactiveSell
		changed = true
	}
	if p.ReactiveSellPct != nil && c.ReactiveSellPct != *p.ReactiveSellPct {
		c.ReactiveSellPct = *p.ReactiveSellPct
		changed = true
	}
	if p.StrategyPrompt != nil && c.StrategyPrompt != *p.StrategyPrompt {
		c.StrategyPrompt = *p.StrategyPrompt
		changed = true
	}
	return changed
}

// Fund credits a deposit to the eigen budget.
func (r *Registry) Fund(id string, amount *big.Int) (*Eigen, error) {
	if amount == nil || amount.Sign() <= 0 {
		return nil, errs.Newf(errs.Validation, "bad_amount", "funding amount must be positive")
	}
	return r.Update(id, func(e *Eigen) error {
		if e.Status.Terminal() {
			return errs.Newf(errs.Validation, "terminal_state", "eigen %s is %s", id, e.Status)
		}
		e.DepositedWei.Int().Add(e.DepositedWei.Int(), amount)
		e.BalanceWei.Int().Add(e.BalanceWei.Int(), amount)
		return nil
	})
}

// Reserve moves amount from the free balance to the in-flight reserve.
// It fails without writing when the free balance is short.
func (r *Registry) Reserve(id string, amount *big.Int) error {
	_, err := r.Update(id, func(e *Eigen) error {
		if e.BalanceWei.Int().Cmp(amount) < 0 {
			return errs.Newf(errs.Validation, "insufficient_balance", "eigen %s: balance %s < %s", id, e.BalanceWei, amount)
		}
		e.BalanceWei.Int().Sub(e.BalanceWei.Int(), amount)
		e.ReservedWei.Int().Add(e.ReservedWei.Int(), amount)
		return nil
	})
	return err
}

// Release returns amount from the reserve to the free balance.
func (r *Registry) Release(id string, amount *big.Int) error {
	_, err := r.Update(id, func(e *Eigen) error {
		if e.ReservedWei.Int().Cmp(amount) < 0 {
			return errs.Newf(errs.Invariant, "reserve_underflow", "eigen %s: reserved %s < release %s", id, e.ReservedWei, amount)
		}
		e.ReservedWei.Int().Sub(e.ReservedWei.Int(), amount)
		e.BalanceWei.Int().Add(e.BalanceWei.Int(), amount)
		return nil
	})
	return err
}

// AppendTrade appends a trade row to the eigen's log and returns its
// sequence number. The log is append-only; rows are later touched only
// through UpdateTrade to settle their status.
func (r *Registry) AppendTrade(t *Trade) (uint64, error) {
	l := r.lock(t.EigenID)
	l.Lock()
	defer l.Unlock()
	var seq uint64
	if blob, err := r.db.Get(tradeSeqKey(t.EigenID)); err == nil && len(blob) == 8 {
		seq = binary.BigEndian.Uint64(blob)
	}
	seq++
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	blob, err := json.Marshal(t)
	if err != nil {
		return 0, err
	}
	batch := r.db.NewBatch()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	if err := batch.Put(tradeSeqKey(t.EigenID), buf[:]); err != nil {
		return 0, err
	}
	if err := batch.Put(tradeKey(t.EigenID, seq), blob); err != nil {
		return 0, err
	}
	if err := batch.Write(); err != nil {
		return 0, err
	}
	tradeAppendMeter.Mark(1)
	return seq, nil
}

// UpdateTrade settles the row at seq (status, gas cost, revert reason).
func (r *Registry) UpdateTrade(eigenID string, seq uint64, fn func(*Trade)) error {
	l := r.lock(eigenID)
	l.Lock()
	defer l.Unlock()
	blob, err := r.db.Get(tradeKey(eigenID, seq))
	if err != nil || len(blob) == 0 {
		return ErrNotFound
	}
	t := new(Trade)
	if err := json.Unmarshal(blob, t); err != nil {
		return err
	}
	fn(t)
	blob, err = json.Marshal(t)
	if err != nil {
		return err
	}
	return r.db.Put(tradeKey(eigenID, seq), blob)
}

// Trades returns the eigen's trade log in commit order.
func (r *Registry) Trades(eigenID string, offset, limit int) ([]*Trade, error) {
	prefix := tradeRange(eigenID)
	it := r.db.NewIterator(prefix, nil)
	defer it.Release()
	var out []*Trade
	i := 0
	for it.Next() {
		if i < offset {
			i++
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		t := new(Trade)
		if err := json.Unmarshal(it.Value(), t); err != nil {
			return nil, err
		}
		out = append(out, t)
		i++
	}
	return out, nil
}

// PendingTrades reports whether the eigen has any submitted, unsettled
// trades. Terminal transitions require this to be false.
func (r *Registry) PendingTrades(eigenID string) (bool, error) {
	trades, err := r.Trades(eigenID, 0, 0)
	if err != nil {
		return false, err
	}
	for _, t := range trades {
		if t.Status == TradeSubmitted {
			return true, nil
		}
	}
	return false, nil
}

// --- payments ---

// PutPayment stores a fresh payment record. An existing record with the
// same id is returned unchanged together with errs code payment_replay.
func (r *Registry) PutPayment(p *Payment) (*Payment, error) {
	l := r.lock("payment:" + p.ID)
	l.Lock()
	defer l.Unlock()
	if blob, err := r.db.Get(paymentKey(p.ID)); err == nil && len(blob) > 0 {
		existing := new(Payment)
		if err := json.Unmarshal(blob, existing); err != nil {
			return nil, err
		}
		return existing, errs.Newf(errs.Payment, "payment_replay", "payment %s already recorded", p.ID)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	batch := r.db.NewBatch()
	if err := batch.Put(paymentKey(p.ID), blob); err != nil {
		return nil, err
	}
	if err := batch.Put(payerIdxKey(p.Payer, p.ID), nil); err != nil {
		return nil, err
	}
	if err := batch.Write(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPayment returns the stored payment.
func (r *Registry) GetPayment(id string) (*Payment, error) {
	blob, err := r.db.Get(paymentKey(id))
	if err != nil || len(blob) == 0 {
		return nil, ErrNotFound
	}
	p := new(Payment)
	if err := json.Unmarshal(blob, p); err != nil {
		return nil, err
	}
	return p, nil
}

// CASPayment atomically moves the payment from → to, applying mutate
// while the lock is held. A state mismatch fails with payment_state.
func (r *Registry) CASPayment(id string, from, to PaymentState, mutate func(*Payment)) (*Payment, error) {
	l := r.lock("payment:" + id)
	l.Lock()
	defer l.Unlock()
	p, err := r.GetPayment(id)
	if err != nil {
		return nil, err
	}
	if p.State != from {
		if p.State == PaymentConsumed {
			return p, errs.Newf(errs.Payment, "payment_consumed", "payment %s already consumed", id)
		}
		return p, errs.Newf(errs.Payment, "payment_state", "payment %s is %s, not %s", id, p.State, from)
	}
	p.State = to
	if mutate != nil {
		mutate(p)
	}
	blob, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	if err := r.db.Put(paymentKey(id), blob); err != nil {
		return nil, err
	}
	return p, nil
}

// SweepVerified returns verified-but-unconsumed payments older than ttl
// to failed, freeing the proof for a retry with a fresh signature.
func (r *Registry) SweepVerified(ttl time.Duration) int {
	it := r.db.NewIterator(paymentPrefix, nil)
	var stale []string
	cutoff := time.Now().UTC().Add(-ttl)
	for it.Next() {
		p := new(Payment)
		if err := json.Unmarshal(it.Value(), p); err != nil {
			continue
		}
		if p.State == PaymentVerified && !p.VerifiedAt.IsZero() && p.VerifiedAt.Before(cutoff) {
			stale = append(stale, p.ID)
		}
	}
	it.Release()
	n := 0
	for _, id := range stale {
		if _, err := r.CASPayment(id, PaymentVerified, PaymentFailed, nil); err == nil {
			n++
		}
	}
	if n > 0 {
		r.log.Debug("Expired unconsumed payments", "count", n, "ttl", ttl)
	}
	return n
}

// MarkAuthNonce records an ERC-3009 authorization nonce as seen. It
// returns false when the nonce was already recorded for the payer.
func (r *Registry) MarkAuthNonce(payer common.Address, nonce common.Hash) bool {
	key := authNonceKey(payer, nonce)
	if ok, _ := r.db.Has(key); ok {
		return false
	}
	_ = r.db.Put(key, nil)
	return true
}

// MarkEnrolSig records an API-key enrolment signature hash as seen; the
// same signed message presented twice is a replay.
func (r *Registry) MarkEnrolSig(sigHash common.Hash) bool {
	key := enrolSigKey(sigHash)
	if ok, _ := r.db.Has(key); ok {
		return false
	}
	_ = r.db.Put(key, nil)
	return true
}

// --- API keys ---

// PutKey stores a hashed API key record keyed by prefix.
func (r *Registry) PutKey(k *APIKey) error {
	blob, err := json.Marshal(k)
	if err != nil {
		return err
	}
	batch := r.db.NewBatch()
	if err := batch.Put(apiKeyKey(k.Prefix), blob); err != nil {
		return err
	}
	if err := batch.Put(keyOwnerIdxKey(k.Owner, k.Prefix), nil); err != nil {
		return err
	}
	return batch.Write()
}

// KeyByPrefix returns the stored key record.
func (r *Registry) KeyByPrefix(prefix string) (*APIKey, error) {
	blob, err := r.db.Get(apiKeyKey(prefix))
	if err != nil || len(blob) == 0 {
		return nil, ErrNotFound
	}
	k := new(APIKey)
	if err := json.Unmarshal(blob, k); err != nil {
		return nil, err
	}
	return k, nil
}

// KeysByOwner lists an owner's key records (hashed; no plaintext).
func (r *Registry) KeysByOwner(owner common.Address) ([]*APIKey, error) {
	prefix := append(append([]byte{}, keyOwnerPrefix...), owner.Bytes()...)
	it := r.db.NewIterator(prefix, nil)
	defer it.Release()
	var out []*APIKey
	for it.Next() {
		k, err := r.KeyByPrefix(string(it.Key()[len(prefix):]))
		if err != nil {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

// TouchKey updates the key's last-used timestamp.
func (r *Registry) TouchKey(prefix string) {
	k, err := r.KeyByPrefix(prefix)
	if err != nil {
		return
	}
	k.LastUsed = time.Now().UTC()
	_ = r.PutKey(k)
}

// RevokeKey marks the key revoked. Only the owner may revoke.
func (r *Registry) RevokeKey(owner common.Address, prefix string) error {
	k, err := r.KeyByPrefix(prefix)
	if err != nil {
		return err
	}
	if k.Owner != owner {
		return errs.Newf(errs.Auth, "ownership", "key %s not owned by %s", prefix, owner)
	}
	k.Revoked = true
	return r.PutKey(k)
}

// --- quote prices ---

// PutQuotePrice stores one hourly quote-token USD point.
func (r *Registry) PutQuotePrice(p *QuotePrice) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return r.db.Put(quotePriceKey(p.Token, p.Hour), blob)
}

// QuotePriceAt returns the most recent stored point at or before hour.
func (r *Registry) QuotePriceAt(token common.Address, hour int64) (*QuotePrice, error) {
	it := r.db.NewIterator(quotePriceRange(token), nil)
	defer it.Release()
	var best *QuotePrice
	for it.Next() {
		p := new(QuotePrice)
		if err := json.Unmarshal(it.Value(), p); err != nil {
			continue
		}
		if p.Hour <= hour && (best == nil || p.Hour > best.Hour) {
			best = p
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// PriceHistory returns stored points in [fromHour, toHour].
func (r *Registry) PriceHistory(token common.Address, fromHour, toHour int64) ([]*QuotePrice, error) {
	it := r.db.NewIterator(quotePriceRange(token), nil)
	defer it.Release()
	var out []*QuotePrice
	for it.Next() {
		p := new(QuotePrice)
		if err := json.Unmarshal(it.Value(), p); err != nil {
			continue
		}
		if p.Hour >= fromHour && p.Hour <= toHour {
			out = append(out, p)
		}
	}
	return out, nil
}

// --- metadata ---

// PutMeta stores an operator metadata blob (schema version, key-rotation
// marker).
func (r *Registry) PutMeta(name string, value []byte) error {
	return r.db.Put(metaKey(name), value)
}

// GetMeta reads an operator metadata blob.
func (r *Registry) GetMeta(name string) ([]byte, error) {
	blob, err := r.db.Get(metaKey(name))
	if err != nil || blob == nil {
		return nil, ErrNotFound
	}
	return blob, nil
}

// DeleteMeta removes an operator metadata blob.
func (r *Registry) DeleteMeta(name string) error {
	return r.db.Delete(metaKey(name))
}

// SchemaVersion is the current on-disk layout version.
const SchemaVersion uint64 = 1

const schemaVersionMeta = "schema-version"

// StoredVersion reads the layout version stamped into the database. A
// fresh database reports zero.
func (r *Registry) StoredVersion() (uint64, error) {
	blob, err := r.GetMeta(schemaVersionMeta)
	if err == ErrNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(blob) != 8 {
		return 0, errs.Newf(errs.Invariant, "bad_schema_version", "schema version blob has %d bytes, want 8", len(blob))
	}
	return binary.BigEndian.Uint64(blob), nil
}

// Migrate brings the database layout up to SchemaVersion and returns the
// version found on disk. Data written by a newer keeper is refused rather
// than rewritten.
func (r *Registry) Migrate() (uint64, error) {
	have, err := r.StoredVersion()
	if err != nil {
		return 0, err
	}
	if have > SchemaVersion {
		return have, errs.Newf(errs.Validation, "database_newer", "database schema %d is newer than this keeper's %d", have, SchemaVersion)
	}
	if have == SchemaVersion {
		return have, nil
	}
	// Layout upgrade steps slot in here, one per version bump. Version 1
	// is the first stamped layout, so a fresh or pre-stamp database only
	// needs the marker.
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], SchemaVersion)
	if err := r.PutMeta(schemaVersionMeta, buf[:]); err != nil {
		return have, err
	}
	r.log.Info("Database schema migrated", "from", have, "to", SchemaVersion)
	return have, nil
}

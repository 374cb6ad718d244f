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

package scheduler

import (
	"context"
	"math/big"
	"sync"

	"github.com/eigenswarm/keeper/chain"
	"github.com/eigenswarm/keeper/quote"
	"github.com/eigenswarm/keeper/registry"
	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/metrics"
)

var (
	ingestLogsMeter = metrics.NewRegisteredMeter("scheduler/ingest/logs", nil)
	ingestBuysMeter = metrics.NewRegisteredMeter("scheduler/ingest/buys", nil)
)

// ingestBackfill caps the first scan of a pool so a fresh eigen does not
// walk the whole chain history.
const ingestBackfill = 1000

// Ingestor observes pool Swap logs and attributes external buy volume
// per eigen, feeding the reactive-sell policy. One cursor per eigen
// tracks the last scanned block; each call scans [cursor+1, head].
type Ingestor struct {
	client *chain.Client
	log    log.Logger

	mu      sync.Mutex
	cursors map[string]uint64
}

// NewIngestor builds an Ingestor over the chain client.
func NewIngestor(client *chain.Client) *Ingestor {
	return &Ingestor{
		client:  client,
		cursors: make(map[string]uint64),
		log:     log.New("module", "ingest"),
	}
}

// Forget drops the cursor of a removed eigen.
func (in *Ingestor) Forget(eigenID string) {
	in.mu.Lock()
	delete(in.cursors, eigenID)
	in.mu.Unlock()
}

// ExternalBuys returns the quote-wei buy volume on the eigen's pool
// since the previous call, excluding swaps delivered to the eigen's own
// wallets. Pools without a log-emitting address (bonding curves, v4
// singletons) report zero; reactive selling needs a v3-style pool.
func (in *Ingestor) ExternalBuys(ctx context.Context, e *registry.Eigen, own []common.Address) (*big.Int, error) {
	total := new(big.Int)
	if e.Pool == nil || e.Pool.Version != registry.PoolV3 || e.Pool.Address == (common.Address{}) {
		return total, nil
	}
	head, err := in.client.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	in.mu.Lock()
	from, ok := in.cursors[e.ID]
	in.mu.Unlock()
	if !ok {
		from = 0
		if head > ingestBackfill {
			from = head - ingestBackfill
		}
	}
	if from >= head {
		return total, nil
	}

	swapTopic := quote.SwapEventABI.Events["Swap"].ID
	logs, err := in.client.GetLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from + 1),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{e.Pool.Address},
		Topics:    [][]common.Hash{{swapTopic}},
	})
	if err != nil {
		return nil, err
	}
	ingestLogsMeter.Mark(int64(len(logs)))

	ownSet := make(map[common.Address]bool, len(own))
	for _, a := range own {
		ownSet[a] = true
	}
	for _, lg := range logs {
		if len(lg.Topics) != 3 || len(lg.Data) < 64 {
			continue
		}
		recipient := common.BytesToAddress(lg.Topics[2].Bytes())
		if ownSet[recipient] {
			continue
		}
		amount0 := readInt256(lg.Data[:32])
		amount1 := readInt256(lg.Data[32:64])
		// A buy of the eigen token pays quote into the pool: the quote
		// side amount is positive, the token side negative.
		var tokenAmt, quoteAmt *big.Int
		if e.Pool.Token0 == e.Token {
			tokenAmt, quoteAmt = amount0, amount1
		} else {
			tokenAmt, quoteAmt = amount1, amount0
		}
		if tokenAmt.Sign() < 0 && quoteAmt.Sign() > 0 {
			total.Add(total, quoteAmt)
			ingestBuysMeter.Mark(1)
		}
	}

	in.mu.Lock()
	in.cursors[e.ID] = head
	in.mu.Unlock()
	if total.Sign() > 0 {
		in.log.Debug("External buys observed", "eigen", e.ID, "wei", total, "blocks", head-from)
	}
	return total, nil
}

// readInt256 decodes a 32-byte two's-complement word.
func readInt256(b []byte) *big.Int {
	v := new(big.Int).SetBytes(b)
	if b[0]&0x80 != 0 {
		mod := new(big.Int).Lsh(big.NewInt(1), 256)
		v.Sub(v, mod)
	}
	return v
}

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

package registry

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

// Database key layout. Records are JSON values under prefixed keys;
// indexes store empty values whose keys embed the indexed fields, so a
// prefix iteration enumerates them in order.
var (
	eigenPrefix      = []byte("es-eigen-")   // eigenPrefix + id -> Eigen
	ownerIdxPrefix   = []byte("es-owner-")   // + owner(20) + id -> nil
	statusIdxPrefix  = []byte("es-status-")  // + status + 0x00 + id -> nil
	tradePrefix      = []byte("es-trade-")   // + id + 0x00 + seq(8 BE) -> Trade
	tradeSeqPrefix   = []byte("es-tseq-")    // + id -> uint64 BE
	paymentPrefix    = []byte("es-pay-")     // + paymentId -> Payment
	payerIdxPrefix   = []byte("es-payer-")   // + payer(20) + paymentId -> nil
	apiKeyPrefix     = []byte("es-key-")     // + keyPrefix -> APIKey
	keyOwnerPrefix   = []byte("es-keyown-")  // + owner(20) + keyPrefix -> nil
	quotePricePrefix = []byte("es-quote-")   // + token(20) + hour(8 BE) -> QuotePrice
	metaPrefix       = []byte("es-meta-")    // + name -> opaque
	authNoncePrefix  = []byte("es-anonce-")  // + payer(20) + nonce(32) -> nil
	enrolSigPrefix   = []byte("es-enrol-")   // + sigHash(32) -> nil
)

func eigenKey(id string) []byte {
	return append(append([]byte{}, eigenPrefix...), id...)
}

func ownerIdxKey(owner common.Address, id string) []byte {
	key := append(append([]byte{}, ownerIdxPrefix...), owner.Bytes()...)
	return append(key, id...)
}

func statusIdxKey(status Status, id string) []byte {
	key := append(append([]byte{}, statusIdxPrefix...), string(status)...)
	key = append(key, 0x00)
	return append(key, id...)
}

func statusIdxRange(status Status) []byte {
	key := append(append([]byte{}, statusIdxPrefix...), string(status)...)
	return append(key, 0x00)
}

func tradeKey(id string, seq uint64) []byte {
	key := append(append([]byte{}, tradePrefix...), id...)
	key = append(key, 0x00)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}

func tradeRange(id string) []byte {
	key := append(append([]byte{}, tradePrefix...), id...)
	return append(key, 0x00)
}

func tradeSeqKey(id string) []byte {
	return append(append([]byte{}, tradeSeqPrefix...), id...)
}

func paymentKey(id string) []byte {
	return append(append([]byte{}, paymentPrefix...), id...)
}

func payerIdxKey(payer common.Address, paymentID string) []byte {
	key := append(append([]byte{}, payerIdxPrefix...), payer.Bytes()...)
	return append(key, paymentID...)
}

func apiKeyKey(prefix string) []byte {
	return append(append([]byte{}, apiKeyPrefix...), prefix...)
}

func keyOwnerIdxKey(owner common.Address, prefix string) []byte {
	key := append(append([]byte{}, keyOwnerPrefix...), owner.Bytes()...)
	return append(key, prefix...)
}

func quotePriceKey(token common.Address, hour int64) []byte {
	key := append(append([]byte{}, quotePricePrefix...), token.Bytes()...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(hour))
	return append(key, buf[:]...)
}

func quotePriceRange(token common.Address) []byte {
	return append(append([]byte{}, quotePricePrefix...), token.Bytes()...)
}

func metaKey(name string) []byte {
	return append(append([]byte{}, metaPrefix...), name...)
}

func authNonceKey(payer common.Address, nonce common.Hash) []byte {
	key := append(append([]byte{}, authNoncePrefix...), payer.Bytes()...)
	return append(key, nonce.Bytes()...)
}

func enrolSigKey(sigHash common.Hash) []byte {
	return append(append([]byte{}, enrolSigPrefix...), sigHash.Bytes()...)
}

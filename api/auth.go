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
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/registry"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// keyPrefixTag opens every issued key; the plaintext shape is
	// esk_<prefix>_<secret>.
	keyPrefixTag = "esk"

	// enrolWindow bounds the clock skew accepted on a signed enrolment.
	enrolWindow = 300 * time.Second
)

// mintKey draws a fresh API key. The plaintext is returned once; only
// its keccak hash is stored.
func mintKey(owner common.Address, label string, rateLimit int) (plaintext string, rec *registry.APIKey, err error) {
	var buf [20]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", nil, err
	}
	prefix := hex.EncodeToString(buf[:4])
	secret := hex.EncodeToString(buf[4:])
	plaintext = keyPrefixTag + "_" + prefix + "_" + secret
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	rec = &registry.APIKey{
		Prefix:    prefix,
		Hash:      crypto.Keccak256Hash([]byte(plaintext)),
		Owner:     owner,
		Label:     label,
		RateLimit: rateLimit,
		CreatedAt: time.Now().UTC(),
	}
	return plaintext, rec, nil
}

// authenticate resolves the X-API-Key header to a stored key record. A
// missing header yields (nil, nil): routes decide whether auth is
// mandatory.
func (s *Server) authenticate(r *http.Request) (*registry.APIKey, error) {
	header := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if header == "" {
		return nil, nil
	}
	parts := strings.Split(header, "_")
	if len(parts) != 3 || parts[0] != keyPrefixTag {
		return nil, errs.Newf(errs.Auth, "bad_api_key", "malformed API key")
	}
	rec, err := s.reg.KeyByPrefix(parts[1])
	if err != nil {
		return nil, errs.Newf(errs.Auth, "bad_api_key", "unknown API key")
	}
	if rec.Revoked {
		return nil, errs.Newf(errs.Auth, "bad_api_key", "API key revoked")
	}
	if crypto.Keccak256Hash([]byte(header)) != rec.Hash {
		return nil, errs.Newf(errs.Auth, "bad_api_key", "API key mismatch")
	}
	s.reg.TouchKey(rec.Prefix)
	return rec, nil
}

// requireAuth is authenticate with a mandatory result.
func (s *Server) requireAuth(r *http.Request) (*registry.APIKey, error) {
	key, err := s.authenticate(r)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errs.Newf(errs.Auth, "missing_api_key", "X-API-Key header required")
	}
	return key, nil
}

// enrolMessage is the exact text a wallet signs to enrol an API key.
// Changing it invalidates every client that builds the message itself.
func enrolMessage(addr common.Address, timestamp int64) string {
	return fmt.Sprintf("EigenSwarm Register\neigenId: agent-key\nowner: %s\ntimestamp: %d",
		strings.ToLower(addr.Hex()), timestamp)
}

// verifyEnrolment admits a signed key enrolment: an EIP-191 personal
// signature over the enrolment message, within the clock window, never
// seen before.
func (s *Server) verifyEnrolment(addr common.Address, timestamp int64, sigHex string) error {
	now := time.Now().Unix()
	if d := now - timestamp; d > int64(enrolWindow/time.Second) || d < -int64(enrolWindow/time.Second) {
		return errs.Newf(errs.Auth, "enrolment_expired", "timestamp %d outside the %s window", timestamp, enrolWindow)
	}
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return errs.Newf(errs.Auth, "bad_signature", "signature must be 65 hex bytes")
	}
	recSig := make([]byte, crypto.SignatureLength)
	copy(recSig, sig)
	if recSig[64] >= 27 {
		recSig[64] -= 27
	}
	hash := accounts.TextHash([]byte(enrolMessage(addr, timestamp)))
	pub, err := crypto.SigToPub(hash, recSig)
	if err != nil {
		return errs.New(errs.Auth, "bad_signature", err)
	}
	if signer := crypto.PubkeyToAddress(*pub); signer != addr {
		return errs.Newf(errs.Auth, "bad_signature", "signed by %s, not %s", signer, addr)
	}
	if !s.reg.MarkEnrolSig(crypto.Keccak256Hash(sig)) {
		return errs.Newf(errs.Auth, "enrolment_replay", "enrolment signature already used")
	}
	return nil
}

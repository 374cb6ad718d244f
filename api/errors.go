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
	"errors"
	"net/http"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/registry"
)

// errorBody is the uniform error envelope: a stable machine code plus a
// human message.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusFor maps the error taxonomy onto HTTP status codes. Codes are
// part of the contract; kinds carry the defaults.
func statusFor(err error) int {
	if errors.Is(err, registry.ErrNotFound) {
		return http.StatusNotFound
	}
	code := errs.CodeOf(err)
	switch code {
	case "not_found":
		return http.StatusNotFound
	case "terminal_state", "bad_transition", "duplicate_id", "payment_consumed", "payment_replay":
		return http.StatusConflict
	case "payment_required":
		return http.StatusPaymentRequired
	case "bad_api_key", "missing_api_key":
		return http.StatusUnauthorized
	case "rate_limited":
		return http.StatusTooManyRequests
	}
	switch errs.KindOf(err) {
	case errs.Validation:
		return http.StatusBadRequest
	case errs.Auth:
		return http.StatusForbidden
	case errs.Payment:
		return http.StatusPaymentRequired
	case errs.Upstream, errs.Revert:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorBody{Code: errs.CodeOf(err), Message: err.Error()})
}

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
	"net/http/httptest"
	"testing"

	"github.com/eigenswarm/keeper/errs"
	"github.com/eigenswarm/keeper/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{registry.ErrNotFound, http.StatusNotFound},
		{errs.Newf(errs.Validation, "terminal_state", "x"), http.StatusConflict},
		{errs.Newf(errs.Validation, "bad_transition", "x"), http.StatusConflict},
		{errs.Newf(errs.Payment, "payment_replay", "x"), http.StatusConflict},
		{errs.Newf(errs.Payment, "payment_required", "x"), http.StatusPaymentRequired},
		{errs.Newf(errs.Auth, "bad_api_key", "x"), http.StatusUnauthorized},
		{errs.Newf(errs.Auth, "missing_api_key", "x"), http.StatusUnauthorized},
		{errs.Newf(errs.Validation, "rate_limited", "x"), http.StatusTooManyRequests},
		{errs.Newf(errs.Validation, "config_out_of_range", "x"), http.StatusBadRequest},
		{errs.Newf(errs.Auth, "ownership", "x"), http.StatusForbidden},
		{errs.Newf(errs.Payment, "payment_rejected", "x"), http.StatusPaymentRequired},
		{errs.Newf(errs.Upstream, "rpc", "x"), http.StatusBadGateway},
		{errs.Newf(errs.Revert, "onchain", "x"), http.StatusBadGateway},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, statusFor(c.err), "error %v", c.err)
	}
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	writeError(w, errs.Newf(errs.Validation, "bad_amount", "amount must be positive"))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "bad_amount", body.Code)
	assert.Contains(t, body.Message, "amount must be positive")
}

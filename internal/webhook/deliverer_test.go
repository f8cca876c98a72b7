// gpufleet is a control-plane service for rented GPU compute instances.
// Copyright (C) 2025 The gpufleet authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package webhook

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gpufleet/pkg/fleet"
)

func newTestDeliverer(secret string) *Deliverer {
	d := New(5*time.Second, secret, zap.NewNop())
	d.baseDelay = time.Millisecond
	return d
}

func readyPayload() fleet.WebhookPayload {
	return fleet.WebhookPayload{
		Event:      fleet.WebhookEventReady,
		InstanceID: "i-1",
		UpstreamID: "u-1",
		Timestamp:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDeliverSignsBody(t *testing.T) {
	var gotSig, gotReqID string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotReqID = r.Header.Get("X-Request-Id")
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer("topsecret")
	outcome, err := d.Deliver(context.Background(), srv.URL, readyPayload(), map[string]string{"X-Custom": "1"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.NotEmpty(t, gotReqID)

	// The signature verifies against the exact bytes received.
	require.NotEmpty(t, gotSig)
	assert.True(t, hmac.Equal([]byte(gotSig), []byte("sha256="+Sign([]byte("topsecret"), gotBody))))

	var decoded fleet.WebhookPayload
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Equal(t, fleet.WebhookEventReady, decoded.Event)
}

func TestDeliverOmitsSignatureWithoutSecret(t *testing.T) {
	var sawSig bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawSig = r.Header.Get("X-Signature") != ""
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDeliverer("")
	outcome, err := d.Deliver(context.Background(), srv.URL, readyPayload(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.False(t, sawSig)
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer("s")
	outcome, err := d.Deliver(context.Background(), srv.URL, readyPayload(), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDeliverExhaustsRetriesAsRetryable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDeliverer("s")
	outcome, err := d.Deliver(context.Background(), srv.URL, readyPayload(), nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeRetryable, outcome)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDeliverTreatsClientErrorsAsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusGone)
	}))
	defer srv.Close()

	d := newTestDeliverer("s")
	outcome, err := d.Deliver(context.Background(), srv.URL, readyPayload(), nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeTerminal, outcome)
	assert.Equal(t, fleet.KindUpstream4xx, fleet.KindOf(err))
	// No retries after a 4xx.
	assert.EqualValues(t, 1, calls.Load())
}

func TestDeliverNetworkFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	d := newTestDeliverer("s")
	outcome, err := d.Deliver(context.Background(), srv.URL, readyPayload(), nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeRetryable, outcome)
	assert.Equal(t, fleet.KindNetwork, fleet.KindOf(err))
}

func TestDeliverAsUsesNamedSecret(t *testing.T) {
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDeliverer("default-secret")
	d.RegisterSecret("tenant-a", "tenant-a-secret")

	outcome, err := d.DeliverAs(context.Background(), srv.URL, readyPayload(), nil, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, "sha256="+Sign([]byte("tenant-a-secret"), gotBody), gotSig)

	// Unknown ids fall back to the default secret.
	outcome, err = d.DeliverAs(context.Background(), srv.URL, readyPayload(), nil, "no-such-id")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDelivered, outcome)
	assert.Equal(t, "sha256="+Sign([]byte("default-secret"), gotBody), gotSig)
}

func TestSignIsDeterministic(t *testing.T) {
	a := Sign([]byte("k"), []byte("body"))
	b := Sign([]byte("k"), []byte("body"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, Sign([]byte("other"), []byte("body")))
	assert.Len(t, a, 64)
}

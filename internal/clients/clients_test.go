package clients

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func TestSourceClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/listings", r.URL.Path)
		w.Write([]byte(`[{"id":"1"},{"Id":"2"}]`))
	}))
	defer srv.Close()

	c := NewSourceClient(zap.NewNop(), "local", srv.URL+"/api/listings")
	records, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "local", c.Name())
}

func TestSourceClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewSourceClient(zap.NewNop(), "local", srv.URL, WithRetries(3, time.Millisecond))
	records, err := c.Fetch(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, int32(3), calls.Load())
}

func TestSourceClient_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewSourceClient(zap.NewNop(), "external", srv.URL, WithRetries(5, time.Millisecond))
	_, err := c.Fetch(context.Background())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSourceClient_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewSourceClient(zap.NewNop(), "external", srv.URL, WithRetries(0, time.Millisecond))
	for i := 0; i < 3; i++ {
		_, err := c.Fetch(context.Background())
		require.Error(t, err)
	}
	_, err := c.Fetch(context.Background())
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(3), calls.Load())
}

func TestBidClient_PlaceBid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/bids", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"listingId":"42","amount":700}`, string(body))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"b-1"}`))
	}))
	defer srv.Close()

	c := NewBidClient(srv.URL, nil, nil)
	receipt, err := c.PlaceBid(context.Background(), "42", 700)
	require.NoError(t, err)
	assert.Equal(t, "b-1", receipt.ID)
}

func TestBidClient_PlaceBidWithoutReceiptID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	receipt, err := NewBidClient(srv.URL, nil, nil).PlaceBid(context.Background(), "42", 700)
	require.NoError(t, err)
	assert.NotEmpty(t, receipt.ID)
}

func TestBidClient_Rejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bid too low", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewBidClient(srv.URL, nil, nil).PlaceBid(context.Background(), "42", 1)
	assert.True(t, IsClientError(err))
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "bid too low", se.Body)
}

func TestBidClient_RateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewBidClient(srv.URL, nil, rate.NewLimiter(rate.Every(time.Hour), 1))
	_, err := c.PlaceBid(context.Background(), "1", 10)
	require.NoError(t, err)
	_, err = c.PlaceBid(context.Background(), "1", 20)
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestBidClient_AcceptAndList(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/bids/accept/b-9", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/api/bids/listing/42", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{
			{"Id": "b-9", "ListingId": "42", "Amount": 900},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewBidClient(srv.URL+"/", nil, nil)
	require.NoError(t, c.AcceptBid(context.Background(), "b-9"))

	bids, err := c.ListBids(context.Background(), "42")
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "b-9", bids[0].ID)
	assert.Equal(t, int64(900), bids[0].Amount)
}

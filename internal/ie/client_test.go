package ie

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"context"
)

func testClient(url string) *Client {
	return NewClient(Config{
		BaseURL:     url,
		APIKey:      "key",
		Timeout:     time.Second,
		MaxAttempts: 3,
		RetryBase:   time.Millisecond,
	})
}

func TestGetLocations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "key" {
			t.Fatal("missing api key")
		}
		if r.URL.Query().Get("modality") != "XR" {
			t.Fatalf("unexpected modality: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"locations": []Location{{ID: "L1", Name: "Downtown"}, {ID: "L2", Name: "North"}},
		})
	}))
	defer srv.Close()

	locs, err := testClient(srv.URL).GetLocations(context.Background(), "XR")
	if err != nil {
		t.Fatalf("get locations: %v", err)
	}
	if len(locs) != 2 || locs[0].ID != "L1" {
		t.Fatalf("unexpected locations: %+v", locs)
	}
}

func TestRequestSlotsCarriesCorrelationID(t *testing.T) {
	var got SlotRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := SlotRequest{
		ConversationID:  "conv-1",
		LocationID:      "L1",
		OrderIDs:        []string{"O1"},
		Modality:        "XR",
		DurationMinutes: 30,
		Patient:         Patient{MRN: "M123"},
	}
	if err := testClient(srv.URL).RequestSlots(context.Background(), req); err != nil {
		t.Fatalf("request slots: %v", err)
	}
	if got.ConversationID != "conv-1" || got.DurationMinutes != 30 {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestBookAppointmentIdempotencyKey(t *testing.T) {
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	req := BookingRequest{
		ConversationID: "conv-1",
		OrderIDs:       []string{"O3", "O1"},
		Slot:           Slot{SlotID: "S2"},
		Patient:        Patient{MRN: "M123"},
	}
	if err := testClient(srv.URL).BookAppointment(context.Background(), req); err != nil {
		t.Fatalf("book: %v", err)
	}
	if key != "conv-1:S2:O1,O3" {
		t.Fatalf("unexpected idempotency key: %s", key)
	}
}

func TestIdempotencyKeyStableAcrossOrderIDPermutations(t *testing.T) {
	a := BookingRequest{ConversationID: "c", OrderIDs: []string{"O2", "O1"}, Slot: Slot{SlotID: "S"}}
	b := BookingRequest{ConversationID: "c", OrderIDs: []string{"O1", "O2"}, Slot: Slot{SlotID: "S"}}
	if a.IdempotencyKey() != b.IdempotencyKey() {
		t.Fatalf("keys differ: %s vs %s", a.IdempotencyKey(), b.IdempotencyKey())
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	if err := testClient(srv.URL).RequestSlots(context.Background(), SlotRequest{ConversationID: "c"}); err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := testClient(srv.URL).RequestSlots(context.Background(), SlotRequest{ConversationID: "c"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("4xx must not retry, got %d attempts", calls)
	}
}

func TestRetryExhaustion(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	err := testClient(srv.URL).RequestSlots(context.Background(), SlotRequest{ConversationID: "c"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

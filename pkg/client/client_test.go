package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTransactions_EncodesQuery(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/transactions" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"data":[{"id":7,"cameraId":"cam-1","vehicleType":"Car","laneNo":2}]}`))
	}))
	defer srv.Close()

	lane := 2
	txs, err := New(srv.URL).Transactions(context.Background(), TransactionQuery{
		LaneNo: &lane,
		From:   time.Date(2025, 9, 22, 0, 0, 0, 0, time.UTC),
		Limit:  10,
	})
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(txs) != 1 || txs[0].ID != 7 || txs[0].VehicleType != "Car" {
		t.Errorf("Unexpected transactions %+v", txs)
	}
	for _, want := range []string{"lane=2", "limit=10", "from=2025-09-22T00%3A00%3A00Z"} {
		if !strings.Contains(gotQuery, want) {
			t.Errorf("Expected query to contain %s, got %s", want, gotQuery)
		}
	}
}

func TestRecordings(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"active":[{"id":"r1","laneNo":2,"videoPath":"/2/1758549787000.mp4","status":"running"}],"history":[]}}`))
	}))
	defer srv.Close()

	recs, err := New(srv.URL).Recordings(context.Background())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if len(recs.Active) != 1 || recs.Active[0].VideoPath != "/2/1758549787000.mp4" {
		t.Errorf("Unexpected recordings %+v", recs)
	}
}

func TestTaskStatus_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"task not found"}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).TaskStatus(context.Background(), "detect", "cam-1@2025-09-22T14:03:07Z")
	if err == nil || !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected 404 error, got %v", err)
	}
}

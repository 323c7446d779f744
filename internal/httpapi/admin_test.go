package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/relayd/api"
	"pkt.systems/relayd/internal/ledger"
	"pkt.systems/relayd/internal/storage"
)

// downBackend fails every operation with a transient error.
type downBackend struct{}

func (downBackend) Get(context.Context, string) (storage.Record, error) {
	return storage.Record{}, storage.NewTransientError(context.DeadlineExceeded)
}

func (downBackend) Put(context.Context, string, []byte, storage.PutOptions) (string, error) {
	return "", storage.NewTransientError(context.DeadlineExceeded)
}

func (downBackend) Delete(context.Context, string, string) error {
	return storage.NewTransientError(context.DeadlineExceeded)
}

func (downBackend) List(context.Context, string) ([]string, error) {
	return nil, storage.NewTransientError(context.DeadlineExceeded)
}

func (downBackend) Close() error { return nil }

func (e *env) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	e := newEnv(t, envOptions{})
	rec := e.get(t, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Store != "ok" {
		t.Fatalf("health %+v", resp)
	}
}

func TestHealthzDegradedStore(t *testing.T) {
	e := newEnv(t, envOptions{backend: downBackend{}})
	rec := e.get(t, "/healthz", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d", rec.Code)
	}
	var resp api.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "degraded" {
		t.Fatalf("health %+v", resp)
	}
}

// A store outage must not block transfers: rate limiting and deny
// listing fail open.
func TestStoreOutageFailsOpen(t *testing.T) {
	e := newEnv(t, envOptions{backend: downBackend{}})
	e.setATA(t, e.sender, true)
	e.setATA(t, e.recv, true)

	rec := e.post(t, "/v1/transfer", e.transferBody(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCongestionEndpoint(t *testing.T) {
	e := newEnv(t, envOptions{})
	rec := e.get(t, "/v1/congestion", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp api.CongestionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Tier != "low" || resp.PriorityFee == 0 || resp.ComputeBudget == 0 {
		t.Fatalf("congestion %+v", resp)
	}
}

func TestCongestionEndpointDegraded(t *testing.T) {
	e := newEnv(t, envOptions{})
	e.fake.PerfSamplesErr = ledger.ErrFakeUnavailable
	rec := e.get(t, "/v1/congestion", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var resp api.CongestionResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Tier != "medium" || !resp.Degraded {
		t.Fatalf("congestion %+v", resp)
	}
}

func TestDenyListAdminDisabled(t *testing.T) {
	e := newEnv(t, envOptions{})
	rec := e.get(t, "/v1/denylist", nil)
	if rec.Code != http.StatusNotImplemented {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestDenyListAdminFlow(t *testing.T) {
	e := newEnv(t, envOptions{adminToken: "s3cr3t"})
	auth := map[string]string{"Authorization": "Bearer s3cr3t"}

	if rec := e.get(t, "/v1/denylist", map[string]string{"Authorization": "Bearer wrong"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status %d", rec.Code)
	}

	addBody, _ := json.Marshal(api.DenyListAddRequest{Address: "Addr1111", Reason: "fraud"})
	req := httptest.NewRequest(http.MethodPost, "/v1/denylist", bytes.NewReader(addBody))
	req.Header.Set("Authorization", "Bearer s3cr3t")
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status %d: %s", rec.Code, rec.Body.String())
	}

	list := e.get(t, "/v1/denylist", auth)
	if list.Code != http.StatusOK {
		t.Fatalf("list status %d", list.Code)
	}
	var resp api.DenyListResponse
	if err := json.Unmarshal(list.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].Address != "Addr1111" || resp.Entries[0].Reason != "fraud" {
		t.Fatalf("entries %+v", resp.Entries)
	}

	del := httptest.NewRequest(http.MethodDelete, "/v1/denylist/Addr1111", nil)
	del.Header.Set("Authorization", "Bearer s3cr3t")
	delRec := httptest.NewRecorder()
	e.mux.ServeHTTP(delRec, del)
	if delRec.Code != http.StatusNoContent {
		t.Fatalf("delete status %d: %s", delRec.Code, delRec.Body.String())
	}

	list = e.get(t, "/v1/denylist", auth)
	var after api.DenyListResponse
	if err := json.Unmarshal(list.Body.Bytes(), &after); err != nil {
		t.Fatal(err)
	}
	if len(after.Entries) != 0 {
		t.Fatalf("entries after delete %+v", after.Entries)
	}
}

package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/query"
	"CoverLedger/internal/server"
)

const tok = fpmath.TokenScale

// directSubmitter applies events synchronously; the single-writer loop is
// not needed for handler tests.
type directSubmitter struct {
	engine *core.Engine
}

func (d *directSubmitter) Submit(_ context.Context, evt event.Event) (core.Result, error) {
	return d.engine.ProcessEvent(evt)
}

func newTestServer(t *testing.T) (*httptest.Server, *ledger.Store) {
	t.Helper()
	store := ledger.NewStore()
	engine := core.NewEngine(0, store, nil, nil, nil, nil)
	queries := query.NewQueryService(nil, store, engine)
	srv := server.NewServer(&directSubmitter{engine: engine}, queries, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, body interface{}, admin string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if admin != "" {
		req.Header.Set("X-Admin-Identity", admin)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

// ============================================================
// Reserve endpoints
// ============================================================

func TestHTTP_StakeAndGetReserve(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, "POST", ts.URL+"/v1/stake", map[string]interface{}{
		"address": "0xalice", "amount": 100 * tok,
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("stake status = %d", resp.StatusCode)
	}

	resp, body := doJSON(t, "GET", ts.URL+"/v1/reserve", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reserve status = %d", resp.StatusCode)
	}
	if got := int64(body["total_funds"].(float64)); got != 100*tok {
		t.Fatalf("total_funds = %d", got)
	}
	if got := int64(body["total_stakers"].(float64)); got != 1 {
		t.Fatalf("total_stakers = %d", got)
	}
}

func TestHTTP_StakeInvalidAmount(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, "POST", ts.URL+"/v1/stake", map[string]interface{}{
		"address": "0xalice", "amount": -5,
	}, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "INVALID_AMOUNT" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestHTTP_UnstakeInsufficient(t *testing.T) {
	ts, _ := newTestServer(t)

	doJSON(t, "POST", ts.URL+"/v1/stake", map[string]interface{}{
		"address": "0xalice", "amount": 10 * tok,
	}, "")

	resp, body := doJSON(t, "POST", ts.URL+"/v1/unstake", map[string]interface{}{
		"address": "0xalice", "amount": 20 * tok,
	}, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "INSUFFICIENT_STAKE" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestHTTP_GetUserNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, "GET", ts.URL+"/v1/users/0xghost", nil, "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestHTTP_YieldRateRequiresAdmin(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, "PUT", ts.URL+"/v1/reserve/yield-rate", map[string]interface{}{
		"rate_bps": 200,
	}, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, "PUT", ts.URL+"/v1/reserve/yield-rate", map[string]interface{}{
		"rate_bps": 200,
	}, "0xadmin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

// ============================================================
// Idempotent retries
// ============================================================

func TestHTTP_DuplicateRequestID(t *testing.T) {
	ts, store := newTestServer(t)

	body := map[string]interface{}{
		"request_id": "550e8400-e29b-41d4-a716-446655440000",
		"address":    "0xalice",
		"amount":     50 * tok,
	}

	resp, _ := doJSON(t, "POST", ts.URL+"/v1/stake", body, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("first status = %d", resp.StatusCode)
	}

	resp, decoded := doJSON(t, "POST", ts.URL+"/v1/stake", body, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("replay status = %d, want 200", resp.StatusCode)
	}
	if decoded["Duplicate"] != true {
		t.Fatalf("replay not flagged duplicate: %v", decoded)
	}

	acc, err := store.GetAccount("0xalice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Stake != 50*tok {
		t.Fatalf("stake = %d after replay, want %d", acc.Stake, 50*tok)
	}
}

// ============================================================
// Policy and claim flow
// ============================================================

func TestHTTP_PolicyClaimLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	doJSON(t, "POST", ts.URL+"/v1/stake", map[string]interface{}{
		"address": "0xfunder", "amount": 1000 * tok,
	}, "")

	resp, created := doJSON(t, "POST", ts.URL+"/v1/policies", map[string]interface{}{
		"creator":         "0xinsurer",
		"coverage_amount": 500 * tok,
		"premium_amount":  20 * tok,
		"payout_amount":   400 * tok,
		"term_days":       30,
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create policy status = %d", resp.StatusCode)
	}
	policyID := int64(created["ID"].(float64))
	if policyID == 0 {
		t.Fatal("no policy id returned")
	}

	base := fmt.Sprintf("%s/v1/policies/%d", ts.URL, policyID)
	if resp, _ := doJSON(t, "POST", base+"/activate", nil, "0xadmin"); resp.StatusCode != http.StatusCreated {
		t.Fatalf("activate status = %d", resp.StatusCode)
	}
	if resp, _ := doJSON(t, "POST", base+"/premium", map[string]interface{}{
		"payer": "0xcustomer", "amount": 20 * tok,
	}, ""); resp.StatusCode != http.StatusCreated {
		t.Fatalf("premium status = %d", resp.StatusCode)
	}

	resp, claim := doJSON(t, "POST", ts.URL+"/v1/claims", map[string]interface{}{
		"user": "0xcustomer", "policy_id": policyID, "amount": 400 * tok,
		"evidence_hash": "sha256:abc",
	}, "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit claim status = %d", resp.StatusCode)
	}
	claimID := int64(claim["ID"].(float64))

	claimBase := fmt.Sprintf("%s/v1/claims/%d", ts.URL, claimID)
	resp, processed := doJSON(t, "POST", claimBase+"/process", map[string]interface{}{
		"approved": true, "external_data_hash": "sha256:oracle",
	}, "0xadmin")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("process status = %d", resp.StatusCode)
	}
	if processed["Status"] != "APPROVED" {
		t.Fatalf("status = %v, want APPROVED", processed["Status"])
	}

	resp, paid := doJSON(t, "POST", claimBase+"/payout", nil, "0xadmin")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("payout status = %d", resp.StatusCode)
	}
	if got := int64(paid["Amount"].(float64)); got != 400*tok {
		t.Fatalf("payout amount = %d", got)
	}

	resp, got := doJSON(t, "GET", claimBase, nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get claim status = %d", resp.StatusCode)
	}
	if got["status"] != "PAID" {
		t.Fatalf("claim status = %v, want PAID", got["status"])
	}

	// settle twice: distinct request, terminal state
	resp, body := doJSON(t, "POST", claimBase+"/payout", nil, "0xadmin")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second payout status = %d, want 409", resp.StatusCode)
	}
	if body["code"] != "ALREADY_SETTLED" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestHTTP_BadPathID(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, "GET", ts.URL+"/v1/policies/banana", nil, "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if body["code"] != "INVALID_ID" {
		t.Fatalf("code = %v", body["code"])
	}
}

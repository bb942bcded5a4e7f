package server

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	stripe "github.com/stripe/stripe-go/v82"

	billingstripe "github.com/mwinters/roadlog/internal/billing/stripe"
	"github.com/mwinters/roadlog/internal/model"
	"github.com/mwinters/roadlog/internal/protocol"
	"github.com/mwinters/roadlog/internal/server/database"
	"github.com/mwinters/roadlog/internal/server/store"
)

const testSecret = "test-secret"
const testPairingCode = "424242"
const testWebhookSecret = "whsec_test"

func setupServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "server.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := New(db, Config{
		TokenSecret: testSecret,
		PairingCode: testPairingCode,
		Stripe:      billingstripe.Config{WebhookSecret: testWebhookSecret},
	}, logger)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return srv, ts
}

// pairDevice walks the real pairing flow and returns a usable token.
func pairDevice(t *testing.T, srv *Server, ts *httptest.Server, email string) (int64, string) {
	t.Helper()

	acct, err := store.NewAccountStore(srv.db).Create(email)
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	now := time.Now().UTC()
	if _, err := srv.subscriptions.CreateTrial(acct.ID, now, now.Add(14*24*time.Hour)); err != nil {
		t.Fatalf("create trial: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"account_id": acct.ID, "pairing_code": testPairingCode})
	resp, err := http.Post(ts.URL+"/v1/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pair status = %d, want 200", resp.StatusCode)
	}
	var pr struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		t.Fatalf("decode pair response: %v", err)
	}
	if pr.Token == "" {
		t.Fatal("empty token")
	}
	return acct.ID, pr.Token
}

func doSync(t *testing.T, ts *httptest.Server, token string, req protocol.SyncRequest) (*http.Response, *protocol.SyncResponse) {
	t.Helper()
	body, _ := json.Marshal(req)
	httpReq, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/sync", bytes.NewReader(body))
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		t.Fatalf("sync request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		return resp, nil
	}
	var sr protocol.SyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		t.Fatalf("decode sync response: %v", err)
	}
	return resp, &sr
}

func TestSyncRequiresAuth(t *testing.T) {
	_, ts := setupServer(t)

	resp, err := http.Post(ts.URL+"/v1/sync", "application/json", bytes.NewReader([]byte(`{}`)))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestPairRejectsWrongCode(t *testing.T) {
	srv, ts := setupServer(t)
	acct, err := store.NewAccountStore(srv.db).Create("wrong@example.com")
	if err != nil {
		t.Fatalf("create account: %v", err)
	}

	body, _ := json.Marshal(map[string]any{"account_id": acct.ID, "pairing_code": "000000"})
	resp, err := http.Post(ts.URL+"/v1/pair", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("pair: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestReconcileAppliesAndEchoesServerTime(t *testing.T) {
	srv, ts := setupServer(t)
	_, token := pairDevice(t, srv, ts, "device@example.com")

	resp, sr := doSync(t, ts, token, protocol.SyncRequest{
		Mutations: []protocol.Mutation{{
			ID:         "m-1",
			EntityType: model.EntityTrip,
			EntityID:   "trip-1",
			Action:     model.ActionCreate,
			Payload:    json.RawMessage(`{"odometer_start":100}`),
			CreatedAt:  time.Now().UTC(),
		}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	// Every authenticated response carries the clock anchor header.
	if _, err := time.Parse(time.RFC3339Nano, resp.Header.Get(protocol.ServerTimeHeader)); err != nil {
		t.Errorf("bad %s header %q: %v", protocol.ServerTimeHeader, resp.Header.Get(protocol.ServerTimeHeader), err)
	}

	if len(sr.Outcomes) != 1 || sr.Outcomes[0].Status != protocol.OutcomeApplied {
		t.Fatalf("outcomes = %+v, want one applied", sr.Outcomes)
	}
	if sr.SyncedAt.IsZero() {
		t.Error("synced_at should be set")
	}

	// The push is visible in the next pull from a zero cursor.
	_, again := doSync(t, ts, token, protocol.SyncRequest{})
	found := false
	for _, d := range again.Deltas {
		if d.EntityType == model.EntityTrip && d.EntityID == "trip-1" {
			found = true
		}
	}
	if !found {
		t.Errorf("pushed trip missing from pull deltas: %+v", again.Deltas)
	}

	// Advancing the cursor to SyncedAt drains the pull.
	_, drained := doSync(t, ts, token, protocol.SyncRequest{LastSyncedAt: again.SyncedAt})
	if len(drained.Deltas) != 0 {
		t.Errorf("deltas after cursor advance = %+v, want none", drained.Deltas)
	}
}

func TestReconcileRejectsServerOwnedEntities(t *testing.T) {
	srv, ts := setupServer(t)
	_, token := pairDevice(t, srv, ts, "sneaky@example.com")

	_, sr := doSync(t, ts, token, protocol.SyncRequest{
		Mutations: []protocol.Mutation{
			{
				ID:         "m-sub",
				EntityType: model.EntitySubscription,
				EntityID:   "1",
				Action:     model.ActionCreate,
				Payload:    json.RawMessage(`{"type":"lifetime"}`),
			},
			{
				ID:         "m-trip",
				EntityType: model.EntityTrip,
				EntityID:   "trip-ok",
				Action:     model.ActionCreate,
				Payload:    json.RawMessage(`{"odometer_start":5}`),
			},
		},
	})

	byID := make(map[string]protocol.MutationOutcome)
	for _, o := range sr.Outcomes {
		byID[o.MutationID] = o
	}
	if byID["m-sub"].Status != protocol.OutcomeRejected {
		t.Errorf("subscription push = %+v, want rejected", byID["m-sub"])
	}
	if byID["m-trip"].Status != protocol.OutcomeApplied {
		t.Errorf("trip push = %+v, want applied", byID["m-trip"])
	}
}

func TestReconcileScopesDeltasToAccount(t *testing.T) {
	srv, ts := setupServer(t)
	_, tokenA := pairDevice(t, srv, ts, "a@example.com")
	_, tokenB := pairDevice(t, srv, ts, "b@example.com")

	doSync(t, ts, tokenA, protocol.SyncRequest{
		Mutations: []protocol.Mutation{{
			ID:         "m-a",
			EntityType: model.EntityTrip,
			EntityID:   "trip-a",
			Action:     model.ActionCreate,
			Payload:    json.RawMessage(`{}`),
		}},
	})

	_, sr := doSync(t, ts, tokenB, protocol.SyncRequest{})
	for _, d := range sr.Deltas {
		if d.EntityID == "trip-a" {
			t.Fatal("account B pulled account A's trip")
		}
	}
}

func TestLicenseAssignEndpoint(t *testing.T) {
	srv, ts := setupServer(t)
	accountID, token := pairDevice(t, srv, ts, "seat@example.com")

	pro, err := store.NewProAccountStore(srv.db).Create("Fleet Co")
	if err != nil {
		t.Fatalf("create pro account: %v", err)
	}
	lic, err := store.NewLicenseStore(srv.db).Create(pro.ID, false)
	if err != nil {
		t.Fatalf("create license: %v", err)
	}

	body, _ := json.Marshal(protocol.LicenseRequest{LicenseID: lic.ID, AccountID: accountID})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/v1/licenses/assign", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var lr protocol.LicenseResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if lr.Outcome != protocol.LicenseAssigned {
		t.Fatalf("outcome = %q, want %q", lr.Outcome, protocol.LicenseAssigned)
	}
	if lr.License == nil || lr.License.LinkedAccountID == nil || *lr.License.LinkedAccountID != accountID {
		t.Fatalf("license = %+v, want linked to %d", lr.License, accountID)
	}
}

// stripeSignature computes the v1 signature scheme Stripe puts in the
// Stripe-Signature header.
func stripeSignature(payload []byte, secret string, at time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", at.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func billingEventCount(t *testing.T, srv *Server) int {
	t.Helper()
	var n int
	if err := srv.db.QueryRow(`SELECT COUNT(*) FROM billing_events`).Scan(&n); err != nil {
		t.Fatalf("count billing events: %v", err)
	}
	return n
}

func TestStripeWebhookRejectsBadSignature(t *testing.T) {
	srv, ts := setupServer(t)

	payload := []byte(`{"id":"evt_forged","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)

	for name, sig := range map[string]string{
		"missing header": "",
		"garbage":        "t=1,v1=deadbeef",
		"wrong secret":   stripeSignature(payload, "whsec_other", time.Now()),
		"stale":          stripeSignature(payload, testWebhookSecret, time.Now().Add(-24*time.Hour)),
	} {
		req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/stripe", bytes.NewReader(payload))
		req.Header.Set("Stripe-Signature", sig)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}

	if n := billingEventCount(t, srv); n != 0 {
		t.Fatalf("billing events recorded = %d, want 0: rejected deliveries must not transition state", n)
	}
}

func TestStripeWebhookAppliesSignedEvent(t *testing.T) {
	srv, ts := setupServer(t)
	accountID, _ := pairDevice(t, srv, ts, "payer@example.com")

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	payload := fmt.Sprintf(
		`{"id":"evt_1","api_version":%q,"type":"invoice.paid","data":{"object":{"id":"in_1","period_end":%d,"metadata":{"account_id":"%d"}}}}`,
		stripe.APIVersion, periodEnd.Unix(), accountID,
	)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/webhooks/stripe", bytes.NewReader([]byte(payload)))
	req.Header.Set("Stripe-Signature", stripeSignature([]byte(payload), testWebhookSecret, time.Now()))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("webhook: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	sub, err := srv.subscriptions.GetByAccountID(accountID)
	if err != nil {
		t.Fatalf("get subscription: %v", err)
	}
	if sub.Type != model.SubscriptionPremium {
		t.Errorf("subscription type = %q, want %q", sub.Type, model.SubscriptionPremium)
	}
	if sub.ExpiresAt == nil || sub.ExpiresAt.Unix() != periodEnd.Unix() {
		t.Errorf("expires at = %v, want %v", sub.ExpiresAt, periodEnd)
	}
	if n := billingEventCount(t, srv); n != 1 {
		t.Errorf("billing events recorded = %d, want 1", n)
	}
}

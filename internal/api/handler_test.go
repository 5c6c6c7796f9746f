package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"xmrgate/internal/gateway"
	"xmrgate/internal/invoice"
	"xmrgate/internal/logging"
	"xmrgate/internal/subscriber"
)

func TestMain(m *testing.M) {
	logging.Logger().SetOutput(io.Discard)
	os.Exit(m.Run())
}

// Test mocks

type mockGateway struct {
	mu       sync.Mutex
	invoices map[string]*invoice.Invoice
	registry *subscriber.Registry
	height   uint64
	minor    uint32
	err      error
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		invoices: make(map[string]*invoice.Invoice),
		registry: subscriber.NewRegistry(4),
		height:   100,
	}
}

func (m *mockGateway) NewInvoice(ctx context.Context, req gateway.InvoiceRequest) (*invoice.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	if req.Amount == 0 {
		return nil, &gateway.Error{Kind: gateway.KindValidation, Err: gateway.ErrInvalidRequest}
	}
	m.minor++
	inv := invoice.New(invoice.NewID(invoice.SubIndex{Minor: m.minor}), req.Amount, req.ConfirmationsRequired, m.height, req.ExpiresIn)
	inv.Address = fmt.Sprintf("addr-%d", m.minor)
	inv.Description = req.Description
	m.invoices[inv.ID.String()] = inv
	return inv.Clone(), nil
}

func (m *mockGateway) GetInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id.String()]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindStorage, Err: gateway.ErrNotFound}
	}
	return inv.Clone(), nil
}

func (m *mockGateway) RemoveInvoice(ctx context.Context, id invoice.ID) (*invoice.Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id.String()]
	if !ok {
		return nil, &gateway.Error{Kind: gateway.KindStorage, Err: gateway.ErrNotFound}
	}
	if !inv.IsTerminal() {
		return nil, &gateway.Error{Kind: gateway.KindValidation, Err: gateway.ErrNotTerminal}
	}
	delete(m.invoices, id.String())
	return inv, nil
}

func (m *mockGateway) Subscribe(ctx context.Context, id invoice.ID) (*subscriber.Subscriber, error) {
	if _, err := m.GetInvoice(ctx, id); err != nil {
		return nil, err
	}
	return m.registry.Subscribe(id), nil
}

func (m *mockGateway) Status(ctx context.Context) (gateway.Status, error) {
	if m.err != nil {
		return gateway.Status{}, m.err
	}
	return gateway.Status{ScanHeight: m.height, DaemonHeight: m.height, Running: true, Subscribers: m.registry.Len()}, nil
}

// advance moves every invoice to height and publishes it.
func (m *mockGateway) advance(height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.height = height
	for _, inv := range m.invoices {
		inv.Advance(height)
		m.registry.Publish(inv)
	}
}

func (m *mockGateway) pay(id string, amount, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv := m.invoices[id]
	inv.Credit(invoice.Credit{TxHash: fmt.Sprintf("tx-%d", height), Height: height, Amount: amount})
	m.registry.Publish(inv)
}

func setupTestHandler() (*Handler, *mockGateway) {
	gw := newMockGateway()
	return NewHandler(gw, Options{MaxWait: time.Second}, nil), gw
}

func createInvoice(t *testing.T, handler http.Handler, ip, body string) (*InvoiceResponse, int) {
	t.Helper()

	req := httptest.NewRequest("POST", "/api/invoice", bytes.NewBufferString(body))
	req.RemoteAddr = ip + ":12345"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		return nil, rec.Code
	}
	var resp InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return &resp, rec.Code
}

func TestHandler_CreateInvoice(t *testing.T) {
	handler, gw := setupTestHandler()

	resp, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1.5","confirmations":2,"expires_in":50,"description":"order 7"}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}

	if resp.Amount != "1.5" {
		t.Errorf("expected amount 1.5, got %q", resp.Amount)
	}
	if resp.AmountPaid != "0" {
		t.Errorf("expected amount_paid 0, got %q", resp.AmountPaid)
	}
	if resp.State != "pending" {
		t.Errorf("expected pending, got %q", resp.State)
	}
	if resp.ConfirmationsRequired != 2 {
		t.Errorf("expected 2 confirmations, got %d", resp.ConfirmationsRequired)
	}
	if resp.ExpirationHeight != 150 || resp.ExpiresIn != 50 {
		t.Errorf("expected expiry at 150 (50 left), got %d (%d left)", resp.ExpirationHeight, resp.ExpiresIn)
	}
	if resp.Address == "" || resp.Description != "order 7" {
		t.Errorf("unexpected address/description: %q %q", resp.Address, resp.Description)
	}

	id, err := invoice.ParseID(resp.ID)
	if err != nil {
		t.Fatalf("invalid id %q: %v", resp.ID, err)
	}
	stored, err := gw.GetInvoice(context.Background(), id)
	if err != nil {
		t.Fatalf("invoice not stored: %v", err)
	}
	if stored.Amount != 3*invoice.PiconeroPerXMR/2 {
		t.Errorf("expected 1.5 XMR in piconero, got %d", stored.Amount)
	}
}

func TestHandler_CreateInvoice_Defaults(t *testing.T) {
	handler, _ := setupTestHandler()

	resp, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"0.01"}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if resp.ConfirmationsRequired != DefaultConfirmations {
		t.Errorf("expected %d confirmations, got %d", DefaultConfirmations, resp.ConfirmationsRequired)
	}
	if resp.ExpiresIn != DefaultExpiresIn {
		t.Errorf("expected %d blocks to expiry, got %d", DefaultExpiresIn, resp.ExpiresIn)
	}

	// Zero confirmations is an explicit choice, not a missing field.
	resp, code = createInvoice(t, handler, "192.168.1.1", `{"amount":"0.01","confirmations":0}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if resp.ConfirmationsRequired != 0 {
		t.Errorf("expected 0 confirmations, got %d", resp.ConfirmationsRequired)
	}
}

func TestHandler_CreateInvoice_BadRequest(t *testing.T) {
	handler, _ := setupTestHandler()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"amount":`},
		{"missing amount", `{}`},
		{"negative amount", `{"amount":"-1"}`},
		{"too precise", `{"amount":"0.0000000000001"}`},
		{"zero amount", `{"amount":"0"}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, code := createInvoice(t, handler, "192.168.1.1", tc.body)
			if code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", code)
			}
		})
	}
}

func TestHandler_CreateInvoice_GatewayFailure(t *testing.T) {
	handler, gw := setupTestHandler()
	gw.err = &gateway.Error{Kind: gateway.KindStorage, Err: errors.New("disk full")}

	_, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1"}`)
	if code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", code)
	}
}

func TestHandler_GetInvoice(t *testing.T) {
	handler, gw := setupTestHandler()
	created, _ := createInvoice(t, handler, "192.168.1.1", `{"amount":"1","confirmations":1}`)

	gw.pay(created.ID, invoice.PiconeroPerXMR, 101)
	gw.advance(101)

	req := httptest.NewRequest("GET", "/api/invoice/"+created.ID, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp InvoiceResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.State != "confirmed" {
		t.Errorf("expected confirmed, got %q", resp.State)
	}
	if resp.AmountPaid != "1" || resp.Confirmations != 1 {
		t.Errorf("expected 1 XMR with 1 confirmation, got %s with %d", resp.AmountPaid, resp.Confirmations)
	}
}

func TestHandler_GetInvoice_NotFound(t *testing.T) {
	handler, _ := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/invoice/0-1-missing", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_InvalidInvoiceID(t *testing.T) {
	handler, _ := setupTestHandler()

	ids := []string{"abc", "1-x-abc", "1-2-", "-1-2-abc"}
	for _, id := range ids {
		for _, path := range []string{"/api/invoice/" + id, "/api/invoice/" + id + "/update"} {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("%s: expected 400, got %d", path, rec.Code)
			}
		}
	}
}

func TestHandler_Update(t *testing.T) {
	handler, gw := setupTestHandler()
	created, _ := createInvoice(t, handler, "192.168.1.1", `{"amount":"1","confirmations":3}`)

	t.Run("delivers next change", func(t *testing.T) {
		go func() {
			// Wait until the handler has subscribed.
			for gw.registry.Len() == 0 {
				time.Sleep(time.Millisecond)
			}
			gw.pay(created.ID, invoice.PiconeroPerXMR/2, 101)
		}()

		req := httptest.NewRequest("GET", "/api/invoice/"+created.ID+"/update?wait=5s", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var resp InvoiceResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.State != "partially_paid" || resp.AmountPaid != "0.5" {
			t.Errorf("expected partially_paid 0.5, got %s %s", resp.State, resp.AmountPaid)
		}
		if gw.registry.Len() != 0 {
			t.Errorf("expected subscription to be released, %d left", gw.registry.Len())
		}
	})

	t.Run("times out with no content", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoice/"+created.ID+"/update?wait=20ms", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	})

	t.Run("invalid wait", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoice/"+created.ID+"/update?wait=soon", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("unknown invoice", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/invoice/0-99-missing/update", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("registry closed", func(t *testing.T) {
		gw.registry.Close()
		req := httptest.NewRequest("GET", "/api/invoice/"+created.ID+"/update", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusServiceUnavailable {
			t.Errorf("expected 503, got %d", rec.Code)
		}
	})
}

func TestHandler_DeleteInvoice(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(5)
	gw := newMockGateway()
	handler := NewHandler(gw, Options{}, limiter)
	created, _ := createInvoice(t, handler, "192.168.1.1", `{"amount":"1","expires_in":5}`)

	del := func() int {
		req := httptest.NewRequest("DELETE", "/api/invoice/"+created.ID, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := del(); code != http.StatusConflict {
		t.Errorf("expected 409 for open invoice, got %d", code)
	}

	gw.advance(105)
	if code := del(); code != http.StatusOK {
		t.Errorf("expected 200 for expired invoice, got %d", code)
	}
	if limiter.PendingCount("192.168.1.1") != 0 {
		t.Errorf("expected removal to release the pending slot")
	}
	if code := del(); code != http.StatusNotFound {
		t.Errorf("expected 404 after removal, got %d", code)
	}
}

func TestHandler_Status(t *testing.T) {
	handler, gw := setupTestHandler()

	req := httptest.NewRequest("GET", "/api/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var st gateway.Status
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if st.ScanHeight != 100 || !st.Running {
		t.Errorf("unexpected status: %+v", st)
	}

	gw.err = errors.New("daemon unreachable")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
}

func TestHandler_CreateInvoice_PendingLimit(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(2)
	handler := NewHandler(newMockGateway(), Options{}, limiter)

	for i := 0; i < 2; i++ {
		if _, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1"}`); code != http.StatusCreated {
			t.Fatalf("invoice %d: expected 201, got %d", i, code)
		}
	}
	if _, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1"}`); code != http.StatusTooManyRequests {
		t.Errorf("expected 429 at limit, got %d", code)
	}
	if _, code := createInvoice(t, handler, "10.0.0.1", `{"amount":"1"}`); code != http.StatusCreated {
		t.Errorf("other IP: expected 201, got %d", code)
	}
}

func TestHandler_CreateInvoice_PendingLimit_ClearsOnPayment(t *testing.T) {
	limiter := NewPendingInvoiceLimiter(1)
	gw := newMockGateway()
	handler := NewHandler(gw, Options{}, limiter)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	all := gw.registry.SubscribeAll()
	done := make(chan struct{})
	go func() {
		limiter.Watch(ctx, all)
		close(done)
	}()

	created, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1"}`)
	if code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", code)
	}
	if _, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1"}`); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 before payment, got %d", code)
	}

	// A partial payment keeps the slot.
	gw.pay(created.ID, invoice.PiconeroPerXMR/2, 101)
	gw.pay(created.ID, invoice.PiconeroPerXMR/2, 102)

	deadline := time.Now().Add(2 * time.Second)
	for limiter.PendingCount("192.168.1.1") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("slot was not released after full payment")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, code := createInvoice(t, handler, "192.168.1.1", `{"amount":"1"}`); code != http.StatusCreated {
		t.Errorf("expected 201 after payment, got %d", code)
	}

	all.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Watch did not return after the subscriber closed")
	}
}

func TestCORS_AllowAll(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{})(handler)

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("Origin", "https://evil.com")
	rec := httptest.NewRecorder()

	corsHandler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected *, got %q", got)
	}
}

func TestCORS_RestrictedOrigins(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	corsHandler := CORS(CORSConfig{
		AllowedOrigins: []string{"https://shop.example", "https://localhost:3000"},
	})(handler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Origin", "https://shop.example")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://shop.example" {
			t.Errorf("expected https://shop.example, got %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.Header.Set("Origin", "https://evil.com")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("preflight request", func(t *testing.T) {
		req := httptest.NewRequest("OPTIONS", "/api/invoice/0-1-x", nil)
		req.Header.Set("Origin", "https://shop.example")
		rec := httptest.NewRecorder()

		corsHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 for preflight, got %d", rec.Code)
		}
		if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, DELETE, OPTIONS" {
			t.Errorf("unexpected methods %q", got)
		}
	})
}

func TestRateLimit(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	cfg := RateLimitConfig{
		RequestsPerSecond:       1,
		BurstSize:               2,
		CreateRequestsPerMinute: 1,
		CreateBurstSize:         1,
	}

	rateLimiter := NewRateLimiter(cfg)
	defer rateLimiter.Stop()
	rateLimitedHandler := rateLimiter.Middleware(handler)

	t.Run("allows requests within limit", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		rec := httptest.NewRecorder()

		rateLimitedHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("blocks requests exceeding limit", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			req := httptest.NewRequest("GET", "/api/status", nil)
			req.RemoteAddr = "10.0.0.1:12345"
			rec := httptest.NewRecorder()

			rateLimitedHandler.ServeHTTP(rec, req)

			// First 2 pass on the burst.
			if i < 2 && rec.Code != http.StatusOK {
				t.Errorf("request %d: expected 200, got %d", i, rec.Code)
			}
			if i >= 2 && rec.Code != http.StatusTooManyRequests {
				t.Errorf("request %d: expected 429, got %d", i, rec.Code)
			}
		}
	})

	t.Run("invoice creation has its own budget", func(t *testing.T) {
		post := func() int {
			req := httptest.NewRequest("POST", "/api/invoice", nil)
			req.RemoteAddr = "10.0.0.2:12345"
			rec := httptest.NewRecorder()
			rateLimitedHandler.ServeHTTP(rec, req)
			return rec.Code
		}
		if code := post(); code != http.StatusOK {
			t.Errorf("first create: expected 200, got %d", code)
		}
		if code := post(); code != http.StatusTooManyRequests {
			t.Errorf("second create: expected 429, got %d", code)
		}

		// Reads from the same IP are unaffected.
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = "10.0.0.2:12345"
		rec := httptest.NewRecorder()
		rateLimitedHandler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("read after create limit: expected 200, got %d", rec.Code)
		}
	})

	t.Run("uses X-Forwarded-For header", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/status", nil)
		req.RemoteAddr = "127.0.0.1:12345"
		req.Header.Set("X-Forwarded-For", "203.0.113.50, 70.41.3.18")
		rec := httptest.NewRecorder()

		rateLimitedHandler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}

func countLimiters(rl *ipRateLimiter) []string {
	var keys []string
	rl.limiters.Range(func(key, _ any) bool {
		keys = append(keys, key.(string))
		return true
	})
	return keys
}

func TestRateLimiterCleanup(t *testing.T) {
	// lastSeen has one-second resolution.
	rl := newIPRateLimiterWithTTL(10, 5, time.Second)
	defer rl.Stop()

	rl.getLimiter("192.168.1.1")
	rl.getLimiter("192.168.1.2")
	rl.getLimiter("192.168.1.3")

	if n := len(countLimiters(rl)); n != 3 {
		t.Errorf("expected 3 entries, got %d", n)
	}

	time.Sleep(2100 * time.Millisecond)
	rl.cleanup()

	if n := len(countLimiters(rl)); n != 0 {
		t.Errorf("expected 0 entries after cleanup, got %d", n)
	}
}

func TestRateLimiterCleanupPreservesActive(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, 2*time.Second)
	defer rl.Stop()

	rl.getLimiter("192.168.1.2")
	time.Sleep(3100 * time.Millisecond)
	rl.getLimiter("192.168.1.1")

	rl.cleanup()

	remaining := countLimiters(rl)
	if len(remaining) != 1 || remaining[0] != "192.168.1.1" {
		t.Errorf("expected only 192.168.1.1 to remain, got: %v", remaining)
	}
}

func TestRateLimiterStop(t *testing.T) {
	rl := newIPRateLimiterWithTTL(10, 5, 10*time.Millisecond)

	rl.Stop()
	rl.Stop()
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()

	if cfg.RequestsPerSecond <= 0 {
		t.Error("RequestsPerSecond should be positive")
	}
	if cfg.BurstSize <= 0 {
		t.Error("BurstSize should be positive")
	}
	if cfg.CreateRequestsPerMinute <= 0 {
		t.Error("CreateRequestsPerMinute should be positive")
	}
	if cfg.CreateBurstSize <= 0 {
		t.Error("CreateBurstSize should be positive")
	}
}

func TestExtractIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"remote addr only", "192.168.1.1:12345", "", "", "192.168.1.1"},
		{"X-Forwarded-For single", "127.0.0.1:80", "203.0.113.50", "", "203.0.113.50"},
		{"X-Forwarded-For chain", "127.0.0.1:80", "203.0.113.50, 70.41.3.18", "", "203.0.113.50"},
		{"X-Real-IP", "127.0.0.1:80", "", "203.0.113.100", "203.0.113.100"},
		{"X-Forwarded-For takes precedence", "127.0.0.1:80", "1.2.3.4", "5.6.7.8", "1.2.3.4"},
		{"IPv6", "[::1]:8080", "", "", "[::1]"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remoteAddr
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			if tc.xri != "" {
				req.Header.Set("X-Real-IP", tc.xri)
			}

			got := extractIP(req)
			if got != tc.want {
				t.Errorf("extractIP() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestLogger(t *testing.T) {
	handler := Logger(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	if rec.Code != http.StatusTeapot {
		t.Errorf("expected status to pass through, got %d", rec.Code)
	}
}

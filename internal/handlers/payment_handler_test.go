package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fundihub/escrow-api/internal/middleware"
	"github.com/fundihub/escrow-api/internal/services/escrow"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const testSecret = "test-secret"

func newPaymentApp(t *testing.T, f *callbackFixture) *fiber.App {
	t.Helper()
	h := NewPaymentHandler(f.escrow, 1500, 2000)

	app := fiber.New()
	api := app.Group("/api",
		middleware.JWTFromCookie(testSecret),
		middleware.AttachJWTLocals(),
	)
	api.Post("/payments/initiate", middleware.RequireRoles("customer"), h.InitiatePayment)
	api.Post("/payments/status", h.CheckStatus)
	api.Post("/payments/release", middleware.RequireRoles("customer"), h.ReleasePayment)
	api.Get("/payments/earnings", middleware.RequireRoles("technician"), h.MyEarnings)
	return app
}

func authedRequest(t *testing.T, method, path, body, userID, role string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.AddCookie(&http.Cookie{Name: "fh_token", Value: signTestJWT(t, userID, role)})
	}
	return req
}

func signTestJWT(t *testing.T, userID, role string) string {
	t.Helper()
	now := time.Now()
	claims := middleware.Claims{
		UserID: userID,
		Role:   role,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(15 * time.Minute)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return token
}

func TestInitiatePaymentRequiresAuth(t *testing.T) {
	f := newCallbackFixture(t, &fakeGateway{correlationID: "ws_CO_200"})
	app := newPaymentApp(t, f)

	resp, err := app.Test(authedRequest(t, http.MethodPost, "/api/payments/initiate", "{}", "", ""))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without cookie", resp.StatusCode)
	}

	resp, err = app.Test(authedRequest(t, http.MethodPost, "/api/payments/initiate", "{}",
		uuid.NewString(), "technician"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403 for technician role", resp.StatusCode)
	}
}

func TestInitiatePaymentResolvesCommissionRate(t *testing.T) {
	f := newCallbackFixture(t, &fakeGateway{correlationID: "ws_CO_201"})
	app := newPaymentApp(t, f)
	clientID := uuid.NewString()

	body := fmt.Sprintf(`{
		"job_id": %q,
		"technician_id": %q,
		"amount": 100000,
		"phone_number": "254708374149",
		"company_technician": true
	}`, uuid.NewString(), uuid.NewString())

	resp, err := app.Test(authedRequest(t, http.MethodPost, "/api/payments/initiate", body, clientID, "customer"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var out struct {
		Success bool `json:"success"`
		Data    struct {
			PaymentRef       string `json:"payment_ref"`
			PlatformFee      int64  `json:"platform_fee"`
			TechnicianAmount int64  `json:"technician_amount"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.Success {
		t.Error("success = false")
	}
	if out.Data.PlatformFee != 20000 || out.Data.TechnicianAmount != 80000 {
		t.Errorf("company split = %d/%d, want 20000/80000",
			out.Data.PlatformFee, out.Data.TechnicianAmount)
	}

	pay, err := f.escrow.ByRef(out.Data.PaymentRef)
	if err != nil {
		t.Fatalf("by ref: %v", err)
	}
	if pay.ClientID.String() != clientID {
		t.Errorf("client id = %s, want the authenticated user %s", pay.ClientID, clientID)
	}
}

func TestInitiatePaymentValidation(t *testing.T) {
	f := newCallbackFixture(t, &fakeGateway{correlationID: "ws_CO_202"})
	app := newPaymentApp(t, f)
	clientID := uuid.NewString()

	cases := []string{
		`{"technician_id": "` + uuid.NewString() + `", "amount": 1000, "phone_number": "254708374149"}`,
		`{"job_id": "` + uuid.NewString() + `", "amount": 1000, "phone_number": "254708374149"}`,
		`{"job_id": "` + uuid.NewString() + `", "technician_id": "` + uuid.NewString() + `", "amount": 1000}`,
	}
	for i, body := range cases {
		resp, err := app.Test(authedRequest(t, http.MethodPost, "/api/payments/initiate", body, clientID, "customer"))
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}
}

func TestReleaseThenEarnings(t *testing.T) {
	f := newCallbackFixture(t, &fakeGateway{correlationID: "ws_CO_203"})
	app := newPaymentApp(t, f)

	jobID := uuid.New()
	clientID := uuid.New()
	technicianID := uuid.New()
	_, err := f.escrow.Initiate(context.Background(), escrow.InitiateParams{
		JobID:        jobID,
		ClientID:     clientID,
		TechnicianID: technicianID,
		Amount:       100000,
		RateBps:      1500,
		PhoneNumber:  "254708374149",
		Method:       "mpesa",
	})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if err := f.escrow.MarkHeld(context.Background(), "ws_CO_203", "", "RCPT203"); err != nil {
		t.Fatalf("mark held: %v", err)
	}

	body := fmt.Sprintf(`{"job_id": %q}`, jobID)
	resp, err := app.Test(authedRequest(t, http.MethodPost, "/api/payments/release", body, clientID.String(), "customer"))
	if err != nil {
		t.Fatalf("release request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("release status = %d, want 200", resp.StatusCode)
	}

	// Releasing again answers 200 as well; the transition is a no-op.
	resp, err = app.Test(authedRequest(t, http.MethodPost, "/api/payments/release", body, clientID.String(), "customer"))
	if err != nil {
		t.Fatalf("second release request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("repeat release status = %d, want 200", resp.StatusCode)
	}

	w, err := f.wallets.Balance(technicianID)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if w.Balance != 85000 {
		t.Errorf("technician balance = %d, want 85000 after one release", w.Balance)
	}

	resp, err = app.Test(authedRequest(t, http.MethodGet, "/api/payments/earnings", "", technicianID.String(), "technician"))
	if err != nil {
		t.Fatalf("earnings request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("earnings status = %d, want 200", resp.StatusCode)
	}
	var out struct {
		Data struct {
			TotalEarned int64 `json:"total_earned"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Data.TotalEarned != 85000 {
		t.Errorf("total earned = %d, want 85000", out.Data.TotalEarned)
	}
}

func TestCheckStatusNotFound(t *testing.T) {
	f := newCallbackFixture(t, &fakeGateway{})
	app := newPaymentApp(t, f)

	resp, err := app.Test(authedRequest(t, http.MethodPost, "/api/payments/status",
		`{"payment_ref": "PAY-NOPE"}`, uuid.NewString(), "customer"))
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

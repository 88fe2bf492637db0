package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fundihub/escrow-api/internal/gateway"
)

// Config carries the Daraja credentials and endpoints.
type Config struct {
	BaseURL           string // https://sandbox.safaricom.co.ke or production
	ConsumerKey       string
	ConsumerSecret    string
	Shortcode         string
	Passkey           string
	InitiatorName     string
	SecurityCred      string
	PushCallbackURL   string
	PayoutCallbackURL string
	Timeout           time.Duration
}

// Client implements gateway.Gateway against the Safaricom Daraja API:
// STK push for collection, STK query for reconciliation, B2C for payouts.
type Client struct {
	HTTP *http.Client
	Cfg  Config
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		HTTP: &http.Client{Timeout: cfg.Timeout},
		Cfg:  cfg,
	}
}

type stkPushResponse struct {
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
}

func (c *Client) InitiatePush(ctx context.Context, destination string, amount int64, reference, description string) (*gateway.PushResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.password()
	payload := map[string]interface{}{
		"BusinessShortCode": c.Cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		"Amount":            amount / 100, // KES whole units
		"PartyA":            NormalizePhone(destination),
		"PartyB":            c.Cfg.Shortcode,
		"PhoneNumber":       NormalizePhone(destination),
		"CallBackURL":       callbackURL(c.Cfg.PushCallbackURL, reference),
		"AccountReference":  reference,
		"TransactionDesc":   description,
	}

	var resp stkPushResponse
	if err := c.post(ctx, "/mpesa/stkpush/v1/processrequest", token, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, &gateway.Error{Code: firstNonEmpty(resp.ErrorCode, resp.ResponseCode), Message: firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription)}
	}
	return &gateway.PushResult{CorrelationID: resp.CheckoutRequestID}, nil
}

type stkQueryResponse struct {
	ResponseCode string `json:"ResponseCode"`
	ResultCode   string `json:"ResultCode"`
	ResultDesc   string `json:"ResultDesc"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Client) QueryStatus(ctx context.Context, correlationID string) (*gateway.StatusResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	password, timestamp := c.password()
	payload := map[string]interface{}{
		"BusinessShortCode": c.Cfg.Shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": correlationID,
	}

	var resp stkQueryResponse
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", token, payload, &resp); err != nil {
		return nil, err
	}

	switch {
	case resp.ResultCode == "0":
		return &gateway.StatusResult{State: gateway.StateSucceeded}, nil
	case resp.ResultCode == "":
		// Daraja answers "transaction is being processed" with an error
		// body and no result code while the push is still open.
		return &gateway.StatusResult{State: gateway.StatePending, Reason: resp.ErrorMessage}, nil
	default:
		return &gateway.StatusResult{State: gateway.StateFailed, Reason: resp.ResultDesc}, nil
	}
}

type b2cResponse struct {
	ConversationID           string `json:"ConversationID"`
	OriginatorConversationID string `json:"OriginatorConversationID"`
	ResponseCode             string `json:"ResponseCode"`
	ResponseDescription      string `json:"ResponseDescription"`
	ErrorCode                string `json:"errorCode"`
	ErrorMessage             string `json:"errorMessage"`
}

func (c *Client) InitiatePayout(ctx context.Context, destination string, amount int64, reference string) (*gateway.PayoutResult, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"InitiatorName":      c.Cfg.InitiatorName,
		"SecurityCredential": c.Cfg.SecurityCred,
		"CommandID":          "BusinessPayment",
		"Amount":             amount / 100,
		"PartyA":             c.Cfg.Shortcode,
		"PartyB":             NormalizePhone(destination),
		"Remarks":            "Payout " + reference,
		"QueueTimeOutURL":    callbackURL(c.Cfg.PayoutCallbackURL+"/payout-timeout", reference),
		"ResultURL":          callbackURL(c.Cfg.PayoutCallbackURL+"/payout-result", reference),
		"Occasion":           reference,
	}

	var resp b2cResponse
	if err := c.post(ctx, "/mpesa/b2c/v1/paymentrequest", token, payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" {
		return nil, &gateway.Error{Code: firstNonEmpty(resp.ErrorCode, resp.ResponseCode), Message: firstNonEmpty(resp.ErrorMessage, resp.ResponseDescription)}
	}
	return &gateway.PayoutResult{CorrelationID: resp.ConversationID}, nil
}

// password derives the Daraja STK password: base64(shortcode+passkey+timestamp),
// returned together with the timestamp used.
func (c *Client) password() (string, string) {
	timestamp := time.Now().Format("20060102150405")
	encoded := base64.StdEncoding.EncodeToString([]byte(c.Cfg.Shortcode + c.Cfg.Passkey + timestamp))
	return encoded, timestamp
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.Cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.Cfg.ConsumerKey + ":" + c.Cfg.ConsumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", mapNetErr(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &gateway.Error{Code: fmt.Sprint(resp.StatusCode), Message: "token request rejected"}
	}
	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.AccessToken == "" {
		return "", &gateway.Error{Message: "malformed token response"}
	}
	return tok.AccessToken, nil
}

func (c *Client) post(ctx context.Context, path, token string, payload, out interface{}) error {
	jsonBody, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Cfg.BaseURL+path, bytes.NewBuffer(jsonBody))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return mapNetErr(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, out); err != nil {
		slog.Warn("mpesa: unparseable response", "path", path, "status", resp.StatusCode)
		return &gateway.Error{Code: fmt.Sprint(resp.StatusCode), Message: "malformed gateway response"}
	}
	return nil
}

// callbackURL tags the callback target with our reference. The Daraja
// result body only carries Daraja's own ids; when the initiation response
// was lost to a timeout those ids were never stored, and the reference on
// the URL is the only way to match the result back to its record.
func callbackURL(base, reference string) string {
	if reference == "" {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "ref=" + url.QueryEscape(reference)
}

// mapNetErr distinguishes the ambiguous timeout from a definite transport
// failure. Timeouts must never be treated as rejection.
func mapNetErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return gateway.ErrTimeout
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return gateway.ErrTimeout
	}
	return &gateway.Error{Message: err.Error()}
}

// NormalizePhone converts local formats (07XX..., +2547XX...) to the
// 2547XXXXXXXX form Daraja expects.
func NormalizePhone(phone string) string {
	phone = strings.TrimSpace(strings.ReplaceAll(phone, "+", ""))
	if strings.HasPrefix(phone, "0") {
		phone = "254" + phone[1:]
	}
	return phone
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"agrimarket/internal/domain"
)

type MobileMoneyConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	Passkey        string
	CallbackURL    string
}

// MobileMoneyGateway sends STK push prompts to the payer's phone.
type MobileMoneyGateway struct {
	cfg    MobileMoneyConfig
	client *http.Client
	now    func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewMobileMoneyGateway(cfg MobileMoneyConfig) *MobileMoneyGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &MobileMoneyGateway{cfg: cfg, client: newHTTPClient(), now: time.Now}
}

func (g *MobileMoneyGateway) Provider() domain.PaymentProvider {
	return domain.PaymentProviderMobileMoney
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

func (g *MobileMoneyGateway) Initiate(ctx context.Context, req Request) (*Initiation, error) {
	if req.Phone == "" {
		return nil, domain.Invalid("phone number is required for mobile money")
	}
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	timestamp := g.now().Format("20060102150405")
	amount := WholeUnits(req.AmountCents)
	body, err := json.Marshal(stkPushRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp)),
		Timestamp:         timestamp,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            amount,
		PartyA:            req.Phone,
		PartyB:            g.cfg.ShortCode,
		PhoneNumber:       req.Phone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  "order-" + strconv.FormatInt(req.OrderID, 10),
		TransactionDesc:   "agrimarket order " + strconv.FormatInt(req.OrderID, 10),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stk push: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send stk push: %w", err)
	}
	res, err := readJSON(resp, "errorMessage", "ResponseDescription")
	if err != nil {
		return nil, fmt.Errorf("stk push: %w", err)
	}
	if code := res.Get("ResponseCode").String(); code != "0" {
		return nil, fmt.Errorf("stk push rejected (%s): %s", code, res.Get("ResponseDescription").String())
	}
	ref := res.Get("CheckoutRequestID").String()
	if ref == "" {
		return nil, errors.New("stk push: response has no CheckoutRequestID")
	}

	return &Initiation{
		ExternalRef: ref,
		Checkout: map[string]string{
			"amount":           strconv.FormatInt(amount, 10),
			"phone":            req.Phone,
			"customer_message": res.Get("CustomerMessage").String(),
		},
	}, nil
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// QueryStatus asks the provider for the outcome of an STK push. Callbacks are
// unauthenticated, so only this answer may settle a payment.
func (g *MobileMoneyGateway) QueryStatus(ctx context.Context, checkoutRequestID string) (*MobileMoneyResult, error) {
	token, err := g.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	timestamp := g.now().Format("20060102150405")
	body, err := json.Marshal(stkQueryRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + timestamp)),
		Timestamp:         timestamp,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal stk query: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+"/mpesa/stkpushquery/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send stk query: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read stk query: %w", err)
	}
	res := gjson.ParseBytes(raw)
	if res.Get("errorCode").String() == stkProcessingCode {
		return nil, ErrStillProcessing
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if msg := res.Get("errorMessage").String(); msg != "" {
			return nil, fmt.Errorf("stk query: status %d: %s", resp.StatusCode, msg)
		}
		return nil, fmt.Errorf("stk query: status %d", resp.StatusCode)
	}
	if !res.Get("ResultCode").Exists() {
		return nil, errors.New("stk query: response has no ResultCode")
	}
	return &MobileMoneyResult{
		CheckoutRequestID: checkoutRequestID,
		ResultCode:        res.Get("ResultCode").Int(),
		ResultDesc:        res.Get("ResultDesc").String(),
	}, nil
}

// Refund is not offered by the STK push API; reversals are made by hand.
func (g *MobileMoneyGateway) Refund(context.Context, string, int64) error {
	return ErrRefundUnsupported
}

// accessToken returns the cached OAuth token, fetching a new one shortly before expiry.
func (g *MobileMoneyGateway) accessToken(ctx context.Context) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.token != "" && g.now().Before(g.tokenExpiry) {
		return g.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	req.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	res, err := readJSON(resp, "errorMessage")
	if err != nil {
		return "", fmt.Errorf("fetch access token: %w", err)
	}
	token := res.Get("access_token").String()
	if token == "" {
		return "", errors.New("fetch access token: empty token")
	}
	ttl := time.Duration(res.Get("expires_in").Int()) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}

	g.token = token
	g.tokenExpiry = g.now().Add(ttl - time.Minute)
	return token, nil
}

// stkProcessingCode is the error the query API answers with while the payer
// has not acted on the prompt yet.
const stkProcessingCode = "500.001.1001"

// ErrStillProcessing means the provider has no final outcome for the payment yet.
var ErrStillProcessing = errors.New("payment still processing")

// StatusQuerier is implemented by gateways that can report a payment's
// outcome on demand.
type StatusQuerier interface {
	QueryStatus(ctx context.Context, externalRef string) (*MobileMoneyResult, error)
}

// MobileMoneyResult is the outcome reported by an STK push callback.
type MobileMoneyResult struct {
	CheckoutRequestID string
	ResultCode        int64
	ResultDesc        string
}

func (r MobileMoneyResult) Succeeded() bool {
	return r.ResultCode == 0
}

// ParseCallback extracts Body.stkCallback from a provider callback.
func ParseCallback(body []byte) (*MobileMoneyResult, error) {
	if !gjson.ValidBytes(body) {
		return nil, domain.Invalid("callback is not valid json")
	}
	cb := gjson.GetBytes(body, "Body.stkCallback")
	ref := cb.Get("CheckoutRequestID").String()
	if ref == "" || !cb.Get("ResultCode").Exists() {
		return nil, domain.Invalid("callback is missing Body.stkCallback fields")
	}
	return &MobileMoneyResult{
		CheckoutRequestID: ref,
		ResultCode:        cb.Get("ResultCode").Int(),
		ResultDesc:        cb.Get("ResultDesc").String(),
	}, nil
}

// WholeUnits converts cents to whole currency units, rounding up.
func WholeUnits(cents int64) int64 {
	return decimal.NewFromInt(cents).Div(decimal.NewFromInt(100)).Ceil().IntPart()
}

var (
	_ Gateway       = (*MobileMoneyGateway)(nil)
	_ StatusQuerier = (*MobileMoneyGateway)(nil)
)

package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"agrimarket/internal/domain"
)

const webhookTolerance = 5 * time.Minute

type CardConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
}

// CardGateway talks to a payment-intent style card processor.
type CardGateway struct {
	cfg    CardConfig
	client *http.Client
}

func NewCardGateway(cfg CardConfig) *CardGateway {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &CardGateway{cfg: cfg, client: newHTTPClient()}
}

func (g *CardGateway) Provider() domain.PaymentProvider {
	return domain.PaymentProviderCard
}

func (g *CardGateway) Initiate(ctx context.Context, req Request) (*Initiation, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountCents, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[order_id]", strconv.FormatInt(req.OrderID, 10))
	form.Set("metadata[payment_id]", strconv.FormatInt(req.PaymentID, 10))

	res, err := g.post(ctx, "/v1/payment_intents", form)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}
	id := res.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("create payment intent: response has no id")
	}
	return &Initiation{
		ExternalRef: id,
		Checkout: map[string]string{
			"client_secret": res.Get("client_secret").String(),
			"status":        res.Get("status").String(),
		},
	}, nil
}

func (g *CardGateway) Refund(ctx context.Context, externalRef string, amountCents int64) error {
	form := url.Values{}
	form.Set("payment_intent", externalRef)
	form.Set("amount", strconv.FormatInt(amountCents, 10))
	if _, err := g.post(ctx, "/v1/refunds", form); err != nil {
		return fmt.Errorf("create refund: %w", err)
	}
	return nil
}

func (g *CardGateway) post(ctx context.Context, path string, form url.Values) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("send request: %w", err)
	}
	return readJSON(resp, "error.message")
}

const (
	CardEventSucceeded = "payment_intent.succeeded"
	CardEventFailed    = "payment_intent.payment_failed"
)

// CardEvent is the part of a webhook delivery the marketplace acts on.
type CardEvent struct {
	Type           string
	IntentID       string
	FailureMessage string
}

// VerifyWebhook checks the "t=<unix>,v1=<hex>" signature header against
// HMAC-SHA256(secret, t + "." + payload) and parses the event.
func (g *CardGateway) VerifyWebhook(payload []byte, header string, now time.Time) (*CardEvent, error) {
	var (
		ts         int64
		signatures []string
	)
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "t":
			ts, _ = strconv.ParseInt(value, 10, 64)
		case "v1":
			signatures = append(signatures, value)
		}
	}
	if ts == 0 || len(signatures) == 0 {
		return nil, fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	if age := now.Sub(time.Unix(ts, 0)); age > webhookTolerance || age < -webhookTolerance {
		return nil, fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, []byte(g.cfg.WebhookSecret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(payload)
	expected := mac.Sum(nil)

	matched := false
	for _, sig := range signatures {
		raw, err := hex.DecodeString(sig)
		if err == nil && hmac.Equal(raw, expected) {
			matched = true
			break
		}
	}
	if !matched {
		return nil, ErrInvalidSignature
	}

	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("%w: payload is not json", domain.ErrInvalidInput)
	}
	event := gjson.ParseBytes(payload)
	return &CardEvent{
		Type:           event.Get("type").String(),
		IntentID:       event.Get("data.object.id").String(),
		FailureMessage: event.Get("data.object.last_payment_error.message").String(),
	}, nil
}

// SignWebhook produces a header VerifyWebhook accepts. Used by tests and local tooling.
func SignWebhook(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + "."))
	mac.Write(payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac.Sum(nil))
}

var _ Gateway = (*CardGateway)(nil)

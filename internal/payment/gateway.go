// Package payment integrates the external payment providers the marketplace
// accepts. Each provider is exposed through the Gateway interface.
package payment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"agrimarket/internal/domain"
)

var (
	// ErrRefundUnsupported means the refund has to be settled outside the provider API.
	ErrRefundUnsupported = errors.New("refund not supported by provider")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
)

// Request describes what a buyer is paying for.
type Request struct {
	PaymentID   int64
	OrderID     int64
	AmountCents int64
	Currency    string
	// Phone is the payer msisdn; mobile money only.
	Phone string
}

// Initiation is the provider's answer to a new payment. Checkout carries the
// instructions the client needs to complete it.
type Initiation struct {
	ExternalRef string
	Checkout    map[string]string
}

type Gateway interface {
	Provider() domain.PaymentProvider
	Initiate(ctx context.Context, req Request) (*Initiation, error)
	Refund(ctx context.Context, externalRef string, amountCents int64) error
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// readJSON reads a provider response and turns non-2xx statuses into errors,
// preferring the provider's own message.
func readJSON(resp *http.Response, paths ...string) (gjson.Result, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		for _, p := range paths {
			if msg := gjson.GetBytes(body, p).String(); msg != "" {
				return gjson.Result{}, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
			}
		}
		return gjson.Result{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, errors.New("response is not valid json")
	}
	return gjson.ParseBytes(body), nil
}

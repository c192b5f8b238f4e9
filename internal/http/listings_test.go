package http

import (
	"fmt"
	"math"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
)

func TestListingLifecycle(t *testing.T) {
	ts := newTestServer(t)
	unverified := ts.signup(t, domain.RoleFarmer, false)
	farmer := ts.signup(t, domain.RoleFarmer, true)
	buyer := ts.signup(t, domain.RoleBuyer, false)

	body := map[string]any{"title": "Beans", "price_cents": 500, "quantity": 3}
	rec := ts.do(t, request{method: http.MethodPost, path: "/api/listings", token: unverified.Token, body: body})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, request{method: http.MethodPost, path: "/api/listings", token: buyer.Token, body: body})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = ts.do(t, request{method: http.MethodPost, path: "/api/listings", body: body})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = ts.do(t, request{method: http.MethodPost, path: "/api/listings", token: farmer.Token, body: map[string]any{"title": "Beans", "price_cents": 0}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, request{method: http.MethodPost, path: "/api/listings", token: farmer.Token, body: map[string]any{"title": "Beans", "price_cents": int64(math.MaxInt64/2 + 1), "quantity": 2}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, request{method: http.MethodPost, path: "/api/listings", token: farmer.Token, body: map[string]any{"title": "Beans", "price_cents": 500, "quantity": domain.MaxQuantity + 1}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, request{method: http.MethodPost, path: "/api/listings", token: farmer.Token, body: map[string]any{
		"title":       "<b>Beans</b>",
		"description": "Red kidney <script>alert(1)</script>beans",
		"price_cents": 500,
		"quantity":    3,
	}})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var listing ListingResponse
	decode(t, rec, &listing)
	assert.Equal(t, "Beans", listing.Title)
	assert.NotContains(t, listing.Description, "script")
	assert.Equal(t, domain.DefaultCurrency, listing.Currency)
	assert.Equal(t, domain.ListingStatusActive, listing.Status)

	rec = ts.do(t, request{method: http.MethodGet, path: fmt.Sprintf("/api/listings/%d", listing.ID)})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, request{method: http.MethodPatch, path: fmt.Sprintf("/api/listings/%d", listing.ID), token: buyer.Token, body: map[string]any{"quantity": 1}})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, request{method: http.MethodPatch, path: fmt.Sprintf("/api/listings/%d", listing.ID), token: farmer.Token, body: map[string]any{"quantity": 0}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &listing)
	assert.Equal(t, domain.ListingStatusSoldOut, listing.Status)

	var public []ListingResponse
	rec = ts.do(t, request{method: http.MethodGet, path: "/api/listings"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &public)
	assert.Empty(t, public)

	var own []ListingResponse
	rec = ts.do(t, request{method: http.MethodGet, path: fmt.Sprintf("/api/listings?seller_id=%d", farmer.ID), token: farmer.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &own)
	require.Len(t, own, 1)

	rec = ts.do(t, request{method: http.MethodDelete, path: fmt.Sprintf("/api/listings/%d", listing.ID), token: farmer.Token})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, request{method: http.MethodGet, path: fmt.Sprintf("/api/listings/%d", listing.ID)})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, request{method: http.MethodGet, path: "/api/listings/abc"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListListingsFilters(t *testing.T) {
	ts := newTestServer(t)
	farmer := ts.signup(t, domain.RoleFarmer, true)
	ts.createListing(t, farmer, 100, 5)
	ts.createListing(t, farmer, 900, 5)

	var got []ListingResponse
	rec := ts.do(t, request{method: http.MethodGet, path: "/api/listings?min_price=500&category=grain"})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &got)
	require.Len(t, got, 1)
	assert.EqualValues(t, 900, got[0].PriceCents)

	rec = ts.do(t, request{method: http.MethodGet, path: "/api/listings?min_price=900&max_price=100"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, request{method: http.MethodGet, path: "/api/listings?limit=-1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListingImages(t *testing.T) {
	ts := newTestServer(t)
	farmer := ts.signup(t, domain.RoleFarmer, true)
	other := ts.signup(t, domain.RoleFarmer, true)
	l := ts.createListing(t, farmer, 100, 5)
	path := fmt.Sprintf("/api/listings/%d/images", l.ID)

	rec := ts.upload(t, path, farmer.Token, "image", "notes.txt", "text/plain", "hello")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.upload(t, path, other.Token, "image", "maize.jpg", "image/jpeg", "jpeg-bytes")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.upload(t, path, farmer.Token, "image", "maize.jpg", "image/jpeg", "jpeg-bytes")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created struct {
		Key string `json:"key"`
	}
	decode(t, rec, &created)
	assert.True(t, strings.HasPrefix(created.Key, fmt.Sprintf("listings/%d/", l.ID)))
	assert.True(t, strings.HasSuffix(created.Key, ".jpg"))

	var images []ImageResponse
	rec = ts.do(t, request{method: http.MethodGet, path: path})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &images)
	require.Len(t, images, 1)
	assert.Equal(t, "https://objects.test/"+created.Key, images[0].URL)
}

func TestProfileAndKYCReview(t *testing.T) {
	ts := newTestServer(t)
	farmer := ts.signup(t, domain.RoleFarmer, false)
	admin := ts.signup(t, domain.RoleAdmin, false)

	rec := ts.do(t, request{method: http.MethodPut, path: "/api/profile", token: farmer.Token, body: map[string]string{"phone": "not a phone"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, request{method: http.MethodPut, path: "/api/profile", token: farmer.Token, body: map[string]string{
		"full_name": "Amina Otieno",
		"phone":     "+254712345678",
		"location":  "Nakuru",
	}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var profile ProfileResponse
	decode(t, rec, &profile)
	assert.Equal(t, "Amina Otieno", profile.FullName)
	assert.Equal(t, domain.KYCStatusUnverified, profile.KYCStatus)

	rec = ts.upload(t, "/api/profile/kyc", farmer.Token, "document", "id.pdf", "application/pdf", "%PDF-1.4")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	decode(t, rec, &profile)
	assert.Equal(t, domain.KYCStatusPending, profile.KYCStatus)

	rec = ts.upload(t, "/api/profile/kyc", farmer.Token, "document", "id.pdf", "application/pdf", "%PDF-1.4")
	assert.Equal(t, http.StatusConflict, rec.Code)

	var pending []ProfileResponse
	rec = ts.do(t, request{method: http.MethodGet, path: "/api/admin/kyc?status=pending", token: admin.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &pending)
	require.Len(t, pending, 1)
	assert.Equal(t, farmer.ID, pending[0].UserID)

	rec = ts.do(t, request{method: http.MethodGet, path: fmt.Sprintf("/api/admin/kyc/%d/document", farmer.ID), token: admin.Token})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), fmt.Sprintf("kyc/%d/", farmer.ID))

	rec = ts.do(t, request{method: http.MethodPost, path: fmt.Sprintf("/api/admin/kyc/%d", farmer.ID), token: admin.Token, body: map[string]string{"note": "missing approve"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, request{method: http.MethodPost, path: fmt.Sprintf("/api/admin/kyc/%d", farmer.ID), token: admin.Token, body: map[string]any{"approve": true}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &profile)
	assert.Equal(t, domain.KYCStatusVerified, profile.KYCStatus)

	ts.createListing(t, farmer, 100, 1)
}

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/chat"
	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/metrics"
	"agrimarket/internal/payment"
	"agrimarket/internal/repository"
	"agrimarket/internal/repository/sqlite"
	"agrimarket/internal/service"
	"agrimarket/internal/storage"
)

const (
	testAdminSecret   = "admin-secret"
	testWebhookSecret = "whsec_test"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	handler  *Handler
	profiles repository.ProfileRepository
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	store    *memStore
	contract *ledger.MemoryContract
	hub      *chat.Hub
	cardAPI  *fakeCardAPI
	seq      int
}

type serverOption func(*Deps)

func withoutLedger() serverOption {
	return func(d *Deps) { d.Ledger = nil }
}

func withAuthLimit(rps float64, burst int) serverOption {
	return func(d *Deps) {
		d.AuthRPS = rps
		d.AuthBurst = burst
	}
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	ctx := context.Background()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "http.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := sqlite.NewUserRepository(db)
	profiles := sqlite.NewProfileRepository(db)
	listings := sqlite.NewListingRepository(db)
	carts := sqlite.NewCartRepository(db)
	orders := sqlite.NewOrderRepository(db)
	payments := sqlite.NewPaymentRepository(db)
	escrows := sqlite.NewEscrowRepository(db)
	deliveries := sqlite.NewDeliveryRepository(db)
	chats := sqlite.NewChatRepository(db)
	require.NoError(t, sqlite.InitAll(ctx, users, profiles, listings, carts, orders, payments, escrows, deliveries, chats))

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cardAPI := newFakeCardAPI(t)
	gateways := map[domain.PaymentProvider]payment.Gateway{
		domain.PaymentProviderCard: payment.NewCardGateway(payment.CardConfig{
			BaseURL:       cardAPI.server.URL,
			SecretKey:     "sk_test",
			WebhookSecret: testWebhookSecret,
		}),
	}

	m := metrics.New()
	store := newMemStore()
	contract := ledger.NewMemoryContract()

	userSvc := service.NewUserService(users, testAdminSecret)
	profileSvc := service.NewProfileService(profiles, store, time.Minute)
	ledgerSvc := service.NewLedgerService(contract, profiles, listings, "platform-escrow", logger)
	escrowSvc := service.NewEscrowService(service.EscrowConfig{
		Escrows:      escrows,
		Orders:       orders,
		Payments:     payments,
		Gateways:     gateways,
		Recorder:     ledgerSvc,
		ReleaseAfter: 72 * time.Hour,
		Metrics:      m,
		Logger:       logger,
	})
	deliverySvc := service.NewDeliveryService(deliveries, orders, users, profileSvc, escrowSvc, logger)
	chatSvc := service.NewChatService(chats, users, orders, "chat-secret", time.Hour, logger)
	hub := chat.NewHub(nil, logger)
	chatSvc.SetNotifier(hub)
	t.Cleanup(hub.Shutdown)

	deps := Deps{
		Users:      userSvc,
		Tokens:     service.NewTokenService("jwt-secret", time.Hour),
		Profiles:   profileSvc,
		Listings:   service.NewListingService(listings, profileSvc, store, time.Minute, logger),
		Cart:       service.NewCartService(carts, listings),
		Orders:     service.NewOrderService(orders, listings, carts, deliveries, escrowSvc, logger),
		Deliveries: deliverySvc,
		Payments: service.NewPaymentService(service.PaymentConfig{
			Payments:   payments,
			Orders:     orders,
			Escrows:    escrows,
			Profiles:   profiles,
			Gateways:   gateways,
			Escrow:     escrowSvc,
			Deliveries: deliverySvc,
			Metrics:    m,
			Logger:     logger,
		}),
		Chat:       chatSvc,
		Ledger:     ledgerSvc,
		Hub:        hub,
		Metrics:    m,
		Logger:     logger,
		CookieName: "agri_session",
		AuthRPS:    1000,
		AuthBurst:  1000,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	h := NewHandler(deps)
	router := gin.New()
	h.RegisterRoutes(router)

	return &testServer{
		router:   router,
		handler:  h,
		profiles: profiles,
		orders:   orders,
		payments: payments,
		store:    store,
		contract: contract,
		hub:      hub,
		cardAPI:  cardAPI,
	}
}

type request struct {
	method  string
	path    string
	body    any
	token   string
	headers map[string]string
}

func (ts *testServer) do(t *testing.T, r request) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	switch b := r.body.(type) {
	case nil:
	case []byte:
		body = bytes.NewReader(b)
	case string:
		body = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(r.method, r.path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) upload(t *testing.T, path, token, field, filename, contentType, content string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	header.Set("Content-Type", contentType)
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

type account struct {
	ID    int64
	Token string
}

// signup registers a user through the API; verified users get an approved KYC review.
func (ts *testServer) signup(t *testing.T, role domain.Role, verified bool) account {
	t.Helper()
	ts.seq++
	body := map[string]string{
		"email":    fmt.Sprintf("user%d@example.com", ts.seq),
		"password": "correct horse",
		"role":     string(role),
	}
	if role == domain.RoleAdmin {
		body["admin_secret"] = testAdminSecret
	}
	rec := ts.do(t, request{method: http.MethodPost, path: "/api/auth/register", body: body})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp SessionResponse
	decode(t, rec, &resp)
	if verified {
		require.NoError(t, ts.profiles.UpdateKYC(context.Background(), resp.User.ID, domain.KYCStatusVerified, "kyc/doc.pdf", ""))
	}
	return account{ID: resp.User.ID, Token: resp.Token}
}

func (ts *testServer) createListing(t *testing.T, seller account, price, qty int64) ListingResponse {
	t.Helper()
	rec := ts.do(t, request{
		method: http.MethodPost,
		path:   "/api/listings",
		token:  seller.Token,
		body: map[string]any{
			"title":       "Maize",
			"description": "Dry white maize",
			"category":    "grain",
			"unit":        "kg",
			"price_cents": price,
			"quantity":    qty,
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var l ListingResponse
	decode(t, rec, &l)
	return l
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	decode(t, rec, &body)
	return body.Error
}

// fakeCardAPI answers payment intent and refund calls.
type fakeCardAPI struct {
	server *httptest.Server

	mu      sync.Mutex
	refunds []string
}

func newFakeCardAPI(t *testing.T) *fakeCardAPI {
	api := &fakeCardAPI{}
	api.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/v1/payment_intents":
			id := "pi_" + r.PostForm.Get("metadata[payment_id]")
			fmt.Fprintf(w, `{"id":%q,"client_secret":"%s_secret","status":"requires_payment_method"}`, id, id)
		case "/v1/refunds":
			api.mu.Lock()
			api.refunds = append(api.refunds, r.PostForm.Get("payment_intent"))
			api.mu.Unlock()
			fmt.Fprint(w, `{"id":"re_1","status":"succeeded"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(api.server.Close)
	return api
}

func cardEvent(eventType, intentID string) []byte {
	return []byte(fmt.Sprintf(`{"type":%q,"data":{"object":{"id":%q}}}`, eventType, intentID))
}

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) UploadObject(_ context.Context, key string, body io.Reader, _ string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memStore) PresignGetURL(_ context.Context, key string, _ time.Duration) (string, error) {
	return "https://objects.test/" + key, nil
}

func (m *memStore) ListObjects(_ context.Context, prefix string) ([]storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.ObjectInfo
	for key, data := range m.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(data))})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (m *memStore) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) {
			delete(m.objects, key)
		}
	}
	return nil
}

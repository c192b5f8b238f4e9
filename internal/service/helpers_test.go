package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/metrics"
	"agrimarket/internal/payment"
	"agrimarket/internal/repository"
	"agrimarket/internal/repository/sqlite"
	"agrimarket/internal/storage"
)

type env struct {
	usersRepo      repository.UserRepository
	profilesRepo   repository.ProfileRepository
	listingsRepo   repository.ListingRepository
	cartRepo       repository.CartRepository
	ordersRepo     repository.OrderRepository
	paymentsRepo   repository.PaymentRepository
	escrowsRepo    repository.EscrowRepository
	deliveriesRepo repository.DeliveryRepository
	chatRepo       repository.ChatRepository

	store    *memStore
	card     *fakeGateway
	mobile   *fakeGateway
	gateways map[domain.PaymentProvider]payment.Gateway
	contract *ledger.MemoryContract
	syncer   *fakeSyncer
	logger   *logrus.Logger

	users      UserService
	profiles   ProfileService
	listings   ListingService
	cart       CartService
	orders     OrderService
	escrow     EscrowService
	payments   PaymentService
	deliveries DeliveryService
	chat       ChatService
	ledger     LedgerService

	seq int
}

const escrowAddress = "platform-escrow"

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "service.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		usersRepo:      sqlite.NewUserRepository(db),
		profilesRepo:   sqlite.NewProfileRepository(db),
		listingsRepo:   sqlite.NewListingRepository(db),
		cartRepo:       sqlite.NewCartRepository(db),
		ordersRepo:     sqlite.NewOrderRepository(db),
		paymentsRepo:   sqlite.NewPaymentRepository(db),
		escrowsRepo:    sqlite.NewEscrowRepository(db),
		deliveriesRepo: sqlite.NewDeliveryRepository(db),
		chatRepo:       sqlite.NewChatRepository(db),
		store:          newMemStore(),
		card:           &fakeGateway{provider: domain.PaymentProviderCard},
		mobile:         &fakeGateway{provider: domain.PaymentProviderMobileMoney, refundErr: payment.ErrRefundUnsupported},
		contract:       ledger.NewMemoryContract(),
		syncer:         &fakeSyncer{},
		logger:         logrus.New(),
	}
	e.logger.SetOutput(io.Discard)
	require.NoError(t, sqlite.InitAll(context.Background(),
		e.usersRepo, e.profilesRepo, e.listingsRepo, e.cartRepo, e.ordersRepo,
		e.paymentsRepo, e.escrowsRepo, e.deliveriesRepo, e.chatRepo,
	))

	e.gateways = map[domain.PaymentProvider]payment.Gateway{
		domain.PaymentProviderCard:        e.card,
		domain.PaymentProviderMobileMoney: e.mobile,
	}
	m := metrics.New()

	e.users = NewUserService(e.usersRepo, "admin-secret")
	e.profiles = NewProfileService(e.profilesRepo, e.store, time.Minute)
	e.listings = NewListingService(e.listingsRepo, e.profiles, e.store, time.Minute, e.logger)
	e.listings.SetChainSyncer(e.syncer)
	e.cart = NewCartService(e.cartRepo, e.listingsRepo)
	e.ledger = NewLedgerService(e.contract, e.profilesRepo, e.listingsRepo, escrowAddress, e.logger)
	e.escrow = NewEscrowService(EscrowConfig{
		Escrows:      e.escrowsRepo,
		Orders:       e.ordersRepo,
		Payments:     e.paymentsRepo,
		Gateways:     e.gateways,
		Recorder:     e.ledger,
		ReleaseAfter: 72 * time.Hour,
		Metrics:      m,
		Logger:       e.logger,
	})
	e.orders = NewOrderService(e.ordersRepo, e.listingsRepo, e.cartRepo, e.deliveriesRepo, e.escrow, e.logger)
	e.orders.SetChainSyncer(e.syncer)
	e.deliveries = NewDeliveryService(e.deliveriesRepo, e.ordersRepo, e.usersRepo, e.profiles, e.escrow, e.logger)
	e.payments = NewPaymentService(PaymentConfig{
		Payments:   e.paymentsRepo,
		Orders:     e.ordersRepo,
		Escrows:    e.escrowsRepo,
		Profiles:   e.profilesRepo,
		Gateways:   e.gateways,
		Escrow:     e.escrow,
		Deliveries: e.deliveries,
		Metrics:    m,
		Logger:     e.logger,
	})
	e.chat = NewChatService(e.chatRepo, e.usersRepo, e.ordersRepo, "chat-secret", time.Hour, e.logger)
	return e
}

// user creates an account; verified users also get an approved KYC review.
func (e *env) user(t *testing.T, role domain.Role, verified bool) *domain.User {
	t.Helper()
	e.seq++
	u := &domain.User{Email: fmt.Sprintf("user%d@example.com", e.seq), PasswordHash: "x", Role: role}
	_, err := e.usersRepo.Create(context.Background(), u)
	require.NoError(t, err)
	if verified {
		require.NoError(t, e.profilesRepo.UpdateKYC(context.Background(), u.ID, domain.KYCStatusVerified, "kyc/doc.pdf", ""))
	}
	return u
}

func (e *env) listing(t *testing.T, seller *domain.User, price, qty int64) *domain.Listing {
	t.Helper()
	l, err := e.listings.Create(context.Background(), seller, ListingInput{
		Title:      "Maize",
		Category:   "grain",
		Unit:       "kg",
		PriceCents: price,
		Quantity:   qty,
	})
	require.NoError(t, err)
	return l
}

// paidOrder checks out qty of l and settles the payment through the card gateway.
func (e *env) paidOrder(t *testing.T, buyer *domain.User, l *domain.Listing, qty int64) (*domain.Order, *domain.Payment) {
	t.Helper()
	ctx := context.Background()
	orders, err := e.orders.Checkout(ctx, buyer, CheckoutInput{
		ShippingAddress: "Plot 4, Nakuru",
		Items:           []domain.CartItem{{ListingID: l.ID, Quantity: qty}},
	})
	require.NoError(t, err)
	require.Len(t, orders, 1)

	p, err := e.payments.Initiate(ctx, buyer, orders[0].ID, domain.PaymentProviderCard, "")
	require.NoError(t, err)
	require.NoError(t, e.payments.(*paymentService).markSucceeded(ctx, p))

	order, err := e.ordersRepo.Get(ctx, orders[0].ID)
	require.NoError(t, err)
	return order, p
}

func wallet(b byte) string {
	return address.Uint160ToString(util.Uint160{b, 2, 3})
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

func (m *memStore) PresignGetURL(_ context.Context, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("https://objects.test/%s?expires=%d", key, int(expires.Seconds())), nil
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

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type fakeGateway struct {
	provider  domain.PaymentProvider
	initErr   error
	refundErr error
	refunds   []string
	requests  []payment.Request
	// outcomes answers QueryStatus by external ref; unknown refs are still processing.
	outcomes map[string]*payment.MobileMoneyResult
}

func (g *fakeGateway) Provider() domain.PaymentProvider { return g.provider }

func (g *fakeGateway) Initiate(_ context.Context, req payment.Request) (*payment.Initiation, error) {
	g.requests = append(g.requests, req)
	if g.initErr != nil {
		return nil, g.initErr
	}
	return &payment.Initiation{
		ExternalRef: fmt.Sprintf("%s-%d", g.provider, req.PaymentID),
		Checkout:    map[string]string{"amount": fmt.Sprint(req.AmountCents)},
	}, nil
}

func (g *fakeGateway) QueryStatus(_ context.Context, ref string) (*payment.MobileMoneyResult, error) {
	if res, ok := g.outcomes[ref]; ok {
		return res, nil
	}
	return nil, payment.ErrStillProcessing
}

func (g *fakeGateway) settle(ref string, code int64, desc string) {
	if g.outcomes == nil {
		g.outcomes = map[string]*payment.MobileMoneyResult{}
	}
	g.outcomes[ref] = &payment.MobileMoneyResult{CheckoutRequestID: ref, ResultCode: code, ResultDesc: desc}
}

func (g *fakeGateway) Refund(_ context.Context, ref string, _ int64) error {
	g.refunds = append(g.refunds, ref)
	return g.refundErr
}

type fakeSyncer struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeSyncer) Enqueue(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

func (f *fakeSyncer) enqueued() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.ids...)
}

type fakeNotifier struct {
	rooms    []string
	payloads [][]byte
}

func (n *fakeNotifier) Broadcast(room string, payload []byte) {
	n.rooms = append(n.rooms, room)
	n.payloads = append(n.payloads, payload)
}

func upload(name, contentType, body string) Upload {
	return Upload{Filename: name, ContentType: contentType, Size: int64(len(body)), Body: bytes.NewBufferString(body)}
}

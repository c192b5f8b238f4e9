package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"agrimarket/internal/chainsync"
	"agrimarket/internal/chat"
	"agrimarket/internal/config"
	"agrimarket/internal/domain"
	apphttp "agrimarket/internal/http"
	"agrimarket/internal/jobs"
	"agrimarket/internal/ledger"
	"agrimarket/internal/ledger/neo"
	"agrimarket/internal/metrics"
	"agrimarket/internal/payment"
	"agrimarket/internal/repository"
	redisrepo "agrimarket/internal/repository/redis"
	"agrimarket/internal/repository/sqlite"
	"agrimarket/internal/service"
	"agrimarket/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}
	configureLogger(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	userRepo := sqlite.NewUserRepository(db)
	profileRepo := sqlite.NewProfileRepository(db)
	listingRepo := sqlite.NewListingRepository(db)
	sqliteCart := sqlite.NewCartRepository(db)
	orderRepo := sqlite.NewOrderRepository(db)
	paymentRepo := sqlite.NewPaymentRepository(db)
	escrowRepo := sqlite.NewEscrowRepository(db)
	deliveryRepo := sqlite.NewDeliveryRepository(db)
	chatRepo := sqlite.NewChatRepository(db)
	if err := sqlite.InitAll(ctx, userRepo, profileRepo, listingRepo, sqliteCart, orderRepo, paymentRepo, escrowRepo, deliveryRepo, chatRepo); err != nil {
		logger.Fatalf("init repositories: %v", err)
	}

	cartRepo, closeCart, err := buildCart(ctx, cfg, sqliteCart, logger)
	if err != nil {
		logger.Fatalf("setup cart: %v", err)
	}
	defer closeCart()

	storageSvc, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	m := metrics.New()

	gateways, err := buildGateways(cfg, logger)
	if err != nil {
		logger.Fatalf("setup payment gateways: %v", err)
	}

	contract, escrowAddr, err := buildLedger(cfg, m, logger)
	if err != nil {
		logger.Fatalf("setup ledger: %v", err)
	}

	presign := time.Duration(cfg.Storage.PresignMinutes) * time.Minute
	userService := service.NewUserService(userRepo, cfg.Auth.AdminSecret)
	tokens := service.NewTokenService(cfg.Auth.JWTSecret, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute)
	profileService := service.NewProfileService(profileRepo, storageSvc, presign)
	listingService := service.NewListingService(listingRepo, profileService, storageSvc, presign, logger)
	cartService := service.NewCartService(cartRepo, listingRepo)

	var ledgerService service.LedgerService
	var recorder service.SaleRecorder
	if contract != nil {
		ls := service.NewLedgerService(contract, profileRepo, listingRepo, escrowAddr, logger)
		ledgerService, recorder = ls, ls
	}

	escrowService := service.NewEscrowService(service.EscrowConfig{
		Escrows:      escrowRepo,
		Orders:       orderRepo,
		Payments:     paymentRepo,
		Gateways:     gateways,
		Recorder:     recorder,
		ReleaseAfter: time.Duration(cfg.Escrow.ReleaseAfterHours) * time.Hour,
		Metrics:      m,
		Logger:       logger,
	})
	deliveryService := service.NewDeliveryService(deliveryRepo, orderRepo, userRepo, profileService, escrowService, logger)
	orderService := service.NewOrderService(orderRepo, listingRepo, cartRepo, deliveryRepo, escrowService, logger)
	paymentService := service.NewPaymentService(service.PaymentConfig{
		Payments:   paymentRepo,
		Orders:     orderRepo,
		Escrows:    escrowRepo,
		Profiles:   profileRepo,
		Gateways:   gateways,
		Escrow:     escrowService,
		Deliveries: deliveryService,
		Metrics:    m,
		Logger:     logger,
	})
	chatService := service.NewChatService(chatRepo, userRepo, orderRepo, cfg.ChatSecret(),
		time.Duration(cfg.Chat.TokenTTLMinutes)*time.Minute, logger)

	hub := chat.NewHub(cfg.Server.AllowedOrigins, logger)
	chatService.SetNotifier(hub)

	var (
		publisher chainsync.Publisher
		drift     jobs.DriftChecker
	)
	if contract != nil {
		publisher = chainsync.NewPublisher(chainsync.Config{
			MaxConcurrent: cfg.Ledger.MaxConcurrent,
			Logger:        logger,
		}, contract, listingRepo, profileRepo)
		if err := publisher.Start(ctx); err != nil {
			logger.Fatalf("start chain publisher: %v", err)
		}
		if err := publisher.Resume(ctx); err != nil {
			logger.Warnf("resume chain sync: %v", err)
		}
		listingService.SetChainSyncer(publisher)
		orderService.SetChainSyncer(publisher)
		drift = chainsync.NewMonitor(listingRepo, contract, publisher, m, logger)
	}

	scheduler, err := jobs.NewScheduler(jobs.Config{
		EscrowSchedule:  cfg.Escrow.Schedule,
		MonitorSchedule: cfg.Ledger.MonitorSchedule,
		PendingTTL:      time.Duration(cfg.Payments.PendingTTLMinutes) * time.Minute,
		Logger:          logger,
	}, escrowService, paymentService, drift)
	if err != nil {
		logger.Fatalf("setup scheduler: %v", err)
	}
	scheduler.Start()

	handler := apphttp.NewHandler(apphttp.Deps{
		Users:          userService,
		Tokens:         tokens,
		Profiles:       profileService,
		Listings:       listingService,
		Cart:           cartService,
		Orders:         orderService,
		Payments:       paymentService,
		Deliveries:     deliveryService,
		Chat:           chatService,
		Ledger:         ledgerService,
		Hub:            hub,
		Metrics:        m,
		Logger:         logger,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		CookieName:     cfg.Auth.CookieName,
		CookieSecure:   cfg.Auth.CookieSecure,
		AuthRPS:        cfg.RateLimit.AuthRPS,
		AuthBurst:      cfg.RateLimit.AuthBurst,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	hub.Shutdown()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Warnf("scheduler shutdown: %v", err)
	}
	if publisher != nil {
		publisher.Shutdown()
	}

	logger.Info("bye")
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

func buildCart(ctx context.Context, cfg config.Config, fallback repository.CartRepository, logger *logrus.Logger) (repository.CartRepository, func(), error) {
	if cfg.Cart.Backend != "redis" {
		return fallback, func() {}, nil
	}
	client := goredis.NewClient(&goredis.Options{Addr: cfg.Cart.RedisAddr})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Cart.RedisAddr, err)
	}
	logger.Infof("using redis cart store at %s", cfg.Cart.RedisAddr)
	ttl := time.Duration(cfg.Cart.RedisTTLHours) * time.Hour
	return redisrepo.NewCartRepository(client, ttl), func() { client.Close() }, nil
}

// buildStorage returns a nil service when no bucket is configured; uploads then answer 503.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, error) {
	if cfg.Storage.Bucket == "" {
		logger.Warn("no storage bucket configured; image and document uploads are disabled")
		return nil, nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	svc, err := storage.NewS3Service(client, cfg.Storage.Bucket, cfg.Storage.KeyPrefix)
	if err != nil {
		return nil, err
	}
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return svc, nil
}

func buildGateways(cfg config.Config, logger *logrus.Logger) (map[domain.PaymentProvider]payment.Gateway, error) {
	gateways := map[domain.PaymentProvider]payment.Gateway{}

	card := cfg.Payments.Card
	if card.BaseURL != "" && card.SecretKey != "" {
		gateways[domain.PaymentProviderCard] = payment.NewCardGateway(payment.CardConfig{
			BaseURL:       card.BaseURL,
			SecretKey:     card.SecretKey,
			WebhookSecret: card.WebhookSecret,
		})
	}

	mm := cfg.Payments.MobileMoney
	if mm.BaseURL != "" && mm.ConsumerKey != "" {
		gateways[domain.PaymentProviderMobileMoney] = payment.NewMobileMoneyGateway(payment.MobileMoneyConfig{
			BaseURL:        mm.BaseURL,
			ConsumerKey:    mm.ConsumerKey,
			ConsumerSecret: mm.ConsumerSecret,
			ShortCode:      mm.ShortCode,
			Passkey:        mm.Passkey,
			CallbackURL:    mm.CallbackURL,
		})
	}

	crypto := cfg.Payments.Crypto
	if crypto.RPCURL != "" && crypto.MerchantAddress != "" {
		gw, err := payment.DialCryptoGateway(payment.CryptoConfig{
			RPCURL:          crypto.RPCURL,
			MerchantAddress: crypto.MerchantAddress,
			CentsPerEther:   crypto.CentsPerEther,
			Confirmations:   crypto.Confirmations,
		})
		if err != nil {
			return nil, fmt.Errorf("crypto gateway: %w", err)
		}
		gateways[domain.PaymentProviderCrypto] = gw
	}

	for provider := range gateways {
		logger.Infof("payment provider %s enabled", provider)
	}
	return gateways, nil
}

// buildLedger returns a nil contract when the ledger is switched off.
func buildLedger(cfg config.Config, m *metrics.Metrics, logger *logrus.Logger) (ledger.Contract, string, error) {
	escrowAddr := cfg.Ledger.EscrowAddress
	if escrowAddr == "" {
		escrowAddr = cfg.Ledger.SignerAddress
	}
	if escrowAddr == "" {
		escrowAddr = "platform-escrow"
	}

	var contract ledger.Contract
	switch cfg.Ledger.Backend {
	case "off":
		logger.Info("ledger disabled")
		return nil, "", nil
	case "neo":
		c, err := neo.NewContract(neo.Config{
			RPCURL:       cfg.Ledger.RPCURL,
			ContractHash: cfg.Ledger.ContractHash,
			Signer:       cfg.Ledger.SignerAddress,
		})
		if err != nil {
			return nil, "", err
		}
		contract = c
		logger.Infof("using neo contract %s", cfg.Ledger.ContractHash)
	default:
		contract = ledger.NewMemoryContract()
		logger.Info("using in-memory ledger")
	}
	return ledger.NewInstrumented(contract, m.LedgerCalls), escrowAddr, nil
}

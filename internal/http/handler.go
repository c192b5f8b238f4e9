package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"agrimarket/internal/chat"
	"agrimarket/internal/metrics"
	"agrimarket/internal/service"
)

// Deps collects what the handlers need. Ledger and Hub may be nil.
type Deps struct {
	Users      service.UserService
	Tokens     *service.TokenService
	Profiles   service.ProfileService
	Listings   service.ListingService
	Cart       service.CartService
	Orders     service.OrderService
	Payments   service.PaymentService
	Deliveries service.DeliveryService
	Chat       service.ChatService
	Ledger     service.LedgerService
	Hub        *chat.Hub
	Metrics    *metrics.Metrics
	Logger     logrus.FieldLogger

	AllowedOrigins []string
	CookieName     string
	CookieSecure   bool
	AuthRPS        float64
	AuthBurst      int
}

// Handler wires HTTP routes to domain services.
type Handler struct {
	Deps
	authLimiter *ipRateLimiter
}

func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	if deps.CookieName == "" {
		deps.CookieName = "agri_session"
	}
	if deps.AuthRPS <= 0 {
		deps.AuthRPS = 1
	}
	if deps.AuthBurst <= 0 {
		deps.AuthBurst = 5
	}
	registerValidators()
	return &Handler{
		Deps:        deps,
		authLimiter: newIPRateLimiter(deps.AuthRPS, deps.AuthBurst),
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(accessLog(h.Logger))
	router.Use(h.Metrics.Middleware())
	router.Use(cors.New(corsConfig(h.AllowedOrigins)))

	if h.Metrics != nil {
		router.GET("/metrics", gin.WrapH(h.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
	})

	auth := api.Group("/auth")
	{
		auth.POST("/register", h.authLimiter.middleware(), h.register)
		auth.POST("/login", h.authLimiter.middleware(), h.login)
		auth.POST("/logout", h.logout)
		auth.GET("/me", h.requireAuth(), h.me)
	}

	public := api.Group("", h.optionalAuth())
	{
		public.GET("/listings", h.listListings)
		public.GET("/listings/:id", h.getListing)
		public.GET("/listings/:id/images", h.listListingImages)
	}

	webhooks := api.Group("/webhooks")
	{
		webhooks.POST("/card", h.cardWebhook)
		webhooks.POST("/mobile-money", h.mobileMoneyCallback)
	}

	// the websocket authenticates with its own chat token
	api.GET("/chat/ws", h.chatSocket)

	authed := api.Group("", h.requireAuth())
	{
		authed.GET("/profile", h.getProfile)
		authed.PUT("/profile", h.updateProfile)
		authed.POST("/profile/kyc", h.submitKYC)

		authed.POST("/listings", h.createListing)
		authed.PATCH("/listings/:id", h.updateListing)
		authed.DELETE("/listings/:id", h.archiveListing)
		authed.POST("/listings/:id/images", h.uploadListingImage)

		authed.GET("/cart", h.getCart)
		authed.PUT("/cart/items/:listingID", h.setCartItem)
		authed.POST("/cart/sync", h.syncCart)
		authed.DELETE("/cart", h.clearCart)

		authed.POST("/orders", h.checkout)
		authed.GET("/orders", h.listOrders)
		authed.GET("/orders/:id", h.getOrder)
		authed.POST("/orders/:id/cancel", h.cancelOrder)
		authed.POST("/orders/:id/confirm", h.confirmOrder)
		authed.GET("/orders/:id/delivery", h.getOrderDelivery)

		authed.POST("/payments", h.initiatePayment)
		authed.GET("/payments/:id", h.getPayment)
		authed.POST("/payments/:id/crypto/confirm", h.confirmCryptoPayment)

		authed.GET("/deliveries", h.listDeliveries)
		authed.POST("/deliveries/:id/assign", h.assignDelivery)
		authed.POST("/deliveries/:id/status", h.updateDeliveryStatus)

		authed.POST("/chat/sessions", h.createChatSession)
		authed.GET("/chat/sessions", h.listChatSessions)
		authed.GET("/chat/sessions/:id/token", h.chatToken)
		authed.POST("/chat/sessions/:id/messages", h.postChatMessage)
		authed.GET("/chat/sessions/:id/messages", h.listChatMessages)

		authed.POST("/ledger/farmer", h.registerLedgerFarmer)
		authed.GET("/ledger/farmer", h.ledgerAccount)
		authed.POST("/ledger/withdraw", h.ledgerWithdraw)
		authed.GET("/ledger/products/:id", h.ledgerProduct)
	}

	admin := api.Group("/admin", h.requireAuth(), h.requireAdmin())
	{
		admin.GET("/kyc", h.listKYC)
		admin.POST("/kyc/:userID", h.reviewKYC)
		admin.GET("/kyc/:userID/document", h.kycDocument)
	}
}

// corsConfig echoes any origin when the list is empty or holds "*", since
// credentialed requests cannot use a literal wildcard.
func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			origins = nil
			break
		}
	}
	if len(origins) == 0 {
		cfg.AllowOriginFunc = func(string) bool { return true }
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

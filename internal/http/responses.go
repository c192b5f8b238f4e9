package http

import (
	"time"

	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/service"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := formatTime(*t)
	return &v
}

type UserResponse struct {
	ID        int64       `json:"id"`
	Email     string      `json:"email"`
	Role      domain.Role `json:"role"`
	CreatedAt string      `json:"created_at"`
}

func userToResponse(u *domain.User) UserResponse {
	return UserResponse{
		ID:        u.ID,
		Email:     u.Email,
		Role:      u.Role,
		CreatedAt: formatTime(u.CreatedAt),
	}
}

type SessionResponse struct {
	Token     string       `json:"token"`
	ExpiresAt string       `json:"expires_at"`
	User      UserResponse `json:"user"`
}

type ProfileResponse struct {
	UserID        int64            `json:"user_id"`
	FullName      string           `json:"full_name"`
	Phone         string           `json:"phone"`
	Location      string           `json:"location"`
	Bio           string           `json:"bio"`
	WalletAddress string           `json:"wallet_address"`
	KYCStatus     domain.KYCStatus `json:"kyc_status"`
	KYCNote       string           `json:"kyc_note,omitempty"`
	UpdatedAt     *string          `json:"updated_at,omitempty"`
}

func profileToResponse(p *domain.Profile) ProfileResponse {
	return ProfileResponse{
		UserID:        p.UserID,
		FullName:      p.FullName,
		Phone:         p.Phone,
		Location:      p.Location,
		Bio:           p.Bio,
		WalletAddress: p.WalletAddress,
		KYCStatus:     p.KYCStatus,
		KYCNote:       p.KYCNote,
		UpdatedAt:     formatTimePtr(&p.UpdatedAt),
	}
}

type ListingResponse struct {
	ID             int64                `json:"id"`
	SellerID       int64                `json:"seller_id"`
	Title          string               `json:"title"`
	Description    string               `json:"description"`
	Category       string               `json:"category"`
	Unit           string               `json:"unit"`
	PriceCents     int64                `json:"price_cents"`
	Quantity       int64                `json:"quantity"`
	Currency       string               `json:"currency"`
	Location       string               `json:"location"`
	Status         domain.ListingStatus `json:"status"`
	OnChain        bool                 `json:"on_chain"`
	ChainStatus    domain.ChainStatus   `json:"chain_status"`
	ChainProductID int64                `json:"chain_product_id,omitempty"`
	ChainError     string               `json:"chain_error,omitempty"`
	CreatedAt      string               `json:"created_at"`
	UpdatedAt      string               `json:"updated_at"`
}

func listingToResponse(l *domain.Listing) ListingResponse {
	return ListingResponse{
		ID:             l.ID,
		SellerID:       l.SellerID,
		Title:          l.Title,
		Description:    l.Description,
		Category:       l.Category,
		Unit:           l.Unit,
		PriceCents:     l.PriceCents,
		Quantity:       l.Quantity,
		Currency:       l.Currency,
		Location:       l.Location,
		Status:         l.Status,
		OnChain:        l.OnChain,
		ChainStatus:    l.ChainStatus,
		ChainProductID: l.ChainProductID,
		ChainError:     l.ChainError,
		CreatedAt:      formatTime(l.CreatedAt),
		UpdatedAt:      formatTime(l.UpdatedAt),
	}
}

type ImageResponse struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

type CartLineResponse struct {
	ListingID      int64                `json:"listing_id"`
	Title          string               `json:"title"`
	Quantity       int64                `json:"quantity"`
	Available      int64                `json:"available"`
	UnitPriceCents int64                `json:"unit_price_cents"`
	SubtotalCents  int64                `json:"subtotal_cents"`
	Currency       string               `json:"currency"`
	ListingStatus  domain.ListingStatus `json:"listing_status"`
	ExceedsStock   bool                 `json:"exceeds_stock"`
}

type CartAdjustmentResponse struct {
	ListingID int64  `json:"listing_id"`
	Requested int64  `json:"requested"`
	Quantity  int64  `json:"quantity"`
	Reason    string `json:"reason"`
}

type CartResponse struct {
	Items       []CartLineResponse       `json:"items"`
	TotalCents  int64                    `json:"total_cents"`
	StockIssues bool                     `json:"stock_issues"`
	Adjusted    []CartAdjustmentResponse `json:"adjusted,omitempty"`
}

func cartToResponse(v *service.CartView, adjustments []service.CartAdjustment) CartResponse {
	resp := CartResponse{
		Items:       make([]CartLineResponse, len(v.Items)),
		TotalCents:  v.TotalCents,
		StockIssues: v.StockIssues,
	}
	for i, line := range v.Items {
		resp.Items[i] = CartLineResponse{
			ListingID:      line.ListingID,
			Title:          line.Title,
			Quantity:       line.Quantity,
			Available:      line.Available,
			UnitPriceCents: line.UnitPriceCents,
			SubtotalCents:  line.SubtotalCents,
			Currency:       line.Currency,
			ListingStatus:  line.ListingStatus,
			ExceedsStock:   line.ExceedsStock,
		}
	}
	for _, a := range adjustments {
		resp.Adjusted = append(resp.Adjusted, CartAdjustmentResponse{
			ListingID: a.ListingID,
			Requested: a.Requested,
			Quantity:  a.Quantity,
			Reason:    a.Reason,
		})
	}
	return resp
}

type OrderItemResponse struct {
	ListingID      int64  `json:"listing_id"`
	Title          string `json:"title"`
	Quantity       int64  `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
	SubtotalCents  int64  `json:"subtotal_cents"`
}

type OrderResponse struct {
	ID              int64               `json:"id"`
	BuyerID         int64               `json:"buyer_id"`
	SellerID        int64               `json:"seller_id"`
	Status          domain.OrderStatus  `json:"status"`
	TotalCents      int64               `json:"total_cents"`
	Currency        string              `json:"currency"`
	ShippingAddress string              `json:"shipping_address"`
	Items           []OrderItemResponse `json:"items"`
	CreatedAt       string              `json:"created_at"`
	UpdatedAt       string              `json:"updated_at"`
}

func orderToResponse(o *domain.Order) OrderResponse {
	resp := OrderResponse{
		ID:              o.ID,
		BuyerID:         o.BuyerID,
		SellerID:        o.SellerID,
		Status:          o.Status,
		TotalCents:      o.TotalCents,
		Currency:        o.Currency,
		ShippingAddress: o.ShippingAddress,
		Items:           make([]OrderItemResponse, len(o.Items)),
		CreatedAt:       formatTime(o.CreatedAt),
		UpdatedAt:       formatTime(o.UpdatedAt),
	}
	for i, item := range o.Items {
		resp.Items[i] = OrderItemResponse{
			ListingID:      item.ListingID,
			Title:          item.Title,
			Quantity:       item.Quantity,
			UnitPriceCents: item.UnitPriceCents,
			SubtotalCents:  item.Subtotal(),
		}
	}
	return resp
}

type PaymentResponse struct {
	ID           int64                  `json:"id"`
	OrderID      int64                  `json:"order_id"`
	Provider     domain.PaymentProvider `json:"provider"`
	Status       domain.PaymentStatus   `json:"status"`
	AmountCents  int64                  `json:"amount_cents"`
	Currency     string                 `json:"currency"`
	ExternalRef  string                 `json:"external_ref,omitempty"`
	Checkout     map[string]string      `json:"checkout,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    string                 `json:"created_at"`
	UpdatedAt    string                 `json:"updated_at"`
}

// paymentToResponse shows the provider reference to admins only; it is what
// provider notifications are matched on.
func paymentToResponse(p *domain.Payment, viewer *domain.User) PaymentResponse {
	resp := PaymentResponse{
		ID:           p.ID,
		OrderID:      p.OrderID,
		Provider:     p.Provider,
		Status:       p.Status,
		AmountCents:  p.AmountCents,
		Currency:     p.Currency,
		Checkout:     p.Checkout,
		ErrorMessage: p.ErrorMessage,
		CreatedAt:    formatTime(p.CreatedAt),
		UpdatedAt:    formatTime(p.UpdatedAt),
	}
	if viewer != nil && viewer.Role == domain.RoleAdmin {
		resp.ExternalRef = p.ExternalRef
	}
	return resp
}

type DeliveryEventResponse struct {
	Status   domain.DeliveryStatus `json:"status"`
	Note     string                `json:"note,omitempty"`
	Location string                `json:"location,omitempty"`
	At       string                `json:"at"`
}

type DeliveryResponse struct {
	ID            int64                   `json:"id"`
	OrderID       int64                   `json:"order_id"`
	TransporterID *int64                  `json:"transporter_id,omitempty"`
	Status        domain.DeliveryStatus   `json:"status"`
	Events        []DeliveryEventResponse `json:"events"`
	CreatedAt     string                  `json:"created_at"`
	UpdatedAt     string                  `json:"updated_at"`
}

func deliveryToResponse(d *domain.Delivery) DeliveryResponse {
	resp := DeliveryResponse{
		ID:            d.ID,
		OrderID:       d.OrderID,
		TransporterID: d.TransporterID,
		Status:        d.Status,
		Events:        make([]DeliveryEventResponse, len(d.Events)),
		CreatedAt:     formatTime(d.CreatedAt),
		UpdatedAt:     formatTime(d.UpdatedAt),
	}
	for i, ev := range d.Events {
		resp.Events[i] = DeliveryEventResponse{
			Status:   ev.Status,
			Note:     ev.Note,
			Location: ev.Location,
			At:       formatTime(ev.At),
		}
	}
	return resp
}

type ChatSessionResponse struct {
	ID           int64              `json:"id"`
	Kind         domain.SessionKind `json:"kind"`
	Room         string             `json:"room"`
	CreatedBy    int64              `json:"created_by"`
	OrderID      *int64             `json:"order_id,omitempty"`
	Participants []int64            `json:"participants"`
	CreatedAt    string             `json:"created_at"`
}

func sessionToResponse(s *domain.ChatSession) ChatSessionResponse {
	return ChatSessionResponse{
		ID:           s.ID,
		Kind:         s.Kind,
		Room:         s.Room,
		CreatedBy:    s.CreatedBy,
		OrderID:      s.OrderID,
		Participants: s.Participants,
		CreatedAt:    formatTime(s.CreatedAt),
	}
}

type ChatMessageResponse struct {
	ID        int64  `json:"id"`
	SessionID int64  `json:"session_id"`
	SenderID  int64  `json:"sender_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

func messageToResponse(m *domain.ChatMessage) ChatMessageResponse {
	return ChatMessageResponse{
		ID:        m.ID,
		SessionID: m.SessionID,
		SenderID:  m.SenderID,
		Body:      m.Body,
		CreatedAt: formatTime(m.CreatedAt),
	}
}

type ReceiptResponse struct {
	TxHash   string `json:"tx_hash"`
	Sequence uint64 `json:"sequence"`
}

type FarmerAccountResponse struct {
	Address string `json:"address"`
	Name    string `json:"name"`
	Balance int64  `json:"balance"`
}

type ProductResponse struct {
	ID     int64  `json:"id"`
	Farmer string `json:"farmer"`
	Name   string `json:"name"`
	Price  int64  `json:"price"`
	Stock  int64  `json:"stock"`
}

func accountToResponse(a *ledger.FarmerAccount) FarmerAccountResponse {
	return FarmerAccountResponse{Address: a.Address, Name: a.Name, Balance: a.Balance}
}

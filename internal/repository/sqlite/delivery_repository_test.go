package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
)

func TestDeliveryRepository_History(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seller := s.user(t, "s@example.com", domain.RoleFarmer)
	buyer := s.user(t, "b@example.com", domain.RoleBuyer)
	driver := s.user(t, "t@example.com", domain.RoleTransporter)
	o := s.order(t, buyer.ID, s.listing(t, seller.ID, 100, 2), 1)

	d := &domain.Delivery{OrderID: o.ID}
	_, err := s.deliveries.Create(ctx, d)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPending, d.Status)

	_, err = s.deliveries.Create(ctx, &domain.Delivery{OrderID: o.ID})
	assert.ErrorIs(t, err, domain.ErrConflict)

	require.NoError(t, s.deliveries.Assign(ctx, d.ID, driver.ID, domain.DeliveryEvent{Note: "assigned", At: time.Now()}))
	require.NoError(t, s.deliveries.AppendEvent(ctx, d.ID, domain.DeliveryEvent{Status: domain.DeliveryStatusPickedUp, Location: "Nakuru", At: time.Now()}))

	got, err := s.deliveries.GetByOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryStatusPickedUp, got.Status)
	require.NotNil(t, got.TransporterID)
	assert.Equal(t, driver.ID, *got.TransporterID)
	require.Len(t, got.Events, 3)
	assert.Equal(t, domain.DeliveryStatusPending, got.Events[0].Status)
	assert.Equal(t, "Nakuru", got.Events[2].Location)

	mine, err := s.deliveries.ListByTransporter(ctx, driver.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	err = s.deliveries.AppendEvent(ctx, 999, domain.DeliveryEvent{Status: domain.DeliveryStatusFailed, At: time.Now()})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestChatRepository_MessagesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := s.user(t, "a@example.com", domain.RoleFarmer)
	b := s.user(t, "b@example.com", domain.RoleBuyer)
	c := s.user(t, "c@example.com", domain.RoleExpert)

	session := &domain.ChatSession{Kind: domain.SessionKindChat, Room: "room-1", CreatedBy: a.ID, Participants: []int64{a.ID, b.ID, a.ID}}
	_, err := s.chat.CreateSession(ctx, session)
	require.NoError(t, err)

	got, err := s.chat.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{a.ID, b.ID}, got.Participants)
	assert.Nil(t, got.OrderID)

	for _, body := range []string{"one", "two", "three"} {
		_, err := s.chat.AddMessage(ctx, &domain.ChatMessage{SessionID: session.ID, SenderID: a.ID, Body: body})
		require.NoError(t, err)
	}

	msgs, err := s.chat.ListMessages(ctx, session.ID, 2, nil)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Body)
	assert.Equal(t, "three", msgs[1].Body)

	sessions, err := s.chat.ListSessionsForUser(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)

	none, err := s.chat.ListSessionsForUser(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, none)
}

package client

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"guest-presence/internal/handlers"
	"guest-presence/internal/middleware"
	"guest-presence/internal/models"
	"guest-presence/internal/repository"
	"guest-presence/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	*httptest.Server
	users   *services.UserService
	store   *repository.MemoryPresenceRepository
	hub     *services.Hub
	gateway *services.Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	users := services.NewUserService(repository.NewMemoryUserRepository(), "secret")
	store := repository.NewMemoryPresenceRepository(nil, nil)
	hub := services.NewHub(16)
	gateway := services.NewGateway(store, hub)

	presence := handlers.NewPresenceHandler(gateway, nil)
	ws := handlers.NewWebSocketHandler(hub, users)

	r := chi.NewRouter()
	r.Route("/api/v1/presence", func(r chi.Router) {
		r.Use(middleware.AuthMiddleware(users))
		r.Post("/", presence.UpsertPresence)
		r.Delete("/", presence.DeactivatePresence)
		r.With(middleware.RequireRole(services.RoleOperator)).Get("/", presence.GetPresence)
	})
	r.Get("/ws/presence", ws.HandleWebSocket)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, users: users, store: store, hub: hub, gateway: gateway}
}

func (s *testServer) token(t *testing.T, userID, role string) string {
	t.Helper()
	token, err := s.users.GenerateJWT(userID, role)
	require.NoError(t, err)
	return token
}

func TestClient_UpsertDeactivateSnapshot(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	userID := uuid.NewString()

	device := New(srv.URL, srv.token(t, userID, services.RoleGuest))
	operator := New(srv.URL+"/", srv.token(t, uuid.NewString(), services.RoleOperator))

	require.NoError(t, device.Upsert(ctx, userID, 9.6, -83.7))
	require.NoError(t, device.Upsert(ctx, userID, 9.61, -83.71))

	records, err := operator.GetAllActive(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, userID, records[0].UserID)
	assert.Equal(t, 9.61, records[0].Latitude)

	require.NoError(t, device.Deactivate(ctx, userID))

	records, err = operator.GetAllActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestClient_ErrorsCarryStatus(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	userID := uuid.NewString()
	device := New(srv.URL, srv.token(t, userID, services.RoleGuest))

	_, err := device.GetAllActive(ctx)
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 403, statusErr.StatusCode)

	err = device.Upsert(ctx, userID, 95, 0)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 400, statusErr.StatusCode)

	err = New(srv.URL, "bogus").Upsert(ctx, userID, 1, 1)
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, 401, statusErr.StatusCode)
}

func TestStream_DeliversBroadcastEvents(t *testing.T) {
	srv := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, err := NewStream(srv.URL, srv.token(t, uuid.NewString(), services.RoleOperator), 16)
	require.NoError(t, err)

	received := make(chan models.ChangeEvent, 4)
	unsubscribe := stream.Subscribe(func(ev models.ChangeEvent) { received <- ev })
	defer unsubscribe()

	runDone := make(chan error, 1)
	go func() { runDone <- stream.Run(ctx) }()

	// the server side subscribes once the socket is up
	require.Eventually(t, func() bool { return srv.hub.SubscriberCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	userID := uuid.NewString()
	require.NoError(t, srv.gateway.Upsert(ctx, userID, 9.6, -83.7))

	select {
	case ev := <-received:
		assert.Equal(t, models.ChangeInsert, ev.Type)
		assert.Equal(t, userID, ev.UserID)
		assert.Equal(t, 9.6, ev.Latitude)
	case <-time.After(2 * time.Second):
		t.Fatal("event not streamed")
	}

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not stop")
	}
	require.Eventually(t, func() bool { return srv.hub.SubscriberCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestNewStream_URL(t *testing.T) {
	s, err := NewStream("https://presence.example.com/", "tok", 1)
	require.NoError(t, err)
	assert.Equal(t, "wss://presence.example.com/ws/presence?token=tok", s.url)

	_, err = NewStream("ftp://example.com", "tok", 1)
	assert.Error(t, err)
}

func TestTokenUserID(t *testing.T) {
	srv := newTestServer(t)
	userID := uuid.NewString()

	got, err := TokenUserID(srv.token(t, userID, services.RoleGuest))
	require.NoError(t, err)
	assert.Equal(t, userID, got)

	_, err = TokenUserID("not.a.token")
	assert.Error(t, err)
}

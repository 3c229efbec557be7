package test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/yourorg/condominio/internal/domain"
	"github.com/yourorg/condominio/internal/handler"
	"github.com/yourorg/condominio/internal/infrastructure/logger"
	"github.com/yourorg/condominio/internal/repository"
	"github.com/yourorg/condominio/internal/security/auth"
	"github.com/yourorg/condominio/internal/service"
)

// CapturingPublisher records published worker-creation messages and can be
// told to fail, standing in for the Kafka producer.
type CapturingPublisher struct {
	mu       sync.Mutex
	Messages []domain.WorkerCreationMessage
	FailWith error
}

func (p *CapturingPublisher) PublishWorkerCreation(ctx context.Context, msg domain.WorkerCreationMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailWith != nil {
		return p.FailWith
	}
	p.Messages = append(p.Messages, msg)
	return nil
}

func (p *CapturingPublisher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Messages)
}

// TestServerHelper wires the full HTTP surface over an in-memory store so
// end-to-end flows run without Postgres, Redis or Kafka.
type TestServerHelper struct {
	Server       *httptest.Server
	Store        *repository.MemoryStore
	Publisher    *CapturingPublisher
	Provisioning *service.ProvisioningService
	Auth         *service.AuthService
	Logger       *slog.Logger
}

func NewTestServer(t *testing.T) *TestServerHelper {
	log := logger.NewLogger("error")
	store := repository.NewMemoryStore()
	publisher := &CapturingPublisher{}

	provisioning := service.NewProvisioningService(store, publisher, log, service.ProvisioningOptions{})
	tokenManager := auth.NewTokenManager("test-secret", "condominio")
	authService := service.NewAuthService(store, tokenManager, 3, 15*time.Minute, log)

	provisionHandler := handler.NewProvisionHandler(provisioning, log)
	statusHandler := handler.NewProvisionStatusHandler(provisioning, nil, time.Second, log)
	resolveHandler := handler.NewResolveHandler(provisioning, log)
	loginHandler := handler.NewLoginHandler(authService, log)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"store": handler.PingerFunc(func(ctx context.Context) error { return nil }),
	}, log)

	mux := http.NewServeMux()
	mux.Handle("POST /api/users", provisionHandler)
	mux.HandleFunc("POST /api/users/standalone", provisionHandler.CreateStandalone)
	mux.Handle("GET /api/provisioning/{id}", statusHandler)
	mux.Handle("POST /api/provisioning/{id}/resolve", resolveHandler)
	mux.Handle("POST /api/login", loginHandler)
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)

	server := httptest.NewServer(mux)

	return &TestServerHelper{
		Server:       server,
		Store:        store,
		Publisher:    publisher,
		Provisioning: provisioning,
		Auth:         authService,
		Logger:       log,
	}
}

func (h *TestServerHelper) Close() {
	h.Server.Close()
}

func (h *TestServerHelper) URL() string {
	return h.Server.URL
}

// AssertStatusCode helper function
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status %d, got %d", expected, resp.StatusCode)
	}
}

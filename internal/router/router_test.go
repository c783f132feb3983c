package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/events"
	"github.com/circle-fin/usdc-flow-tracker/internal/handlers"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestCorsMiddleware_DefaultAllowsAll(t *testing.T) {
	config.AppConfig = nil

	r := gin.New()
	r.Use(corsMiddleware())
	r.GET("/health", handlers.Health)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected allow-all origin by default, got %q", got)
	}
}

func TestCorsMiddleware_RestrictsToConfiguredOrigins(t *testing.T) {
	config.AppConfig = &config.Config{
		CORS: config.CORSConfig{AllowedOrigins: []string{"https://allowed.example.com"}},
	}
	defer func() { config.AppConfig = nil }()

	r := gin.New()
	r.Use(corsMiddleware())
	r.GET("/health", handlers.Health)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://not-allowed.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow-origin header for a disallowed origin, got %q", got)
	}
}

func TestCorsMiddleware_OptionsShortCircuits(t *testing.T) {
	config.AppConfig = nil

	r := gin.New()
	r.Use(corsMiddleware())
	r.GET("/health", handlers.Health)

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for OPTIONS preflight, got %d", w.Code)
	}
}

func TestSetupRouter_NoRouteReturns404JSON(t *testing.T) {
	flowHandler := handlers.NewFlowHandler(nil, nil, config.ChainRegistry{}, nil, events.NewBus(), nil)
	wsHandler := handlers.NewWebSocketHandler(events.NewBus())
	r := SetupRouter(flowHandler, wsHandler)

	req := httptest.NewRequest(http.MethodGet, "/not-a-real-route", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestSetupRouter_HealthOk(t *testing.T) {
	flowHandler := handlers.NewFlowHandler(nil, nil, config.ChainRegistry{}, nil, events.NewBus(), nil)
	wsHandler := handlers.NewWebSocketHandler(events.NewBus())
	r := SetupRouter(flowHandler, wsHandler)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

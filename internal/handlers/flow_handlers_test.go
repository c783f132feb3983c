package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/circle-fin/usdc-flow-tracker/internal/config"
	"github.com/circle-fin/usdc-flow-tracker/internal/events"
	"github.com/circle-fin/usdc-flow-tracker/internal/models"
	"github.com/circle-fin/usdc-flow-tracker/internal/repository"
	"github.com/circle-fin/usdc-flow-tracker/internal/tracker"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeFlowRepo struct {
	flows map[string]*models.Flow
}

func newFakeFlowRepo() *fakeFlowRepo {
	return &fakeFlowRepo{flows: make(map[string]*models.Flow)}
}

func (r *fakeFlowRepo) Create(ctx context.Context, flow *models.Flow) error {
	r.flows[flow.ID] = flow
	return nil
}

func (r *fakeFlowRepo) GetByID(ctx context.Context, id string) (*models.Flow, error) {
	if f, ok := r.flows[id]; ok {
		return f, nil
	}
	return nil, repository.ErrFlowNotFound
}

func (r *fakeFlowRepo) GetByTxHash(ctx context.Context, txHash string) (*models.Flow, error) {
	for _, f := range r.flows {
		if f.TxHash != nil && *f.TxHash == txHash {
			return f, nil
		}
	}
	return nil, repository.ErrFlowNotFound
}

func (r *fakeFlowRepo) GetByAnyChainHash(ctx context.Context, hash string) (*models.Flow, error) {
	return r.GetByTxHash(ctx, hash)
}

func (r *fakeFlowRepo) ListNonTerminal(ctx context.Context) ([]models.Flow, error) {
	var out []models.Flow
	for _, f := range r.flows {
		if !f.Status.IsTerminal() {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (r *fakeFlowRepo) WithLock(ctx context.Context, id string, fn func(tx *gorm.DB, flow *models.Flow) error) error {
	f, ok := r.flows[id]
	if !ok {
		return repository.ErrFlowNotFound
	}
	return fn(nil, f)
}

type fakeStatusLogRepo struct {
	logs []models.StatusLog
}

func (r *fakeStatusLogRepo) Append(ctx context.Context, log *models.StatusLog) error {
	r.logs = append(r.logs, *log)
	return nil
}

func (r *fakeStatusLogRepo) ListByFlow(ctx context.Context, flowID string) ([]models.StatusLog, error) {
	var out []models.StatusLog
	for _, l := range r.logs {
		if l.FlowID == flowID {
			out = append(out, l)
		}
	}
	return out, nil
}

func newTestRegistry() config.ChainRegistry {
	return config.ChainRegistry{
		"ethereum": config.ChainInfo{ChainType: config.ChainTypeEVM},
		"noble-1":  config.ChainInfo{ChainType: config.ChainTypeTendermint},
		"namada":   config.ChainInfo{ChainType: config.ChainTypeTendermint},
	}
}

func TestGetFlow_NotFound(t *testing.T) {
	h := NewFlowHandler(newFakeFlowRepo(), &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.GET("/api/flow/:id", h.GetFlow)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetFlow_Found(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", Status: models.FlowStatusPending}
	h := NewFlowHandler(repo, &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.GET("/api/flow/:id", h.GetFlow)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/flow-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "flow-1") {
		t.Fatalf("expected body to contain flow id, got %s", w.Body.String())
	}
}

func TestGetFlowStatus(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", Status: models.FlowStatusCompleted}
	h := NewFlowHandler(repo, &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.GET("/api/flow/:id/status", h.GetFlowStatus)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/flow-1/status", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), string(models.FlowStatusCompleted)) {
		t.Fatalf("expected completed status in body, got %s", w.Body.String())
	}
}

func TestGetFlowLogs(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1"}
	statusLogs := &fakeStatusLogRepo{logs: []models.StatusLog{
		{FlowID: "flow-1", Stage: "noble_cctp_minted"},
		{FlowID: "flow-1", Stage: "noble_ibc_forwarded"},
		{FlowID: "other", Stage: "evm_burned"},
	}}
	h := NewFlowHandler(repo, statusLogs, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.GET("/api/flow/:id/logs", h.GetFlowLogs)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/flow-1/logs", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "evm_burned") {
		t.Fatalf("expected logs scoped to the requested flow only, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "noble_cctp_minted") {
		t.Fatalf("expected the flow's own logs, got %s", w.Body.String())
	}
}

func TestAppendStage_AppendsToStagesAndPublishes(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", ChainProgress: models.ChainProgress{}}
	statusLogs := &fakeStatusLogRepo{}
	bus := events.NewBus()
	ch := bus.Subscribe("flow-1", "test-client")

	h := NewFlowHandler(repo, statusLogs, newTestRegistry(), nil, bus, nil)

	r := gin.New()
	r.POST("/api/flow/:id/stage", h.AppendStage)

	body := `{"chain":"noble","stage":"noble_cctp_minted","txHash":"0xabc"}`
	req := httptest.NewRequest(http.MethodPost, "/api/flow/flow-1/stage", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	entry := repo.flows["flow-1"].ChainProgress.Entry(models.ChainKey("noble"))
	if len(entry.Stages) != 1 || entry.Stages[0].Stage != "noble_cctp_minted" {
		t.Fatalf("expected stage appended to the noble chain entry, got %+v", entry.Stages)
	}
	if len(statusLogs.logs) != 1 {
		t.Fatalf("expected one status log row, got %d", len(statusLogs.logs))
	}

	select {
	case update := <-ch:
		if update.Stage != "noble_cctp_minted" {
			t.Fatalf("unexpected published stage: %s", update.Stage)
		}
	default:
		t.Fatal("expected a status update to be published to subscribers")
	}
}

func TestAppendStage_GaslessKindRoutesToGaslessStages(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", ChainProgress: models.ChainProgress{}}
	h := NewFlowHandler(repo, &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.POST("/api/flow/:id/stage", h.AppendStage)

	body := `{"chain":"namada","stage":"gasless_relay","kind":"gasless"}`
	req := httptest.NewRequest(http.MethodPost, "/api/flow/flow-1/stage", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	entry := repo.flows["flow-1"].ChainProgress.Entry(models.ChainKey("namada"))
	if len(entry.GaslessStages) != 1 {
		t.Fatalf("expected gasless stage routed to GaslessStages, got %+v", entry)
	}
	if len(entry.Stages) != 0 {
		t.Fatalf("expected primary Stages untouched, got %+v", entry.Stages)
	}
}

func TestAppendStage_UnknownFlowReturns404(t *testing.T) {
	h := NewFlowHandler(newFakeFlowRepo(), &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.POST("/api/flow/:id/stage", h.AppendStage)

	body := `{"chain":"noble","stage":"noble_cctp_minted"}`
	req := httptest.NewRequest(http.MethodPost, "/api/flow/missing/stage", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetFlowJob_ReportsInactiveWithNoSupervisor(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", Status: models.FlowStatusPending}
	h := NewFlowHandler(repo, &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.GET("/api/flow/:id/job", h.GetFlowJob)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/flow-1/job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"active":false`) {
		t.Fatalf("expected inactive with no supervisor wired, got %s", w.Body.String())
	}
}

func TestGetFlowJob_ReportsActiveOnlyForTheStartedFlow(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", Status: models.FlowStatusPending}
	repo.flows["flow-2"] = &models.Flow{ID: "flow-2", Status: models.FlowStatusPending}

	supervisor := tracker.NewSupervisor()
	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	supervisor.Start("flow-1", cancel)

	h := NewFlowHandler(repo, &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), supervisor)

	r := gin.New()
	r.GET("/api/flow/:id/job", h.GetFlowJob)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/flow-1/job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"active":true`) {
		t.Fatalf("expected flow-1 to report active, got %s", w.Body.String())
	}

	req2 := httptest.NewRequest(http.MethodGet, "/api/flow/flow-2/job", nil)
	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, req2)
	if !strings.Contains(w2.Body.String(), `"active":false`) {
		t.Fatalf("expected flow-2 to report inactive, got %s", w2.Body.String())
	}
}

func TestGetFlowJob_IncludesRecordedTimeout(t *testing.T) {
	repo := newFakeFlowRepo()
	repo.flows["flow-1"] = &models.Flow{ID: "flow-1", Status: models.FlowStatusPending}

	supervisor := tracker.NewSupervisor()
	supervisor.RecordTimeout("flow-1", "noble_cctp_minted", 300000)

	h := NewFlowHandler(repo, &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), supervisor)

	r := gin.New()
	r.GET("/api/flow/:id/job", h.GetFlowJob)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/flow-1/job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), "noble_cctp_minted") {
		t.Fatalf("expected the recorded waiting stage in the response, got %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "300000") {
		t.Fatalf("expected the recorded timeout in the response, got %s", w.Body.String())
	}
}

func TestGetFlowJob_NotFound(t *testing.T) {
	h := NewFlowHandler(newFakeFlowRepo(), &fakeStatusLogRepo{}, newTestRegistry(), nil, events.NewBus(), nil)

	r := gin.New()
	r.GET("/api/flow/:id/job", h.GetFlowJob)

	req := httptest.NewRequest(http.MethodGet, "/api/flow/missing/job", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	r := gin.New()
	r.GET("/health", Health)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "usdc-flow-tracker") {
		t.Fatalf("expected service name in body, got %s", w.Body.String())
	}
}

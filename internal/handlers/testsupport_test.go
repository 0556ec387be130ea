package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dbflow/internal/models"
	"dbflow/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// stageRunner 固定返回给定结果的节点执行器
type stageRunner struct {
	outcome services.StageOutcome
}

func (r *stageRunner) Run(context.Context, *models.Ticket, *models.Flow) services.StageOutcome {
	return r.outcome
}

type handlerEnv struct {
	db        *gorm.DB
	router    *gin.Engine
	tickets   *services.TicketService
	manager   *services.FlowManager
	store     *services.FlowStore
	scheduler *services.SchedulerService
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.AllModels()...))

	logger := quietLogger()
	exclusion := services.NewExclusionService("", logger)
	require.NoError(t, exclusion.LoadFromReader(strings.NewReader("candidate,SWITCH\nSWITCH,\n")))
	ledger := services.NewLedgerService(db, logger, exclusion)
	store := services.NewFlowStore(db, logger, false)
	todos := services.NewTodoService(db, logger, []string{"admin"})
	pause := services.NewPauseRunner(store, ledger, todos, logger)
	runners := map[string]services.FlowRunner{
		models.FlowTypePause:     pause,
		models.FlowTypeInnerFlow: &stageRunner{outcome: services.StageOutcome{Kind: services.OutcomeAwaitingExternal}},
	}
	manager := services.NewFlowManager(db, logger, store, ledger, todos, nil, pause, runners, 0, 10*time.Minute)
	registry := services.NewBuilderRegistry()
	flowConfigs := services.NewFlowConfigService(db, logger)
	tickets := services.NewTicketService(db, logger, registry, flowConfigs, store, manager)
	scheduler := services.NewSchedulerService(db, logger)

	ticketHandler := NewTicketHandler(tickets, manager, store, logger)
	callbackHandler := NewCallbackHandler(manager, nil, logger)
	adminHandler := NewAdminHandler(flowConfigs, exclusion, scheduler, logger)
	healthHandler := NewHealthHandler(db, "test")

	router := gin.New()
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/metrics", healthHandler.Metrics)
	api := router.Group("/api")
	{
		api.POST("/tickets", ticketHandler.CreateTicket)
		api.GET("/tickets", ticketHandler.ListTickets)
		api.GET("/tickets/:id", ticketHandler.GetTicket)
		api.POST("/tickets/:id/confirm", ticketHandler.ConfirmTicket)
		api.POST("/tickets/:id/terminate", ticketHandler.TerminateTicket)
		api.POST("/tickets/:id/retry", ticketHandler.RetryTicket)
		api.POST("/callbacks/workflow", callbackHandler.WorkflowCallback)
		api.POST("/callbacks/approval", callbackHandler.ApprovalCallback)
		api.GET("/flow-configs", adminHandler.ListFlowConfigs)
		api.POST("/flow-configs", adminHandler.UpsertFlowConfig)
		api.GET("/tasks", adminHandler.ListTasks)
		api.POST("/tasks/:name/freeze", adminHandler.FreezeTask)
	}

	return &handlerEnv{
		db:        db,
		router:    router,
		tickets:   tickets,
		manager:   manager,
		store:     store,
		scheduler: scheduler,
	}
}

func (e *handlerEnv) request(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *handlerEnv) requestRaw(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func mustUnmarshal(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), "body: %s", w.Body.String())
}

package services

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"dbflow/internal/models"
	"dbflow/pkg/bkapi"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newTestExclusion(t *testing.T, matrix string) *ExclusionService {
	t.Helper()
	svc := NewExclusionService("", testLogger())
	if err := svc.LoadFromReader(strings.NewReader(matrix)); err != nil {
		t.Fatalf("load exclusion matrix: %v", err)
	}
	return svc
}

// 测试矩阵：BACKUP 允许与在跑 BACKUP 并行，其余组合一律互斥
const testMatrix = `candidate,BACKUP,SWITCH,MIGRATE
BACKUP,N,,
SWITCH,,,
MIGRATE,,,
`

// ---- 外部协作方假实现 ----

type fakeActuator struct {
	mu        sync.Mutex
	started   []string
	cancelled []string
	startErr  error
	// status 为空时上报 RUNNING
	status string
}

func (f *fakeActuator) Start(_ context.Context, rootID string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started = append(f.started, rootID)
	return nil
}

func (f *fakeActuator) Status(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		return bkapi.WorkflowStateRunning, nil
	}
	return f.status, nil
}

func (f *fakeActuator) Outputs(context.Context, string) (map[string]interface{}, error) {
	return nil, nil
}

func (f *fakeActuator) Cancel(_ context.Context, rootID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, rootID)
	return nil
}

type fakeApproval struct {
	created int
	err     error
}

func (f *fakeApproval) CreateApproval(context.Context, map[string]interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.created++
	return fmt.Sprintf("approval-%d", f.created), nil
}

func (f *fakeApproval) Withdraw(context.Context, string) error {
	return nil
}

type fakeResource struct {
	result   *bkapi.ResourceApplyResult
	applyErr error
	imported []map[string]interface{}
}

func (f *fakeResource) Apply(context.Context, map[string]interface{}) (*bkapi.ResourceApplyResult, error) {
	if f.applyErr != nil {
		return nil, f.applyErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &bkapi.ResourceApplyResult{
		Code:      bkapi.ResourceCodeOK,
		RequestID: "req-1",
		Hosts:     []bkapi.ResourceHost{{HostID: 1, IP: "10.0.0.1", Spec: "s1"}},
	}, nil
}

func (f *fakeResource) Import(_ context.Context, params map[string]interface{}) error {
	f.imported = append(f.imported, params)
	return nil
}

type fakeNotifier struct {
	titles []string
}

func (f *fakeNotifier) Send(_ context.Context, title, _ string, _ []string) error {
	f.titles = append(f.titles, title)
	return nil
}

type fakeInventory struct {
	clusters map[uint]*bkapi.Cluster
	byIP     map[string]*bkapi.Cluster
}

func (f *fakeInventory) GetCluster(_ context.Context, clusterID uint) (*bkapi.Cluster, error) {
	if c, ok := f.clusters[clusterID]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("cluster %d not found", clusterID)
}

func (f *fakeInventory) ListClustersByBiz(_ context.Context, bizID uint) ([]bkapi.Cluster, error) {
	var out []bkapi.Cluster
	for _, c := range f.clusters {
		if c.BizID == bizID {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeInventory) ListClustersByType(_ context.Context, clusterType string) ([]bkapi.Cluster, error) {
	var out []bkapi.Cluster
	for _, c := range f.clusters {
		if c.ClusterType == clusterType {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeInventory) GetHostCluster(_ context.Context, ip string) (*bkapi.Cluster, error) {
	if c, ok := f.byIP[ip]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("host %s not found", ip)
}

type fakeSwitchQueue struct {
	events []bkapi.SwitchEvent
}

func (f *fakeSwitchQueue) ListSwitchEvents(_ context.Context, fromID uint64, limit int) ([]bkapi.SwitchEvent, error) {
	var out []bkapi.SwitchEvent
	for _, e := range f.events {
		if e.SwitchID >= fromID {
			out = append(out, e)
		}
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

type fakeMonitor struct {
	result *bkapi.UnifyQueryResult
	err    error
}

func (f *fakeMonitor) UnifyQuery(context.Context, *bkapi.UnifyQueryParams) (*bkapi.UnifyQueryResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// stubRunner 可编程的节点执行器
type stubRunner struct {
	outcome StageOutcome
	calls   int
}

func (r *stubRunner) Run(context.Context, *models.Ticket, *models.Flow) StageOutcome {
	r.calls++
	return r.outcome
}

// ---- 整套服务的测试装配 ----

type testEnv struct {
	db          *gorm.DB
	exclusion   *ExclusionService
	ledger      *LedgerService
	store       *FlowStore
	todos       *TodoService
	actuator    *fakeActuator
	pause       *PauseRunner
	runners     map[string]FlowRunner
	manager     *FlowManager
	registry    *BuilderRegistry
	flowConfigs *FlowConfigService
	tickets     *TicketService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDB(t)
	logger := testLogger()
	exclusion := newTestExclusion(t, testMatrix)
	ledger := NewLedgerService(db, logger, exclusion)
	store := NewFlowStore(db, logger, false)
	todos := NewTodoService(db, logger, []string{"admin"})
	actuator := &fakeActuator{}
	pause := NewPauseRunner(store, ledger, todos, logger)
	runners := map[string]FlowRunner{
		models.FlowTypePause: pause,
	}
	manager := NewFlowManager(db, logger, store, ledger, todos, actuator, pause, runners, 0, 10*time.Minute)
	registry := NewBuilderRegistry()
	flowConfigs := NewFlowConfigService(db, logger)
	tickets := NewTicketService(db, logger, registry, flowConfigs, store, manager)
	return &testEnv{
		db:          db,
		exclusion:   exclusion,
		ledger:      ledger,
		store:       store,
		todos:       todos,
		actuator:    actuator,
		pause:       pause,
		runners:     runners,
		manager:     manager,
		registry:    registry,
		flowConfigs: flowConfigs,
		tickets:     tickets,
	}
}

func (e *testEnv) mustTicket(t *testing.T, ticketType string, details models.JSONMap) *models.Ticket {
	t.Helper()
	if details == nil {
		details = models.JSONMap{}
	}
	ticket := &models.Ticket{
		TicketType: ticketType,
		BizID:      1,
		Creator:    "tester",
		Status:     models.TicketStatusPending,
		Details:    details,
		Config:     models.JSONMap{},
	}
	if err := e.db.Create(ticket).Error; err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return ticket
}

func (e *testEnv) mustFlows(t *testing.T, ticketID uint, descriptors ...FlowDescriptor) []models.Flow {
	t.Helper()
	flows, err := e.store.CreateFlows(context.Background(), ticketID, descriptors)
	if err != nil {
		t.Fatalf("create flows: %v", err)
	}
	return flows
}

func (e *testEnv) reloadTicket(t *testing.T, id uint) *models.Ticket {
	t.Helper()
	var ticket models.Ticket
	if err := e.db.First(&ticket, id).Error; err != nil {
		t.Fatalf("reload ticket %d: %v", id, err)
	}
	return &ticket
}

func (e *testEnv) reloadFlow(t *testing.T, id uint) *models.Flow {
	t.Helper()
	var flow models.Flow
	if err := e.db.First(&flow, id).Error; err != nil {
		t.Fatalf("reload flow %d: %v", id, err)
	}
	return &flow
}

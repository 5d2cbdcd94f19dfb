package joborders

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/internal/identity"
	"jobflow/internal/workflow"
	"jobflow/internal/workflow/rules"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

// testEnv 完整的进程内 API 栈：内存数据库、真实工作流服务、
// 真实认证中间件。没有队列与 Redis，延迟任务路径不参与。
type testEnv struct {
	router     *gin.Engine
	db         *gorm.DB
	tokens     *identity.TokenService
	service    *workflow.Service
	automation *workflow.AutomationEngine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dsn := fmt.Sprintf("file:api_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&workflow.JobOrder{},
		&workflow.PhaseHistory{},
		&workflow.ScheduledTransition{},
		&workflow.AutomationRule{},
		&workflow.AutomationLog{},
		&identity.User{},
		&identity.Role{},
		&identity.UserRole{},
	))

	logger := zap.NewNop()
	registry := workflow.DefaultRegistry()
	validator := workflow.NewValidator(registry, workflow.DefaultCheckRegistry())
	history := workflow.NewHistoryTracker(db)
	actions := workflow.DefaultActionRegistry(workflow.NopNotifier{}, logger)
	executor := workflow.NewExecutor(db, registry, validator, actions, history, logger)

	engine := rules.NewEngine(rules.WithLogger(logger))
	scheduler := workflow.NewScheduler(db, executor, engine, logger)
	automation := workflow.NewAutomationEngine(db, executor, engine, workflow.NopNotifier{}, logger)

	store := identity.NewStore(db, logger)
	service := workflow.NewService(db, registry, validator, executor, history, logger,
		workflow.WithScheduler(scheduler),
		workflow.WithAutomation(automation),
		workflow.WithRoleResolver(store),
		workflow.WithRulesEngine(engine),
	)

	tokens := identity.NewTokenService("api-test-secret", "jobflow-test")

	jobOrderHandler := NewJobOrderHandler(service)
	workflowHandler := NewWorkflowHandler(service)
	scheduleHandler := NewScheduleHandler(service)
	automationHandler := NewAutomationHandler(service, automation)

	router := gin.New()
	apiGroup := router.Group("/api")
	apiGroup.Use(identity.AuthMiddleware(tokens))
	{
		apiGroup.POST("/job-orders", jobOrderHandler.Create)
		apiGroup.GET("/job-orders", jobOrderHandler.List)
		apiGroup.POST("/job-orders/bulk-transition", workflowHandler.BulkTransition)
		apiGroup.GET("/job-orders/:id", jobOrderHandler.Get)
		apiGroup.PUT("/job-orders/:id", jobOrderHandler.Update)
		apiGroup.POST("/job-orders/:id/transition", workflowHandler.Transition)
		apiGroup.POST("/job-orders/:id/transition/validate", workflowHandler.Validate)
		apiGroup.GET("/job-orders/:id/transitions", workflowHandler.AvailableTransitions)
		apiGroup.POST("/job-orders/:id/rollback", workflowHandler.Rollback)
		apiGroup.GET("/job-orders/:id/status", workflowHandler.Status)
		apiGroup.GET("/job-orders/:id/history", workflowHandler.History)
		apiGroup.GET("/job-orders/:id/prerequisites", workflowHandler.Prerequisites)
		apiGroup.POST("/job-orders/:id/schedules", scheduleHandler.Schedule)
		apiGroup.GET("/job-orders/:id/schedules", scheduleHandler.ListForJobOrder)
		apiGroup.GET("/workflow/phases", workflowHandler.Phases)
		apiGroup.GET("/workflow/phases/:phase", workflowHandler.PhaseRequirements)
		apiGroup.GET("/workflow/phases/:phase/jobs", workflowHandler.JobsByPhase)
		apiGroup.GET("/schedules", scheduleHandler.List)
		apiGroup.POST("/schedules/:id/cancel", scheduleHandler.Cancel)
		apiGroup.POST("/automation/rules", automationHandler.CreateRule)
		apiGroup.GET("/automation/rules", automationHandler.ListRules)
		apiGroup.GET("/automation/rules/:id", automationHandler.GetRule)
		apiGroup.PUT("/automation/rules/:id", automationHandler.UpdateRule)
		apiGroup.DELETE("/automation/rules/:id", automationHandler.DeleteRule)
		apiGroup.POST("/automation/trigger", automationHandler.Trigger)
		apiGroup.GET("/automation/logs", automationHandler.ListLogs)
	}

	return &testEnv{
		router:     router,
		db:         db,
		tokens:     tokens,
		service:    service,
		automation: automation,
	}
}

// token 签发携带指定角色的访问令牌
func (e *testEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	pair, err := e.tokens.GenerateTokenPair(userID, roles)
	require.NoError(t, err)
	return pair.AccessToken
}

// do 发起一次进程内 HTTP 请求
func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// envelope 统一响应结构，Data 延迟解码
type envelope struct {
	Success bool            `json:"success"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), "响应不是统一信封: %s", w.Body.String())
	return env
}

func decodeData[T any](t *testing.T, env envelope) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(env.Data, &out), "data 解码失败: %s", string(env.Data))
	return out
}

var apiJobSeq int64

// seedAPIJob 写入一张字段齐备的工单，能通过前几个阶段的
// 必填字段检查。mutate 用于按用例改字段。
func seedAPIJob(t *testing.T, db *gorm.DB, mutate func(*workflow.JobOrder)) *workflow.JobOrder {
	t.Helper()
	start := time.Date(2025, 4, 2, 8, 0, 0, 0, time.UTC)
	phaseStart := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)
	job := &workflow.JobOrder{
		ID:             uuid.NewString(),
		JobNumber:      fmt.Sprintf("JOB-25-9%04d", atomic.AddInt64(&apiJobSeq, 1)),
		CustomerName:   "Borealis Manufacturing",
		ProjectName:    "Line 3 Upgrade",
		JobType:        "Mechanical",
		Priority:       "Medium",
		RiskLevel:      "Low",
		Description:    "Replace conveyor drive assemblies",
		ScopeOfWork:    "Swap drives and align belts",
		StartDate:      &start,
		Phase:          workflow.PhaseSubmission,
		PhaseStartDate: &phaseStart,
		Status:         workflow.StatusOpen,
		TeamMembers:    []string{"tech-11"},
		MaterialRequisitions: []workflow.MaterialRequisition{
			{ItemCode: "DRV-40", ItemName: "Drive assembly", Quantity: 2, UnitCost: 850, TotalCost: 1700, Status: "Pending", LeadTimeDays: 10},
		},
		LaborEntries: []workflow.LaborEntry{
			{Worker: "tech-11", Activity: "Drive swap", Hours: 24, Rate: 50, Cost: 1200},
		},
		CreatedBy: "u-coordinator",
	}
	job.RecalculateTotals()
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, db.Create(job).Error)
	return job
}

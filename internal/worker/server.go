package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"jobflow/internal/config"
	"jobflow/internal/worker/handlers"
	"jobflow/internal/worker/tasks"
	"jobflow/internal/workflow"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

type Server struct {
	server   *asynq.Server
	periodic *asynq.Scheduler
	mux      *asynq.ServeMux
	logger   *zap.Logger
}

// NewServer 组装延迟任务 Worker：计划流转唤醒、升级检查，
// 以及巡检与规则扫描两类周期任务。
func NewServer(
	cfg config.RedisConfig,
	wf config.WorkflowConfig,
	transitions *workflow.Scheduler,
	escalations *workflow.EscalationMonitor,
	automation *workflow.AutomationEngine,
	logger *zap.Logger,
) (*Server, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	srv := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10, // 并发 worker 数
			Queues: map[string]int{
				"workflow":   6, // 计划流转优先级高
				"escalation": 3, // 升级检查优先级中
				"default":    1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Error("任务执行失败",
					zap.String("type", task.Type()),
					zap.Error(err),
				)
			}),
		},
	)

	mux := asynq.NewServeMux()

	// 注册计划流转处理器
	scheduleHandler := handlers.NewScheduleHandler(transitions, logger)
	mux.HandleFunc(tasks.TypeScheduledTransition, scheduleHandler.HandleScheduledTransition)
	mux.HandleFunc(tasks.TypeScheduleSweep, scheduleHandler.HandleScheduleSweep)

	// 注册升级检查处理器
	escalationHandler := handlers.NewEscalationHandler(escalations, logger)
	mux.HandleFunc(tasks.TypeEscalationCheck, escalationHandler.HandleEscalationCheck)

	// 注册自动化扫描处理器
	automationHandler := handlers.NewAutomationHandler(automation, logger)
	mux.HandleFunc(tasks.TypeAutomationScan, automationHandler.HandleAutomationScan)

	// 周期任务：巡检兜住丢失的唤醒，扫描驱动基于时间的规则
	periodic := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})

	sweepSpec := wf.ScheduleSweepSpec
	if sweepSpec == "" {
		sweepSpec = "@every 5m"
	}
	sweepPayload, err := json.Marshal(tasks.ScheduleSweepPayload{})
	if err != nil {
		return nil, fmt.Errorf("序列化巡检载荷失败: %w", err)
	}
	if _, err := periodic.Register(sweepSpec,
		asynq.NewTask(tasks.TypeScheduleSweep, sweepPayload),
		asynq.Queue("workflow")); err != nil {
		return nil, fmt.Errorf("注册计划流转巡检失败: %w", err)
	}

	scanSpec := wf.AutomationScanSpec
	if scanSpec == "" {
		scanSpec = "@every 1h"
	}
	scanPayload, err := json.Marshal(tasks.AutomationScanPayload{TriggerEvent: workflow.EventPhaseDurationCheck})
	if err != nil {
		return nil, fmt.Errorf("序列化扫描载荷失败: %w", err)
	}
	if _, err := periodic.Register(scanSpec,
		asynq.NewTask(tasks.TypeAutomationScan, scanPayload),
		asynq.Queue("workflow")); err != nil {
		return nil, fmt.Errorf("注册自动化扫描失败: %w", err)
	}

	return &Server{
		server:   srv,
		periodic: periodic,
		mux:      mux,
		logger:   logger,
	}, nil
}

// Run 启动 Worker 服务器，阻塞直到 Shutdown
func (s *Server) Run() error {
	if err := s.periodic.Start(); err != nil {
		return fmt.Errorf("启动周期任务失败: %w", err)
	}
	s.logger.Info("Worker 服务器启动中...")
	return s.server.Run(s.mux)
}

// Start 非阻塞启动
func (s *Server) Start() error {
	if err := s.periodic.Start(); err != nil {
		return fmt.Errorf("启动周期任务失败: %w", err)
	}
	s.logger.Info("Worker 服务器启动中 (后台)...")
	return s.server.Start(s.mux)
}

// Shutdown 停止 Worker 服务器
func (s *Server) Shutdown() {
	s.logger.Info("Worker 服务器停止中...")
	s.periodic.Shutdown()
	s.server.Shutdown()
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"jobflow/api"
	docs "jobflow/api/docs"
	"jobflow/internal/config"
	"jobflow/internal/identity"
	"jobflow/internal/infra"
	"jobflow/internal/logger"
	"jobflow/internal/metrics"
	"jobflow/internal/worker"
	"jobflow/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

// @title JobFlow API
// @version 1.0
// @description 工单九阶段工作流引擎 API
// @BasePath /
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jobflow: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	loadEnvFile()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "dev"
	}

	cfg, err := config.Load(env, "")
	if err != nil {
		return fmt.Errorf("加载配置: %w", err)
	}

	if err := logger.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath); err != nil {
		return fmt.Errorf("初始化日志: %w", err)
	}
	defer logger.Sync()

	logger.Info("应用启动中...",
		zap.String("env", env),
		zap.String("mode", cfg.Server.Mode),
		zap.String("version", api.Version),
	)
	metrics.RecordBuildInfo(api.Version, runtime.Version(), api.Commit)

	db, err := infra.InitDatabase(&cfg.Database)
	if err != nil {
		return fmt.Errorf("初始化数据库: %w", err)
	}
	defer infra.CloseDatabase()

	if cfg.Database.AutoMigrate {
		if err := runMigrations(db); err != nil {
			return fmt.Errorf("数据库迁移: %w", err)
		}
	} else {
		logger.Info("跳过自动迁移（配置已禁用）")
	}

	docs.SwaggerInfo.Host = fmt.Sprintf("localhost:%d", cfg.Server.Port)
	docs.SwaggerInfo.BasePath = "/"
	gin.SetMode(cfg.Server.Mode)

	router, workerServer := api.SetupRouter(db, cfg)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// HTTP 与 Worker 任一异常退出都应终止进程，经 channel 汇聚
	serveErr := make(chan error, 2)
	go func() {
		logger.Info("HTTP 服务器启动", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("HTTP 服务器: %w", err)
		}
	}()
	go func() {
		if err := workerServer.Run(); err != nil {
			serveErr <- fmt.Errorf("Worker 服务器: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		shutdown(server, workerServer)
		return err
	case sig := <-quit:
		logger.Info("收到退出信号，正在关闭服务器...", zap.String("signal", sig.String()))
	}

	shutdown(server, workerServer)
	return nil
}

// shutdown 依次停止 HTTP 服务、Worker 与底层连接
func shutdown(server *http.Server, workerServer *worker.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器关闭异常", zap.Error(err))
	}

	workerServer.Shutdown()

	if err := infra.CloseRedis(); err != nil {
		logger.Error("Redis 关闭异常", zap.Error(err))
	}
	if err := infra.CloseDatabase(); err != nil {
		logger.Error("数据库关闭异常", zap.Error(err))
	}

	logger.Info("服务器已安全关闭")
}

// loadEnvFile 从当前目录向上查找 .env 并加载，便于集中管理
// APP_* 环境变量。找不到时只依赖系统环境变量与 config/* 配置。
func loadEnvFile() {
	path := findEnvFile()
	if path == "" {
		fmt.Println("未找到 .env 文件，将仅使用系统环境变量和 config/* 配置")
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Printf("加载环境变量文件 %s 失败: %v\n", path, err)
		return
	}
	fmt.Printf("已加载环境变量文件: %s\n", path)
}

// findEnvFile 从工作目录向上逐级查找 .env，到模块根
// （go.mod 所在目录）为止，至多八级
func findEnvFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for i := 0; i < 8; i++ {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// runMigrations 迁移工作流与身份核心表，并补种默认角色
func runMigrations(db *gorm.DB) error {
	logger.Info("执行核心表自动迁移...")

	if err := infra.AutoMigrate(db,
		&workflow.JobOrder{},
		&workflow.PhaseHistory{},
		&workflow.ScheduledTransition{},
		&workflow.AutomationRule{},
		&workflow.AutomationLog{},
		&identity.User{},
		&identity.Role{},
		&identity.UserRole{},
	); err != nil {
		return fmt.Errorf("迁移核心表失败: %w", err)
	}

	store := identity.NewStore(db, logger.Named("identity"))
	if err := store.SeedRoles(context.Background()); err != nil {
		return fmt.Errorf("初始化默认角色失败: %w", err)
	}

	logger.Info("核心表迁移完成")
	return nil
}

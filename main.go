package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/api"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/persist"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/events"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/repository/memory"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/probe"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/shared"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/subscription"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/xray"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/tasks"
)

func main() {
	os.Exit(run())
}

func run() int {
	addr := flag.String("addr", ":18080", "HTTP listen address")
	statePath := flag.String("state", shared.DefaultStatePath(), "path to state snapshot")
	xrayDir := flag.String("xray-dir", "", "directory containing the xray binary")
	probeEvery := flag.Duration("probe-interval", 0, "periodic latency probe interval (0 disables)")
	dev := flag.Bool("dev", false, "enable development mode with verbose logging")
	flag.Parse()

	if *dev {
		gin.SetMode(gin.DebugMode)
		log.SetFlags(log.LstdFlags | log.Lshortfile)
		log.Println("运行在开发模式 - 显示所有日志")
	} else {
		gin.SetMode(gin.ReleaseMode)
		log.SetFlags(log.LstdFlags)
	}

	appLogPath, appLogStartedAt, closeAppLog := setupAppLogging()
	if closeAppLog != nil {
		defer closeAppLog()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 1. 事件总线 + 内存存储
	eventBus := events.NewBus()
	memStore := memory.NewStore(eventBus)

	// 2. 加载状态（严格版本校验：版本不符拒绝启动，避免覆盖数据）
	hasStateFile := true
	if _, err := os.Stat(*statePath); err != nil {
		if os.IsNotExist(err) {
			hasStateFile = false
		}
	}
	state, err := persist.Load(*statePath)
	if err != nil {
		log.Printf("load snapshot failed: %v", err)
		log.Printf("拒绝启动以避免覆盖 state 文件: %s", *statePath)
		return 1
	}
	memStore.LoadState(state)
	if hasStateFile {
		log.Printf("state loaded from %s", *statePath)
	} else {
		log.Printf("未找到状态文件 %s，将以空状态启动", *statePath)
	}

	// 3. 仓储层
	nodeRepo := memory.NewNodeRepo(memStore)
	subRepo := memory.NewSubscriptionRepo(memStore)
	settingsRepo := memory.NewSettingsRepo(memStore)
	repos := &repository.RepositoriesImpl{
		Store:            memStore,
		NodeRepo:         nodeRepo,
		SubscriptionRepo: subRepo,
		SettingsRepo:     settingsRepo,
	}

	// 4. 服务层
	settings, err := settingsRepo.Get(ctx)
	if err != nil {
		log.Printf("load settings failed: %v", err)
		return 1
	}
	pool := xray.NewPortPool(settings.PortRangeStart, settings.PortRangeEnd)
	manager := xray.NewManager(nodeRepo, pool, xray.ManagerConfig{
		BinaryDir:  resolveXrayDir(*xrayDir),
		RuntimeDir: shared.DefaultRuntimeDir(),
	})
	tester := probe.NewTester(nodeRepo, settingsRepo, eventBus)
	subsSvc := subscription.NewService(subRepo, nodeRepo, manager)

	// 5. 门面
	facade := service.NewFacade(repos, subsSvc, manager, tester, eventBus)
	facade.SetAppLog(appLogPath, appLogStartedAt)

	// 6. 持久化（事件驱动）
	snapshotter := persist.NewSnapshotter(*statePath, memStore)
	snapshotter.SubscribeEvents(eventBus)

	// 7. 后台任务
	scheduler := tasks.NewScheduler(subsSvc, tester)
	scheduler.ProbeInterval = *probeEvery
	scheduler.Start(ctx)

	// 8. 路由
	router := api.NewRouter(facade)
	srv := &http.Server{
		Addr:    *addr,
		Handler: router,
	}

	cleanupDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Println("收到退出信号，正在清理...")

		// 停掉全部节点进程，释放端口
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := manager.StopAll(stopCtx); err != nil {
			log.Printf("停止节点失败: %v", err)
		}
		stopCancel()

		if err := snapshotter.SaveNow(); err != nil {
			log.Printf("保存状态失败: %v", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
		}
		close(cleanupDone)
	}()

	log.Printf("server listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("listen: %v", err)
		cancel()
		<-cleanupDone
		return 1
	}
	<-cleanupDone
	return 0
}

// resolveXrayDir 未指定目录时依次尝试用户数据目录和 PATH。
func resolveXrayDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	candidate := filepath.Join(shared.UserDataRoot(), "xray")
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	if path, err := exec.LookPath("xray"); err == nil {
		return filepath.Dir(path)
	}
	return candidate
}

func setupAppLogging() (path string, startedAt time.Time, closeFn func()) {
	startedAt = time.Now()
	path = filepath.Join(shared.UserDataRoot(), "runtime", "app.log")

	// 保留最近一次运行的日志，过旧的轮转掉
	if err := shared.RotateLogFile(path, 24*time.Hour); err != nil {
		log.Printf("[AppLog] rotate failed: %v", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.Printf("[AppLog] create log dir failed: %v", err)
		return "", time.Time{}, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		log.Printf("[AppLog] open log file failed (%s): %v", path, err)
		return "", time.Time{}, nil
	}

	_, _ = fmt.Fprintf(f, "----- app start %s pid=%d -----\n", startedAt.Format(time.RFC3339Nano), os.Getpid())
	log.SetOutput(io.MultiWriter(os.Stderr, f))
	log.Printf("[AppLog] writing to %s", path)
	return path, startedAt, func() { _ = f.Close() }
}

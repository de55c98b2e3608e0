package tasks

import (
	"context"
	"log"
	"time"

	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/probe"
	"github.com/akasls/Xray-Multi-Port-Manager/backend/service/subscription"
)

// Scheduler 后台任务：订阅自动刷新 + 周期性延迟探测。
type Scheduler struct {
	subs   *subscription.Service
	tester *probe.Tester

	// ProbeInterval <= 0 时关闭周期探测（默认关闭，GUI 手动触发为主）。
	ProbeInterval time.Duration
}

func NewScheduler(subsSvc *subscription.Service, tester *probe.Tester) *Scheduler {
	return &Scheduler{
		subs:   subsSvc,
		tester: tester,
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	if s == nil {
		return
	}

	if s.subs != nil {
		go runWithTicker(ctx, time.Minute, "subscription refresh", func(ctx context.Context) {
			s.subs.RefreshAll(ctx)
		})
	}
	if s.tester != nil && s.ProbeInterval > 0 {
		go runWithTicker(ctx, s.ProbeInterval, "latency probe", func(ctx context.Context) {
			if err := s.tester.TestAll(ctx); err != nil && ctx.Err() == nil {
				log.Printf("[tasks] latency probe failed: %v", err)
			}
		})
	}
}

func runWithTicker(ctx context.Context, interval time.Duration, name string, fn func(context.Context)) {
	if interval <= 0 {
		interval = time.Minute
	}

	// 启动后先跑一次，避免“等待一个周期才生效”。
	safeRun(ctx, name, fn)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			safeRun(ctx, name, fn)
		}
	}
}

func safeRun(ctx context.Context, name string, fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[tasks] %s panicked: %v", name, r)
		}
	}()
	fn(ctx)
}

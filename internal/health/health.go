package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// Status 整体健康状态
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const checkTimeout = 3 * time.Second

// CheckFunc 单项健康检查
type CheckFunc func(ctx context.Context) error

// Report GET /health 的响应体
type Report struct {
	Status  Status            `json:"status"`
	Checks  map[string]string `json:"checks"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
}

type namedCheck struct {
	name     string
	fn       CheckFunc
	critical bool
}

// Checker 健康检查器
//
// 关键检查（数据库、文件系统）全部失败时为 down，部分失败为 degraded；
// 可选检查（Redis）失败只会降级为 degraded。
type Checker struct {
	mu        sync.RWMutex
	checks    []namedCheck
	probes    healthcheck.Handler
	version   string
	startTime time.Time
	log       *zap.Logger
	now       func() time.Time
}

// NewChecker 创建健康检查器
func NewChecker(version string, log *zap.Logger) *Checker {
	if log == nil {
		log = zap.NewNop()
	}
	probes := healthcheck.NewHandler()
	probes.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(10000))

	return &Checker{
		probes:    probes,
		version:   version,
		startTime: time.Now(),
		log:       log,
		now:       time.Now,
	}
}

// AddCritical 注册关键检查，同时作为就绪探针
func (hc *Checker) AddCritical(name string, fn CheckFunc) {
	hc.add(namedCheck{name: name, fn: fn, critical: true})
	hc.probes.AddReadinessCheck(name, hc.probe(fn))
}

// AddOptional 注册可选检查，失败不影响就绪
func (hc *Checker) AddOptional(name string, fn CheckFunc) {
	hc.add(namedCheck{name: name, fn: fn})
}

func (hc *Checker) add(c namedCheck) {
	hc.mu.Lock()
	defer hc.mu.Unlock()
	hc.checks = append(hc.checks, c)
}

func (hc *Checker) probe(fn CheckFunc) healthcheck.Check {
	return healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		return fn(ctx)
	}, checkTimeout)
}

// Report 执行全部检查并汇总
func (hc *Checker) Report(ctx context.Context) Report {
	hc.mu.RLock()
	checks := append([]namedCheck(nil), hc.checks...)
	hc.mu.RUnlock()

	report := Report{
		Checks:  make(map[string]string, len(checks)),
		Version: hc.version,
		Uptime:  hc.now().Sub(hc.startTime).Truncate(time.Second).String(),
	}

	var critical, criticalFailed, optionalFailed int
	for _, c := range checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := c.fn(checkCtx)
		cancel()

		if c.critical {
			critical++
		}
		if err != nil {
			report.Checks[c.name] = "error: " + err.Error()
			hc.log.Warn("health check failed", zap.String("check", c.name), zap.Error(err))
			if c.critical {
				criticalFailed++
			} else {
				optionalFailed++
			}
			continue
		}
		report.Checks[c.name] = "ok"
	}

	switch {
	case critical > 0 && criticalFailed == critical:
		report.Status = StatusDown
	case criticalFailed > 0 || optionalFailed > 0:
		report.Status = StatusDegraded
	default:
		report.Status = StatusOK
	}
	return report
}

// ProbeHandler 返回 /health/live 与 /health/ready 探针处理器
func (hc *Checker) ProbeHandler() http.Handler {
	return hc.probes
}

// StatusCode down 时返回 503，其余返回 200
func (r Report) StatusCode() int {
	if r.Status == StatusDown {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

package health

import (
	"context"
	"fmt"
	"runtime"
	"time"
)

// Lifecycle is the view of a producer or consumer a ClientChecker needs
type Lifecycle interface {
	IsOpen() bool
	IsClosed() bool
	LastError() error
}

// ClientChecker reports the state of a producer or consumer
type ClientChecker struct {
	name   string
	client Lifecycle
}

// NewClientChecker creates a checker for a producer or consumer
func NewClientChecker(name string, client Lifecycle) *ClientChecker {
	return &ClientChecker{
		name:   name,
		client: client,
	}
}

func (c *ClientChecker) Name() string {
	return c.name
}

// Check is healthy while the client is open, unhealthy when its last open
// failed, and degraded when it is not open yet or has been closed
func (c *ClientChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	open := c.client.IsOpen()
	result.Details["open"] = open

	switch {
	case open:
		result.Status = StatusHealthy
		result.Message = "Session is open"
	case c.client.LastError() != nil:
		result.Status = StatusUnhealthy
		result.Message = "Last open failed"
		result.Error = c.client.LastError().Error()
	case c.client.IsClosed():
		result.Status = StatusDegraded
		result.Message = "Session is closed"
	default:
		result.Status = StatusDegraded
		result.Message = "Session is not open yet"
	}

	result.Duration = time.Since(start)
	return result
}

// RuntimeChecker flags a runaway goroutine count
type RuntimeChecker struct {
	warnGoroutines     int
	criticalGoroutines int
}

// NewRuntimeChecker creates a runtime checker with goroutine thresholds
func NewRuntimeChecker(warnGoroutines, criticalGoroutines int) *RuntimeChecker {
	return &RuntimeChecker{
		warnGoroutines:     warnGoroutines,
		criticalGoroutines: criticalGoroutines,
	}
}

func (c *RuntimeChecker) Name() string {
	return "runtime"
}

func (c *RuntimeChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		Name:      c.Name(),
		Timestamp: start,
		Details:   make(map[string]interface{}),
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	goroutines := runtime.NumGoroutine()

	result.Details["memoryUsedMb"] = float64(m.Sys) / 1024 / 1024
	result.Details["gcRuns"] = m.NumGC
	result.Details["goroutines"] = goroutines

	switch {
	case c.criticalGoroutines > 0 && goroutines > c.criticalGoroutines:
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("Too many goroutines: %d", goroutines)
	case c.warnGoroutines > 0 && goroutines > c.warnGoroutines:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("High goroutine count: %d", goroutines)
	default:
		result.Status = StatusHealthy
		result.Message = "Runtime is normal"
	}

	result.Duration = time.Since(start)
	return result
}

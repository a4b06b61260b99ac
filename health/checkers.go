package health

import (
	"context"
	"time"

	"github.com/glimte/relay/rm"
)

// Connection is anything that can report broker connectivity
type Connection interface {
	IsConnected() bool
}

// ConnectionChecker reports a broker connection
type ConnectionChecker struct {
	name string
	conn Connection
}

// NewConnectionChecker creates a checker named name for conn
func NewConnectionChecker(name string, conn Connection) *ConnectionChecker {
	return &ConnectionChecker{name: name, conn: conn}
}

func (c *ConnectionChecker) Name() string {
	return c.name
}

func (c *ConnectionChecker) Check(ctx context.Context) CheckResult {
	res := CheckResult{Name: c.name, Timestamp: time.Now(), Status: StatusHealthy}
	if !c.conn.IsConnected() {
		res.Status = StatusUnhealthy
		res.Message = "not connected"
	}
	res.Duration = time.Since(res.Timestamp)
	return res
}

// ReliabilityChecker reports the retransmission backlog of a reliable
// messaging manager. A backlog above the threshold is degraded.
type ReliabilityChecker struct {
	manager   *rm.Manager
	threshold int
}

// NewReliabilityChecker creates a checker degrading above threshold
// unacknowledged messages
func NewReliabilityChecker(manager *rm.Manager, threshold int) *ReliabilityChecker {
	return &ReliabilityChecker{manager: manager, threshold: threshold}
}

func (c *ReliabilityChecker) Name() string {
	return "reliability"
}

func (c *ReliabilityChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	pending := c.manager.Pending()
	res := CheckResult{
		Name:      c.Name(),
		Status:    StatusHealthy,
		Timestamp: start,
		Details:   map[string]any{"pending": pending, "threshold": c.threshold},
	}
	if c.threshold > 0 && pending > c.threshold {
		res.Status = StatusDegraded
		res.Message = "retransmission backlog above threshold"
	}
	res.Duration = time.Since(start)
	return res
}

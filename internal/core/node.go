package core

import (
	"context"
	"sync"
	"time"
)

// BaseNode carries the lifecycle shared by coordinator and custodian nodes:
// a cancellable context, tracked background loops and an uptime clock.
type BaseNode struct {
	Ctx       context.Context
	StartTime time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBaseNode creates a new BaseNode instance
func NewBaseNode(parent context.Context) *BaseNode {
	ctx, cancel := context.WithCancel(parent)
	return &BaseNode{
		Ctx:       ctx,
		StartTime: time.Now(),
		cancel:    cancel,
	}
}

// Go runs loop in a tracked goroutine bound to the node context.
func (n *BaseNode) Go(loop func(ctx context.Context)) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		loop(n.Ctx)
	}()
}

// Shutdown cancels the node context and waits for tracked loops to exit.
func (n *BaseNode) Shutdown() {
	n.cancel()
	n.wg.Wait()
}

// IsAlive checks if the node is still running
func (n *BaseNode) IsAlive() bool {
	select {
	case <-n.Ctx.Done():
		return false
	default:
		return true
	}
}

// Uptime returns how long the node has been running
func (n *BaseNode) Uptime() time.Duration {
	return time.Since(n.StartTime)
}

package leaderelection

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/telekom/k8s-lease-elector/pkg/elector"
)

// DefaultStopTimeout bounds lease release when the context ends.
const DefaultStopTimeout = 10 * time.Second

// Elector is the part of *elector.Elector that Start drives.
type Elector interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	AddListener(elector.Listener)
}

// Gate exposes leadership as a channel that is closed while this replica leads
// and replaced by a fresh open channel when leadership is lost.
type Gate struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	elected chan struct{}
	leading bool
}

func NewGate(log *zap.SugaredLogger) *Gate {
	return &Gate{log: log, elected: make(chan struct{})}
}

// OnEvent implements elector.Listener.
func (g *Gate) OnEvent(ev elector.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	switch ev.Type {
	case elector.LeadershipAcquired:
		g.log.Infow("This replica acquired leadership, signaling background loops", "lease", ev.LeaseName)
		// Signal background loops that we're the leader
		select {
		case <-g.elected:
			// Already closed, we've signaled leadership
		default:
			close(g.elected)
		}
		g.leading = true
	case elector.LeadershipLost:
		g.log.Infow("Lost leadership", "lease", ev.LeaseName)
		if g.leading {
			// Recreate the channel for the next term
			g.elected = make(chan struct{})
			g.leading = false
		}
	}
}

// Elected returns the channel for the current term. Callers must fetch it again
// after leadership was lost.
func (g *Gate) Elected() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.elected
}

func (g *Gate) IsLeading() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.leading
}

// Wait blocks until this replica leads or ctx ends.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Elected():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Start runs the election until ctx is cancelled, then stops the elector, which
// releases the lease when leading. It blocks and is meant to run on its own
// goroutine; wg.Done is called on return.
func Start(ctx context.Context, wg *sync.WaitGroup, el Elector, gate *Gate, stopTimeout time.Duration, log *zap.SugaredLogger) {
	defer wg.Done()
	if gate != nil {
		el.AddListener(gate)
	}
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	log.Infow("Starting leader election")
	if err := el.Start(ctx); err != nil {
		// Don't exit in library code - let the caller decide how to handle
		log.Errorw("Failed to start leader election", "error", err)
		return
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := el.Stop(stopCtx); err != nil {
		log.Errorw("Failed to stop leader election cleanly", "error", err)
		return
	}
	log.Infow("Leader election stopped")
}

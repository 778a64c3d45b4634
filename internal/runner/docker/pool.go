package docker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pool keeps a number of pre-warmed containers ready so a request does not
// pay for container creation.
//
// PRE-WARMING:
// Creating and starting a container takes hundreds of milliseconds, longer
// than most snippets run. The manager goroutine creates containers running
// `sleep infinity` ahead of time and parks their IDs in a buffered channel
// whose capacity is the pool size. A request takes one with Get, runs its
// snippet through docker exec, and removes it afterwards. Containers are
// never returned to the pool, so nothing one snippet writes is visible to
// the next.
type Pool struct {
	create func(ctx context.Context) (string, error)
	remove func(id string)
	logger *slog.Logger

	containers chan string
	done       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewPool returns a pool of size containers built by create.
func NewPool(size int, create func(ctx context.Context) (string, error), remove func(id string), logger *slog.Logger) *Pool {
	return &Pool{
		create:     create,
		remove:     remove,
		logger:     logger,
		containers: make(chan string, size),
		done:       make(chan struct{}),
	}
}

// Start begins filling the pool in the background.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting container pool", slog.Int("size", cap(p.containers)))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes every idle container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.remove(id)
			default:
				return
			}
		}
	})
}

// Get returns a ready container, blocking until one is available or ctx ends.
// The caller owns the container and must remove it.
func (p *Pool) Get(ctx context.Context) (string, error) {
	select {
	case id := <-p.containers:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// manager refills the pool until Stop. When the channel is full it polls;
// when the engine refuses to create a container it backs off for a second
// rather than spinning.
func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		if len(p.containers) >= cap(p.containers) {
			select {
			case <-p.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		id, err := p.create(ctx)
		cancel()
		if err != nil {
			p.logger.Error("failed to create pre-warmed container", slog.String("error", err.Error()))
			select {
			case <-p.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case p.containers <- id:
		case <-p.done:
			p.remove(id)
			return
		}
	}
}

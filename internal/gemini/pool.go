package gemini

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ClareAI/astra-dialer/pkg/logger"
)

const (
	defaultPoolSize    = 2
	poolMaintainPeriod = 30 * time.Second
	poolDialTimeout    = 10 * time.Second
)

// Pool keeps pre-warmed live sessions so an answered call skips the dial and
// setup round trip. Sessions are single-use: Acquire hands one out and the
// pool dials a replacement in the background.
type Pool struct {
	cfg  Config
	size int

	warm   chan *Client
	refill chan struct{}

	closeOnce sync.Once
	done      chan struct{}
}

// NewPool builds the pool and starts its maintenance goroutine, which fills
// it and keeps it filled as sessions are handed out or die. A backend that
// is down at startup is not fatal; calls fall back to cold dials.
func NewPool(cfg Config, size int) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	p := &Pool{
		cfg:    cfg,
		size:   size,
		warm:   make(chan *Client, size),
		refill: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go p.maintain()
	return p
}

// Acquire returns a warm session when one is available and still open,
// falling back to a cold dial. The caller owns the session either way and
// must close it.
func (p *Pool) Acquire(ctx context.Context) (*Client, error) {
	for {
		select {
		case c := <-p.warm:
			p.requestRefill()
			if c.Alive() {
				logger.Base().Info("acquired pre-warmed model session")
				return c, nil
			}
			_ = c.Close()
			continue
		default:
		}
		break
	}
	logger.Base().Info("no pre-warmed model session available, dialing")
	return Dial(ctx, p.cfg)
}

// Available reports how many warm sessions are ready right now.
func (p *Pool) Available() int {
	return len(p.warm)
}

// Close stops maintenance and closes every warm session. Idempotent.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		for {
			select {
			case c := <-p.warm:
				_ = c.Close()
			default:
				return
			}
		}
	})
}

func (p *Pool) requestRefill() {
	select {
	case p.refill <- struct{}{}:
	default:
	}
}

// maintain fills the pool at startup, tops it up after each Acquire, and on
// a slow periodic sweep replaces sessions the backend dropped while idle.
func (p *Pool) maintain() {
	ticker := time.NewTicker(poolMaintainPeriod)
	defer ticker.Stop()

	p.fill()
	for {
		select {
		case <-p.done:
			return
		case <-p.refill:
			p.fill()
		case <-ticker.C:
			p.sweep()
			p.fill()
		}
	}
}

func (p *Pool) fill() {
	for len(p.warm) < p.size {
		select {
		case <-p.done:
			return
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), poolDialTimeout)
		c, err := Dial(ctx, p.cfg)
		cancel()
		if err != nil {
			logger.Base().Warn("pre-warming model session failed", zap.Error(err))
			return
		}
		select {
		case <-p.done:
			_ = c.Close()
			return
		case p.warm <- c:
		default:
			_ = c.Close()
			return
		}
	}
}

// sweep drops warm sessions whose connection died while sitting in the pool.
func (p *Pool) sweep() {
	for i := len(p.warm); i > 0; i-- {
		select {
		case c := <-p.warm:
			if !c.Alive() {
				_ = c.Close()
				continue
			}
			select {
			case p.warm <- c:
			default:
				_ = c.Close()
			}
		default:
			return
		}
	}
}

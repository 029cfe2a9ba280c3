package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxcall-labs/voxcall-core/internal/config"
)

// Selector holds the registered providers and opens sessions along
// the configured fallback chain. The primary gets a bounded number of
// retries; each fallback then gets one attempt in order.
type Selector struct {
	mu        sync.RWMutex
	providers map[string]Provider
	routing   config.RoutingConfig
	log       *slog.Logger
}

func NewSelector(routing config.RoutingConfig, log *slog.Logger) *Selector {
	return &Selector{
		providers: make(map[string]Provider),
		routing:   routing,
		log:       log.With(slog.String("component", "selector")),
	}
}

func (s *Selector) Register(p Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.providers[p.Name()]; ok {
		return fmt.Errorf("provider %q already registered", p.Name())
	}
	s.providers[p.Name()] = p
	return nil
}

func (s *Selector) Provider(name string) (Provider, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.providers[name]
	return p, ok
}

// Ready reports whether the primary or any fallback can take calls.
func (s *Selector) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.chain() {
		if p, ok := s.providers[name]; ok && p.Ready() {
			return true
		}
	}
	return false
}

func (s *Selector) chain() []string {
	names := make([]string, 0, 1+len(s.routing.Fallbacks))
	if s.routing.Primary != "" {
		names = append(names, s.routing.Primary)
	}
	names = append(names, s.routing.Fallbacks...)
	return names
}

// StartSession walks the chain until a session opens. The returned
// provider name tells the caller which backend actually answered.
func (s *Selector) StartSession(ctx context.Context, cfg SessionConfig) (Session, string, error) {
	s.mu.RLock()
	routing := s.routing
	chain := s.chain()
	s.mu.RUnlock()

	var lastErr error
	for i, name := range chain {
		p, ok := s.Provider(name)
		if !ok {
			lastErr = fmt.Errorf("provider %q not registered", name)
			continue
		}
		attempts := 1
		if i == 0 && routing.StartRetries > 0 {
			attempts = routing.StartRetries
		}
		for attempt := 0; attempt < attempts; attempt++ {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			sess, err := p.StartSession(ctx, cfg)
			if err == nil {
				if i > 0 || attempt > 0 {
					s.log.Info("provider session opened after retry",
						slog.String("provider", name),
						slog.Int("attempt", attempt+1),
						slog.String("call_id", cfg.CallID))
				}
				return sess, name, nil
			}
			lastErr = err
			s.log.Warn("provider session start failed",
				slog.String("provider", name),
				slog.Int("attempt", attempt+1),
				slog.String("call_id", cfg.CallID),
				slog.String("error", err.Error()))
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no providers configured")
	}
	return nil, "", fmt.Errorf("%w: chain exhausted: %v", ErrUnavailable, lastErr)
}

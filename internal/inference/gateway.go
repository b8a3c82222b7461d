package inference

import (
	"context"
	"errors"
	"time"

	"github.com/nidhogg/npc-world/internal/apperr"
	"github.com/nidhogg/npc-world/internal/provider"
	"github.com/nidhogg/npc-world/internal/world"
	"go.uber.org/zap"
)

// CallerGM is the caller key used for the arbiter's resolution request.
const CallerGM = world.GMName

// Gateway sends one prompt to the reasoning backend and returns its raw text.
// caller identifies who is asking (a character name or CallerGM) and selects
// the backend route. Failures are BackendErrors.
type Gateway interface {
	Query(ctx context.Context, caller, prompt string) (string, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, caller, prompt string) (string, error)

func (f GatewayFunc) Query(ctx context.Context, caller, prompt string) (string, error) {
	return f(ctx, caller, prompt)
}

// RouterConfig tunes RouterGateway.
type RouterConfig struct {
	NPCModel    string
	GMModel     string
	Timeout     time.Duration // per call; 0 means no extra deadline
	MaxTokens   int
	Temperature float64
}

// RouterGateway queries the backend through a provider.Router.
type RouterGateway struct {
	router *provider.Router
	cfg    RouterConfig
	logger *zap.Logger
}

// NewRouterGateway creates a gateway over router.
func NewRouterGateway(router *provider.Router, cfg RouterConfig, logger *zap.Logger) *RouterGateway {
	return &RouterGateway{router: router, cfg: cfg, logger: logger}
}

// Query implements Gateway.
func (g *RouterGateway) Query(ctx context.Context, caller, prompt string) (string, error) {
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	model := g.cfg.NPCModel
	if caller == CallerGM {
		model = g.cfg.GMModel
	}
	req := &provider.ChatRequest{
		Model:       model,
		Messages:    []provider.Message{{Role: "user", Content: prompt}},
		MaxTokens:   g.cfg.MaxTokens,
		Temperature: g.cfg.Temperature,
		JSONMode:    true,
	}

	start := time.Now()
	resp, err := g.router.Route(ctx, caller, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = errors.Join(err, ctx.Err())
		}
		return "", apperr.Backend("query "+caller, err)
	}
	g.logger.Debug("backend answered",
		zap.String("caller", caller),
		zap.Duration("took", time.Since(start)),
		zap.Int("chars", len(resp.Content)))
	return resp.Content, nil
}

package pdp

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/authzforce-ce/core/logger"
)

// ============================================================================
// PDP ENGINE
// ============================================================================

// PDP evaluates decision requests against a compiled root policy element.
// The engine and its evaluator tree are immutable and safe to share across
// goroutines; each Evaluate call owns a private evaluation context.
type PDP struct {
	root TopLevelPolicyElementEvaluator
	log  logger.Logger

	// optional cross-request decision cache; the per-request memo inside
	// the evaluation context is always on
	cache    *ristretto.Cache
	cacheTTL time.Duration
}

// EngineOption configures a PDP.
type EngineOption func(*PDP) error

// WithLogger sets the engine logger.
func WithLogger(l logger.Logger) EngineOption {
	return func(p *PDP) error {
		if l != nil {
			p.log = l
		}
		return nil
	}
}

// WithDecisionCache enables a ristretto-backed decision cache keyed by a
// canonical request digest. A zero TTL means entries only leave by
// eviction. Only enable this when request attributes fully determine the
// decision (no volatile attribute providers).
func WithDecisionCache(numCounters, maxCost, bufferItems int64, ttl time.Duration) EngineOption {
	return func(p *PDP) error {
		if numCounters <= 0 {
			numCounters = 1 << 16
		}
		if maxCost <= 0 {
			maxCost = 1 << 20
		}
		if bufferItems <= 0 {
			bufferItems = 64
		}
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: numCounters,
			MaxCost:     maxCost,
			BufferItems: bufferItems,
		})
		if err != nil {
			return fmt.Errorf("decision cache: %w", err)
		}
		p.cache = cache
		p.cacheTTL = ttl
		return nil
	}
}

// New builds a PDP over a compiled root Policy or PolicySet evaluator.
func New(root TopLevelPolicyElementEvaluator, opts ...EngineOption) (*PDP, error) {
	if root == nil {
		return nil, fmt.Errorf("undefined root policy evaluator")
	}
	p := &PDP{root: root, log: logger.NewNullLogger()}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// Root returns the root policy evaluator.
func (p *PDP) Root() TopLevelPolicyElementEvaluator { return p.root }

// Evaluate produces the authorization decision for a request. It never
// returns an error: all failures surface as an Indeterminate decision with
// a status.
func (p *PDP) Evaluate(ctx context.Context, req *Request) *DecisionResult {
	var cacheKey string
	if p.cache != nil {
		cacheKey = strconv.FormatUint(req.hashKey(), 16)
		if v, ok := p.cache.Get(cacheKey); ok {
			if res, ok := v.(*DecisionResult); ok {
				p.log.Debug("decision served from cache", "policy", p.root.PolicyID())
				return res
			}
		}
	}

	ec := NewEvaluationContext(ctx, req)
	res := p.root.Evaluate(ec)
	p.log.Debug("request evaluated",
		"policy", p.root.PrimaryMetadata().String(),
		"decision", res.Decision.String(),
		"status", res.Status.String())

	if p.cache != nil {
		p.cache.SetWithTTL(cacheKey, res, 1, p.cacheTTL)
	}
	return res
}

// InvalidateDecisionCache drops all cached decisions, e.g. after a policy
// reload on a dynamic provider.
func (p *PDP) InvalidateDecisionCache() {
	if p.cache != nil {
		p.cache.Clear()
	}
}

// Close releases cache resources.
func (p *PDP) Close() {
	if p.cache != nil {
		p.cache.Close()
	}
}

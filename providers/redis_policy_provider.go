package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	pdp "github.com/authzforce-ce/core"
)

// RedisPolicyProvider resolves policy references against policy documents
// stored in Redis: one hash per (type, id), one field per version holding
// the JSON document (key: pdppolicies:{type}:{id}).
type RedisPolicyProvider struct {
	client      *redis.Client
	keyFmt      string
	maxRefDepth int

	mu       sync.Mutex
	compiler *pdp.PolicyCompiler
	compiled map[string]pdp.TopLevelPolicyElementEvaluator
}

// NewRedisPolicyProvider builds a provider over an existing Redis client.
func NewRedisPolicyProvider(client *redis.Client, compiler *pdp.PolicyCompiler, maxRefDepth int) *RedisPolicyProvider {
	if compiler == nil {
		compiler = pdp.NewPolicyCompiler(nil, nil)
	}
	if maxRefDepth == 0 {
		maxRefDepth = pdp.DefaultMaxPolicySetRefDepth
	}
	return &RedisPolicyProvider{
		client:      client,
		keyFmt:      "pdppolicies:%s:%s",
		maxRefDepth: maxRefDepth,
		compiler:    compiler,
		compiled:    make(map[string]pdp.TopLevelPolicyElementEvaluator),
	}
}

func (p *RedisPolicyProvider) key(kind, id string) string {
	return fmt.Sprintf(p.keyFmt, kind, id)
}

// StorePolicy persists a Policy document.
func (p *RedisPolicyProvider) StorePolicy(ctx context.Context, def *pdp.PolicyDef) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode policy %q: %w", def.ID, err)
	}
	return p.store(ctx, "Policy", def.ID, def.Version, doc)
}

// StorePolicySet persists a PolicySet document.
func (p *RedisPolicyProvider) StorePolicySet(ctx context.Context, def *pdp.PolicySetDef) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode policy set %q: %w", def.ID, err)
	}
	return p.store(ctx, "PolicySet", def.ID, def.Version, doc)
}

func (p *RedisPolicyProvider) store(ctx context.Context, kind, id, version string, doc []byte) error {
	if _, err := pdp.ParsePolicyVersion(version); err != nil {
		return err
	}
	if err := p.client.HSet(ctx, p.key(kind, id), version, string(doc)).Err(); err != nil {
		return fmt.Errorf("store %s %s#%s: %w", kind, id, version, err)
	}
	p.mu.Lock()
	delete(p.compiled, kind+":"+id+"#"+version)
	p.mu.Unlock()
	return nil
}

// DeletePolicy removes one stored document by exact coordinates.
func (p *RedisPolicyProvider) DeletePolicy(ctx context.Context, refType pdp.PolicyElementType, id, version string) error {
	if err := p.client.HDel(ctx, p.key(refType.String(), id), version).Err(); err != nil {
		return err
	}
	p.mu.Lock()
	delete(p.compiled, refType.String()+":"+id+"#"+version)
	p.mu.Unlock()
	return nil
}

// Get implements pdp.PolicyProvider.
func (p *RedisPolicyProvider) Get(refType pdp.PolicyElementType, id string, constraints *pdp.PolicyVersionPatterns, policySetRefChain []string, ectx *pdp.EvaluationContext) (pdp.TopLevelPolicyElementEvaluator, error) {
	ctx := context.Background()
	kind := refType.String()
	fields, err := p.client.HKeys(ctx, p.key(kind, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("resolve %s %q: %w", kind, id, err)
	}
	var versions []pdp.PolicyVersion
	for _, raw := range fields {
		v, err := pdp.ParsePolicyVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("%s %q: stored %w", kind, id, err)
		}
		versions = append(versions, v)
	}
	sortVersionsDesc(versions)

	var version pdp.PolicyVersion
	found := false
	for _, v := range versions {
		if constraints.Matches(v) {
			version = v
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("no %s matching reference: id=%s, %s", kind, id, constraints)
	}

	e, err := p.compile(ctx, refType, id, version)
	if err != nil {
		return nil, err
	}
	if refType == pdp.PolicySetType && ectx != nil {
		meta, err := e.PolicyRefsMetadata(ectx)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			if _, err := p.JoinPolicyRefChains(policySetRefChain, meta.LongestPolicyRefChain); err != nil {
				return nil, err
			}
		}
	}
	return e, nil
}

func (p *RedisPolicyProvider) compile(ctx context.Context, refType pdp.PolicyElementType, id string, version pdp.PolicyVersion) (pdp.TopLevelPolicyElementEvaluator, error) {
	kind := refType.String()
	key := kind + ":" + id + "#" + version.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.compiled[key]; ok {
		return e, nil
	}
	doc, err := p.client.HGet(ctx, p.key(kind, id), version.String()).Result()
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var e pdp.TopLevelPolicyElementEvaluator
	if refType == pdp.PolicyType {
		def := &pdp.PolicyDef{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		e, err = p.compiler.CompilePolicy(def, nil)
	} else {
		def := &pdp.PolicySetDef{}
		if err := json.Unmarshal([]byte(doc), def); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		e, err = p.compiler.CompilePolicySet(def, p, nil, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", key, err)
	}
	p.compiled[key] = e
	return e, nil
}

// JoinPolicyRefChains implements pdp.PolicyProvider.
func (p *RedisPolicyProvider) JoinPolicyRefChains(head, tail []string) ([]string, error) {
	return joinRefChains(head, tail, p.maxRefDepth)
}

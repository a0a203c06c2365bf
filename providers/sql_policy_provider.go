// Package providers contains policy providers backed by external stores:
// SQL (squealx) and Redis, plus signed policy bundle distribution. They
// implement the core's PolicyProvider contract for dynamic
// Policy(Set)IdReference resolution.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oarkflow/squealx"

	pdp "github.com/authzforce-ce/core"
)

// SQLPolicyProvider resolves policy references against policy documents
// persisted in SQL. Documents are stored as JSON, one row per
// (type, id, version); resolution picks the latest version satisfying the
// reference constraints and compiles it on first use.
type SQLPolicyProvider struct {
	db          *squealx.DB
	maxRefDepth int

	mu       sync.Mutex
	compiler *pdp.PolicyCompiler
	compiled map[string]pdp.TopLevelPolicyElementEvaluator
}

// NewSQLPolicyProvider builds a provider over an existing squealx DB. The
// compiler is used for on-demand compilation and must not be shared with
// concurrent compilations elsewhere.
func NewSQLPolicyProvider(db *squealx.DB, compiler *pdp.PolicyCompiler, maxRefDepth int) (*SQLPolicyProvider, error) {
	if db == nil {
		return nil, fmt.Errorf("undefined database")
	}
	if compiler == nil {
		compiler = pdp.NewPolicyCompiler(nil, nil)
	}
	if maxRefDepth == 0 {
		maxRefDepth = pdp.DefaultMaxPolicySetRefDepth
	}
	return &SQLPolicyProvider{
		db:          db,
		maxRefDepth: maxRefDepth,
		compiler:    compiler,
		compiled:    make(map[string]pdp.TopLevelPolicyElementEvaluator),
	}, nil
}

// StorePolicy persists a Policy document.
func (p *SQLPolicyProvider) StorePolicy(ctx context.Context, def *pdp.PolicyDef) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode policy %q: %w", def.ID, err)
	}
	return p.store(ctx, "Policy", def.ID, def.Version, doc)
}

// StorePolicySet persists a PolicySet document.
func (p *SQLPolicyProvider) StorePolicySet(ctx context.Context, def *pdp.PolicySetDef) error {
	doc, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("encode policy set %q: %w", def.ID, err)
	}
	return p.store(ctx, "PolicySet", def.ID, def.Version, doc)
}

func (p *SQLPolicyProvider) store(ctx context.Context, kind, id, version string, doc []byte) error {
	if _, err := pdp.ParsePolicyVersion(version); err != nil {
		return err
	}
	q := `INSERT INTO policy_documents(type, id, version, document, created_at)
	      VALUES(:type, :id, :version, :document, :created_at)`
	_, err := p.db.NamedExecContext(ctx, q, map[string]any{
		"type":       kind,
		"id":         id,
		"version":    version,
		"document":   string(doc),
		"created_at": time.Now(),
	})
	if err != nil {
		return fmt.Errorf("store %s %s#%s: %w", kind, id, version, err)
	}
	p.invalidate(kind, id, version)
	return nil
}

// DeletePolicy removes one stored document by exact coordinates.
func (p *SQLPolicyProvider) DeletePolicy(ctx context.Context, refType pdp.PolicyElementType, id, version string) error {
	q := `DELETE FROM policy_documents WHERE type = :type AND id = :id AND version = :version`
	_, err := p.db.NamedExecContext(ctx, q, map[string]any{
		"type": refType.String(), "id": id, "version": version,
	})
	if err != nil {
		return err
	}
	p.invalidate(refType.String(), id, version)
	return nil
}

func (p *SQLPolicyProvider) invalidate(kind, id, version string) {
	p.mu.Lock()
	delete(p.compiled, kind+":"+id+"#"+version)
	p.mu.Unlock()
}

// listVersions returns the stored versions of (type, id), newest first.
func (p *SQLPolicyProvider) listVersions(ctx context.Context, kind, id string) ([]pdp.PolicyVersion, error) {
	q := `SELECT version FROM policy_documents WHERE type = :type AND id = :id`
	r, err := p.db.NamedQueryContext(ctx, q, map[string]any{"type": kind, "id": id})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	var versions []pdp.PolicyVersion
	for r.Next() {
		var raw string
		if err := r.Scan(&raw); err != nil {
			return nil, err
		}
		v, err := pdp.ParsePolicyVersion(raw)
		if err != nil {
			return nil, fmt.Errorf("%s %q: stored %w", kind, id, err)
		}
		versions = append(versions, v)
	}
	sortVersionsDesc(versions)
	return versions, nil
}

func (p *SQLPolicyProvider) loadDocument(ctx context.Context, kind, id, version string) ([]byte, error) {
	q := `SELECT document FROM policy_documents WHERE type = :type AND id = :id AND version = :version`
	r, err := p.db.NamedQueryContext(ctx, q, map[string]any{"type": kind, "id": id, "version": version})
	if err != nil {
		return nil, err
	}
	defer r.Close()
	if !r.Next() {
		return nil, fmt.Errorf("%s %s#%s not found", kind, id, version)
	}
	var doc string
	if err := r.Scan(&doc); err != nil {
		return nil, err
	}
	return []byte(doc), nil
}

// Get implements pdp.PolicyProvider: latest stored version satisfying the
// constraints, compiled on first use. Store queries run synchronously on
// context.Background(); the evaluation context is only used for the
// reference-chain check of PolicySets.
func (p *SQLPolicyProvider) Get(refType pdp.PolicyElementType, id string, constraints *pdp.PolicyVersionPatterns, policySetRefChain []string, ectx *pdp.EvaluationContext) (pdp.TopLevelPolicyElementEvaluator, error) {
	ctx := context.Background()
	kind := refType.String()
	versions, err := p.listVersions(ctx, kind, id)
	if err != nil {
		return nil, fmt.Errorf("resolve %s %q: %w", kind, id, err)
	}
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

func (p *SQLPolicyProvider) compile(ctx context.Context, refType pdp.PolicyElementType, id string, version pdp.PolicyVersion) (pdp.TopLevelPolicyElementEvaluator, error) {
	kind := refType.String()
	key := kind + ":" + id + "#" + version.String()

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.compiled[key]; ok {
		return e, nil
	}
	doc, err := p.loadDocument(ctx, kind, id, version.String())
	if err != nil {
		return nil, err
	}
	var e pdp.TopLevelPolicyElementEvaluator
	if refType == pdp.PolicyType {
		def := &pdp.PolicyDef{}
		if err := json.Unmarshal(doc, def); err != nil {
			return nil, fmt.Errorf("decode %s: %w", key, err)
		}
		e, err = p.compiler.CompilePolicy(def, nil)
	} else {
		def := &pdp.PolicySetDef{}
		if err := json.Unmarshal(doc, def); err != nil {
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
func (p *SQLPolicyProvider) JoinPolicyRefChains(head, tail []string) ([]string, error) {
	return joinRefChains(head, tail, p.maxRefDepth)
}

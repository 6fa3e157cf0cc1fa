// Package classify assigns a category to a domain using rego rules.
package classify

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/goodtune/sitebudget/internal/domain"
)

// Uncategorized is returned when no rule matches or evaluation fails.
const Uncategorized = "uncategorized"

const categoryQuery = "data.sitebudget.classify.category"

//go:embed rules.rego
var builtinRules string

// Classifier maps a domain to a category. Implementations never fail; they
// fall back to Uncategorized.
type Classifier interface {
	Categorize(ctx context.Context, host string) string
}

// Func adapts a plain function to Classifier.
type Func func(ctx context.Context, host string) string

// Categorize calls f.
func (f Func) Categorize(ctx context.Context, host string) string { return f(ctx, host) }

// CategoryFor returns the tracked site's own category when it has one and
// otherwise asks c.
func CategoryFor(ctx context.Context, c Classifier, site domain.Site, host string) string {
	if site.Category != "" {
		return site.Category
	}
	if c == nil {
		return Uncategorized
	}
	return c.Categorize(ctx, host)
}

// Options configures a Rego classifier.
type Options struct {
	// PolicyFile replaces the built-in rules when set.
	PolicyFile string
	// CacheSize bounds the per-domain result cache.
	CacheSize int
}

// Rego evaluates a prepared rego query and caches results per domain.
type Rego struct {
	opts   Options
	logger zerolog.Logger

	mu    sync.RWMutex
	query rego.PreparedEvalQuery
	cache *lru.Cache[string, string]
}

var _ Classifier = (*Rego)(nil)

// New compiles the rules and returns a ready classifier.
func New(opts Options, logger zerolog.Logger) (*Rego, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 512
	}

	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}

	c := &Rego{
		opts:   opts,
		logger: logger.With().Str("component", "classify").Logger(),
		cache:  cache,
	}

	query, err := c.prepare(context.Background())
	if err != nil {
		return nil, err
	}
	c.query = query

	c.logger.Info().Str("source", c.source()).Msg("Classifier initialized")
	return c, nil
}

func (c *Rego) source() string {
	if c.opts.PolicyFile != "" {
		return c.opts.PolicyFile
	}
	return "builtin"
}

func (c *Rego) prepare(ctx context.Context) (rego.PreparedEvalQuery, error) {
	name, src := "rules.rego", builtinRules
	if c.opts.PolicyFile != "" {
		raw, err := os.ReadFile(c.opts.PolicyFile)
		if err != nil {
			return rego.PreparedEvalQuery{}, fmt.Errorf("failed to read policy file %s: %w", c.opts.PolicyFile, err)
		}
		name, src = c.opts.PolicyFile, string(raw)
	}

	r := rego.New(
		rego.Query(categoryQuery),
		rego.Module(name, src),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return rego.PreparedEvalQuery{}, fmt.Errorf("failed to prepare category query: %w", err)
	}
	return query, nil
}

// Categorize returns the category for host.
func (c *Rego) Categorize(ctx context.Context, host string) string {
	d := domain.Normalize(host)
	if d == "" {
		return Uncategorized
	}

	if cat, ok := c.cache.Get(d); ok {
		return cat
	}

	cat, err := c.evaluate(ctx, d)
	if err != nil {
		c.logger.Warn().Err(err).Str("domain", d).Msg("Category evaluation failed")
		return Uncategorized
	}

	c.cache.Add(d, cat)
	return cat
}

func (c *Rego) evaluate(ctx context.Context, d string) (string, error) {
	start := time.Now()

	c.mu.RLock()
	query := c.query
	c.mu.RUnlock()

	results, err := query.Eval(ctx, rego.EvalInput(map[string]interface{}{"domain": d}))
	if err != nil {
		return "", fmt.Errorf("category query evaluation failed: %w", err)
	}

	c.logger.Debug().Str("domain", d).Dur("duration", time.Since(start)).Msg("Category evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return "", fmt.Errorf("no results from category query")
	}

	cat, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return "", fmt.Errorf("category is not a string: %T", results[0].Expressions[0].Value)
	}
	return cat, nil
}

// Reload recompiles the rules and drops cached results. On failure the
// previous rules stay active.
func (c *Rego) Reload(ctx context.Context) error {
	query, err := c.prepare(ctx)
	if err != nil {
		return fmt.Errorf("failed to reload rules: %w", err)
	}

	c.mu.Lock()
	c.query = query
	c.mu.Unlock()
	c.cache.Purge()

	c.logger.Info().Str("source", c.source()).Msg("Classifier rules reloaded")
	return nil
}

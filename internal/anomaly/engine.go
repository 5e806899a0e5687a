package anomaly

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// CheckEngine compiles and evaluates tenant-configurable anomaly
// checks written as CEL expressions over the derived window
// statistics.
type CheckEngine struct {
	mu       sync.RWMutex
	env      *cel.Env
	compiled map[string]*compiledCheck
}

type compiledCheck struct {
	config  *domain.CheckConfig
	program cel.Program
}

// NewCheckEngine creates the CEL environment for custom checks.
func NewCheckEngine() (*CheckEngine, error) {
	env, err := cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("hour", cel.IntType),
		// Derived window statistics
		cel.Variable("mean", cel.DoubleType),
		cel.Variable("stddev", cel.DoubleType),
		cel.Variable("z_score", cel.DoubleType),
		cel.Variable("history_count", cel.IntType),
		cel.Variable("distinct_merchants", cel.IntType),
		cel.Variable("category_freq", cel.DoubleType),
		cel.Variable("merchant_seen", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &CheckEngine{
		env:      env,
		compiled: make(map[string]*compiledCheck),
	}, nil
}

// ValidateCheck compiles a check config without loading it.
func (e *CheckEngine) ValidateCheck(cfg *domain.CheckConfig) error {
	if cfg == nil {
		return fmt.Errorf("check config is required")
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compileCheck(cfg)
	return err
}

// LoadCheck compiles and loads a single check.
func (e *CheckEngine) LoadCheck(cfg *domain.CheckConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compileCheck(cfg)
	if err != nil {
		return err
	}

	e.compiled[cfg.ID] = compiled

	return nil
}

// LoadChecks compiles and loads all enabled checks.
func (e *CheckEngine) LoadChecks(configs []*domain.CheckConfig) error {
	for _, cfg := range configs {
		if cfg.Enabled {
			if err := e.LoadCheck(cfg); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadChecks swaps the loaded set atomically. Used for hot-reload
// from the database.
func (e *CheckEngine) ReloadChecks(configs []*domain.CheckConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*compiledCheck)
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		compiled, err := e.compileCheck(cfg)
		if err != nil {
			return err
		}
		next[cfg.ID] = compiled
	}

	e.compiled = next

	return nil
}

// ChecksCount returns the number of loaded custom checks.
func (e *CheckEngine) ChecksCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// LoadedChecks returns the currently loaded check configurations.
func (e *CheckEngine) LoadedChecks() []*domain.CheckConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()

	configs := make([]*domain.CheckConfig, 0, len(e.compiled))
	for _, c := range e.compiled {
		configs = append(configs, c.config)
	}
	return configs
}

// EvaluateAll runs every loaded custom check against the transaction
// and window statistics. Checks run in a stable ID order so findings
// keep a deterministic sequence across evaluations.
func (e *CheckEngine) EvaluateAll(tx *domain.Transaction, stats *Stats) []domain.AnomalyFinding {
	e.mu.RLock()
	checks := make([]*compiledCheck, 0, len(e.compiled))
	for _, c := range e.compiled {
		checks = append(checks, c)
	}
	e.mu.RUnlock()

	if len(checks) == 0 {
		return nil
	}

	sort.Slice(checks, func(i, j int) bool {
		return checks[i].config.ID < checks[j].config.ID
	})

	z, _ := stats.ZScore(tx.Amount)
	activation := map[string]any{
		"tx": map[string]any{
			"id":       tx.ID,
			"amount":   tx.Amount,
			"currency": tx.Currency,
			"merchant": tx.Merchant,
			"category": tx.Category,
		},
		"amount":             tx.Amount,
		"currency":           tx.Currency,
		"merchant":           tx.Merchant,
		"category":           tx.Category,
		"hour":               int64(tx.Timestamp.Hour()),
		"mean":               stats.Mean,
		"stddev":             stats.StdDev,
		"z_score":            z,
		"history_count":      int64(stats.Size),
		"distinct_merchants": int64(len(stats.Merchants)),
		"category_freq":      stats.CategoryFrequency(tx.Category),
		"merchant_seen":      stats.MerchantSeen(tx.Merchant),
	}

	findings := make([]domain.AnomalyFinding, 0, len(checks))
	for _, c := range checks {
		findings = append(findings, e.evaluateCheck(c, activation))
	}

	return findings
}

func (e *CheckEngine) evaluateCheck(c *compiledCheck, activation map[string]any) domain.AnomalyFinding {
	f := domain.AnomalyFinding{
		Kind:    domain.CheckCustom,
		CheckID: c.config.ID,
		Weight:  c.config.Weight,
	}

	out, _, err := c.program.Eval(activation)
	if err != nil {
		f.Reason = fmt.Sprintf("check evaluation error: %v", err)
		return f
	}

	f.Evidence = toEvidence(out)
	if f.Evidence > 0 {
		f.Flagged = true
		f.Reason = c.config.Reason
		if f.Reason == "" {
			f.Reason = fmt.Sprintf("custom check %s triggered", c.config.ID)
		}
	}
	return f
}

// Close clears the compiled check set.
func (e *CheckEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*compiledCheck)
	return nil
}

func (e *CheckEngine) compileCheck(cfg *domain.CheckConfig) (*compiledCheck, error) {
	ast, issues := e.env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile check %s: %w", cfg.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("check %s: expression must return bool, int, or double, got %s", cfg.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for check %s: %w", cfg.ID, err)
	}

	return &compiledCheck{
		config:  cfg,
		program: program,
	}, nil
}

// toEvidence converts a CEL value to a numeric evidence score.
func toEvidence(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

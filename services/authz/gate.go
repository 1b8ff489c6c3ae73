// Package authz implements the authorization gate: a default-deny,
// first-match-wins rule table keyed by (role, action). Every decision is
// sealed in the audit ledger before it is returned.
package authz

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/upb/governed-core/internal/observability"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/repositories"
	"github.com/upb/governed-core/services"
)

const tracerName = "github.com/upb/governed-core/services/authz"

// Authorizer is the capability extension call sites depend on. A nil error
// means the action is allowed and the decision has been recorded.
type Authorizer interface {
	AuthorizeAction(ctx context.Context, rc models.RequestContext, action models.Action) error
}

// Appender seals audit candidates
type Appender interface {
	Append(ctx context.Context, candidate *models.AuditCandidate) (*models.AuditRecord, error)
}

// Option configures a Gate
type Option func(*Gate)

// WithClock overrides the decision time source
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// WithMetrics attaches decision counters
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// Gate evaluates authorization requests against the current rule table
type Gate struct {
	rules   repositories.RuleRepository
	ledger  Appender
	cache   *RuleCache
	logger  *zap.Logger
	clock   func() time.Time
	metrics *observability.Metrics
	tracer  trace.Tracer

	mu         sync.RWMutex
	table      *models.RuleTable
	generation uint64
}

// NewGate creates a gate. The rule table is loaded lazily on first use or
// explicitly through Reload.
func NewGate(rules repositories.RuleRepository, ledger Appender, cache *RuleCache, logger *zap.Logger, opts ...Option) *Gate {
	if cache == nil {
		cache = NewRuleCache(256, 5*time.Minute)
	}
	g := &Gate{
		rules:  rules,
		ledger: ledger,
		cache:  cache,
		logger: logger,
		clock:  time.Now,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Reload fetches the rule table from its source and drops cached rules
func (g *Gate) Reload(ctx context.Context) error {
	table, err := g.rules.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load rule table: %w", err)
	}
	if err := ValidateRuleTable(table); err != nil {
		return err
	}

	g.mu.Lock()
	g.table = table
	g.generation++
	g.cache.Clear()
	g.mu.Unlock()

	g.logger.Info("authorization rules loaded",
		zap.String("version", table.Version),
		zap.Int("rules", len(table.Rules)),
		zap.Int("actions", len(table.Actions)))
	return nil
}

// Table returns the active rule table, or nil before the first load
func (g *Gate) Table() *models.RuleTable {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.table
}

// CacheStats reports rule cache usage
func (g *Gate) CacheStats() CacheStats {
	return g.cache.Stats()
}

// AuthorizeAction implements Authorizer
func (g *Gate) AuthorizeAction(ctx context.Context, rc models.RequestContext, action models.Action) error {
	_, err := g.Authorize(ctx, rc, action, "")
	return err
}

// Authorize decides whether rc.Actor may perform action. The decision is
// appended to the ledger before returning. A denial returns the decision
// together with an AUTH_DENIED error; if the decision cannot be recorded
// the caller receives a ledger write error and no decision.
func (g *Gate) Authorize(ctx context.Context, rc models.RequestContext, action models.Action, resourceRef string) (*models.AuthorizationDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := g.tracer.Start(ctx, "authz.Authorize", trace.WithAttributes(
		attribute.String("action", string(action)),
		attribute.String("request_id", rc.RequestID),
	))
	defer span.End()

	decision, catalog := g.evaluate(ctx, rc, action)
	decision.ResourceRef = resourceRef

	// the decision is recorded even if the caller goes away now
	record, err := g.ledger.Append(context.WithoutCancel(ctx),
		models.NewAuditCandidate(rc, models.ActionKindAuthzDecision).WithBody(decision))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "decision not recorded")
		g.logger.Error("authorization decision could not be recorded",
			zap.String("request_id", rc.RequestID),
			zap.String("action", string(action)),
			zap.Bool("allowed", decision.Allowed),
			zap.Error(err))
		if services.IsLedgerWriteError(err) {
			return nil, err
		}
		return nil, services.NewLedgerWriteError(err)
	}
	decision.Sequence = record.Sequence

	g.metrics.RecordDecision(ctx, string(action), decision.Allowed, string(decision.ReasonCode))
	span.SetAttributes(
		attribute.Bool("allowed", decision.Allowed),
		attribute.String("reason", string(decision.ReasonCode)),
	)

	if !decision.Allowed {
		g.logger.Info("authorization denied",
			zap.String("request_id", rc.RequestID),
			zap.String("actor_id", rc.Actor.ActorID),
			zap.String("action", string(action)),
			zap.String("reason", string(decision.ReasonCode)),
			zap.Int64("sequence", record.Sequence))
		return decision, services.NewAuthorizationError(
			fmt.Sprintf("%s action '%s' not permitted", catalog.Domain(action), action)).
			WithDetail("reasonCode", string(decision.ReasonCode))
	}

	g.logger.Debug("authorization granted",
		zap.String("request_id", rc.RequestID),
		zap.String("action", string(action)),
		zap.Int("rule_index", decision.RuleIndex),
		zap.Int64("sequence", record.Sequence))
	return decision, nil
}

// evaluate computes the decision. It never fails: any internal problem is a
// deny with ReasonInternalError.
func (g *Gate) evaluate(ctx context.Context, rc models.RequestContext, action models.Action) (decision *models.AuthorizationDecision, catalog models.ActionCatalog) {
	decision = &models.AuthorizationDecision{
		RequestID:  rc.RequestID,
		Action:     action,
		ActorID:    rc.Actor.ActorID,
		Role:       rc.Actor.Role,
		Allowed:    false,
		ReasonCode: models.ReasonNoMatchingRule,
		RuleIndex:  -1,
		Timestamp:  g.clock().UTC().Truncate(time.Microsecond),
	}
	catalog = models.DefaultActionCatalog()

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("authorization evaluation panicked",
				zap.String("request_id", rc.RequestID),
				zap.Any("panic", r))
			decision.Allowed = false
			decision.ReasonCode = models.ReasonInternalError
			decision.RuleIndex = -1
		}
	}()

	table, gen, err := g.currentTable(ctx)
	if err != nil {
		g.logger.Error("rule table unavailable, denying",
			zap.String("request_id", rc.RequestID),
			zap.Error(err))
		decision.ReasonCode = models.ReasonInternalError
		return decision, catalog
	}
	decision.RuleTableVersion = table.Version
	if table.Actions != nil {
		catalog = table.Actions
	}

	if !catalog.Contains(action) {
		decision.ReasonCode = models.ReasonUnknownAction
		return decision, catalog
	}
	if rc.Actor.Role == "" {
		decision.ReasonCode = models.ReasonMissingRole
		return decision, catalog
	}

	for _, ir := range g.rulesForRole(table, gen, rc.Actor.Role) {
		if !ir.Rule.Matches(rc.Actor.Role, action) {
			continue
		}
		decision.RuleIndex = ir.Index
		switch ir.Rule.Effect {
		case models.EffectAllow:
			decision.Allowed = true
			decision.ReasonCode = models.ReasonRuleAllow
		default:
			decision.ReasonCode = models.ReasonRuleDeny
		}
		return decision, catalog
	}

	return decision, catalog
}

func (g *Gate) currentTable(ctx context.Context) (*models.RuleTable, uint64, error) {
	if t, gen := g.snapshot(); t != nil {
		return t, gen, nil
	}
	if err := g.Reload(ctx); err != nil {
		return nil, 0, err
	}
	t, gen := g.snapshot()
	return t, gen, nil
}

func (g *Gate) snapshot() (*models.RuleTable, uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.table, g.generation
}

// rulesForRole returns the role's rules in table order. Cache keys carry the
// table generation so entries built from a replaced table are never served.
func (g *Gate) rulesForRole(table *models.RuleTable, gen uint64, role string) []IndexedRule {
	key := strconv.FormatUint(gen, 10) + "/" + role
	if rules, ok := g.cache.Get(key); ok {
		return rules
	}

	rules := make([]IndexedRule, 0)
	for i, r := range table.Rules {
		if r.Role == role {
			rules = append(rules, IndexedRule{Index: i, Rule: r})
		}
	}
	g.cache.Set(key, rules)
	return rules
}

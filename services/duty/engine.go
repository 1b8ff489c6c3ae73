// Package duty computes customs duty and GST for DDP shipments and wraps the
// computation with authorization and an audit record.
package duty

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/upb/governed-core/internal/observability"
	"github.com/upb/governed-core/models"
	"github.com/upb/governed-core/services"
	"github.com/upb/governed-core/services/authz"
)

const tracerName = "github.com/upb/governed-core/services/duty"

// Appender seals audit candidates
type Appender interface {
	Append(ctx context.Context, candidate *models.AuditCandidate) (*models.AuditRecord, error)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the shipment timestamp source
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithIDGenerator overrides shipment id generation
func WithIDGenerator(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// WithMetrics attaches calculation counters
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the audited duty calculation service
type Engine struct {
	authorizer authz.Authorizer
	ledger     Appender
	schedule   *Schedule
	logger     *zap.Logger
	clock      func() time.Time
	newID      func() string
	metrics    *observability.Metrics
	tracer     trace.Tracer
}

// NewEngine creates an engine; a nil schedule uses the built-in one
func NewEngine(authorizer authz.Authorizer, ledger Appender, schedule *Schedule, logger *zap.Logger, opts ...Option) *Engine {
	if schedule == nil {
		schedule = DefaultSchedule()
	}
	e := &Engine{
		authorizer: authorizer,
		ledger:     ledger,
		schedule:   schedule,
		logger:     logger,
		clock:      time.Now,
		newID:      func() string { return uuid.NewString() },
		tracer:     otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ScheduleVersion returns the version of the loaded rate schedule
func (e *Engine) ScheduleVersion() string {
	return e.schedule.Version
}

// Compute authorizes CALCULATE_DUTY, calculates duty and GST, and appends a
// DUTY_CALCULATED record whose body is the shipment. A denial leaves only the
// decision record; invalid input leaves no calculation record.
func (e *Engine) Compute(ctx context.Context, rc models.RequestContext, in models.ShipmentInput) (*models.Shipment, *models.AuditRecord, error) {
	ctx, span := e.tracer.Start(ctx, "duty.Compute", trace.WithAttributes(
		attribute.String("request_id", rc.RequestID),
		attribute.String("destination", in.DestinationCountry),
	))
	defer span.End()

	if err := e.authorizer.AuthorizeAction(ctx, rc, models.ActionCalculateDuty); err != nil {
		span.SetStatus(codes.Error, "not authorized")
		return nil, nil, err
	}

	// authorized work runs to completion or fails loudly
	ctx = context.WithoutCancel(ctx)

	calc, err := e.Recompute(in)
	if err != nil {
		span.SetStatus(codes.Error, "invalid input")
		return nil, nil, err
	}

	shipment := models.NewShipment(e.newID(), rc.RequestID, in, calc, e.clock().UTC().Truncate(time.Microsecond))

	record, err := e.ledger.Append(ctx, models.NewAuditCandidate(rc, models.ActionKindDutyCalculated).WithBody(shipment))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "calculation not recorded")
		e.logger.Error("duty calculation could not be recorded",
			zap.String("request_id", rc.RequestID),
			zap.String("shipment_id", shipment.ShipmentID),
			zap.Error(err))
		return nil, nil, err
	}

	e.metrics.RecordCalculation(ctx, in.DestinationCountry)
	e.logger.Info("duty calculated",
		zap.String("request_id", rc.RequestID),
		zap.String("shipment_id", shipment.ShipmentID),
		zap.String("hs_code", in.HSCode),
		zap.String("customs_duty", calc.CustomsDuty.StringFixed(2)),
		zap.String("gst", calc.GST.StringFixed(2)),
		zap.String("currency", calc.Currency),
		zap.Int64("sequence", record.Sequence))

	return &shipment, record, nil
}

// Recompute validates the input and returns the duty calculation. It is a
// pure function of the input and the loaded schedule, so third parties can
// confirm a recorded result.
func (e *Engine) Recompute(in models.ShipmentInput) (models.DutyCalculation, error) {
	if err := ValidateInput(in); err != nil {
		return models.DutyCalculation{}, err
	}

	dest, ok := e.schedule.Destination(in.DestinationCountry)
	if !ok {
		return models.DutyCalculation{}, services.NewValidationError(
			fmt.Sprintf("no rate schedule for destination %s", in.DestinationCountry), nil).
			WithDetail("field", "destinationCountry")
	}

	return Calculate(in, dest, e.schedule.Version), nil
}

// Calculate applies the DDP duty formula:
//
//	dutiable    = declaredValue
//	customsDuty = round(dutiable*rate + weightKg*specificPerKg)
//	gst         = round((dutiable + customsDuty) * gstRate)
//
// Both amounts are zero at or below the destination's de minimis threshold.
// Rounding is half-up to two places.
func Calculate(in models.ShipmentInput, dest DestinationRates, version string) models.DutyCalculation {
	dutiable := in.DeclaredValue
	rate, perKg := dest.Lookup(in.HSCode, in.OriginCountry)

	calc := models.DutyCalculation{
		HSCode:          in.HSCode,
		Currency:        in.Currency,
		DutiableValue:   models.NewMoney(dutiable),
		DutyRate:        rate,
		GSTRate:         dest.GSTRate.Decimal,
		ScheduleVersion: version,
		CustomsDuty:     models.NewMoney(decimal.Zero),
		GST:             models.NewMoney(decimal.Zero),
	}

	if dutiable.LessThanOrEqual(dest.DeMinimis.Decimal) {
		calc.DeMinimisApplied = true
		return calc
	}

	duty := models.NewMoney(dutiable.Mul(rate).Add(in.WeightKg.Mul(perKg)))
	gst := models.NewMoney(dutiable.Add(duty.Decimal).Mul(dest.GSTRate.Decimal))

	calc.CustomsDuty = duty
	calc.GST = gst
	return calc
}

var inputValidator = validator.New()

// ValidateInput checks field formats and that amounts are non-negative
func ValidateInput(in models.ShipmentInput) error {
	if err := inputValidator.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			field := verrs[0].Field()
			return services.NewValidationError(
				fmt.Sprintf("invalid %s", lowerFirst(field)), err).
				WithDetail("field", lowerFirst(field))
		}
		return services.NewValidationError("invalid shipment input", err)
	}
	if _, err := currency.ParseISO(in.Currency); err != nil {
		return services.NewValidationError(fmt.Sprintf("unknown currency %s", in.Currency), err).
			WithDetail("field", "currency")
	}
	if in.DeclaredValue.IsNegative() {
		return services.NewValidationError("declaredValue must be >= 0", nil).
			WithDetail("field", "declaredValue")
	}
	if in.WeightKg.IsNegative() {
		return services.NewValidationError("weightKg must be >= 0", nil).
			WithDetail("field", "weightKg")
	}
	return nil
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	switch {
	case strings.HasPrefix(s, "HS"):
		return "hs" + s[2:]
	default:
		return strings.ToLower(s[:1]) + s[1:]
	}
}

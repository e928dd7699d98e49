package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"

	"guard-service/internal/detector"
	"guard-service/internal/engine"
	"guard-service/internal/eventlog"
	"guard-service/internal/integrity"
	"guard-service/internal/models"
	"guard-service/internal/ratelimit"
)

const (
	MaxInputBytes = 1 << 20
	maxActorIDLen = 256
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnknownCategory    = errors.New("unknown attack category")
	ErrIntegrityDisabled  = errors.New("integrity monitoring disabled")
	ErrStoreUnavailable   = errors.New("rate limit store unavailable")
	ErrAlertNotFound      = eventlog.ErrAlertNotFound
)

// GuardService is the request-facing API of the protection engine.
type GuardService struct {
	engine *engine.Engine
	logger *zap.Logger
}

type DetectRequest struct {
	Input    string                `json:"input"`
	Source   string                `json:"source"`
	Category models.AttackCategory `json:"category,omitempty"`
	ActorID  string                `json:"actor_id,omitempty"`
}

// GuardRequest asks for admission of one action together with validation of
// the fields it carries. Each field name is used as the detector source label.
type GuardRequest struct {
	ActorID string            `json:"actor_id"`
	Action  string            `json:"action"`
	Fields  map[string]string `json:"fields"`
}

type GuardResult struct {
	Allowed   bool                                   `json:"allowed"`
	Decision  ratelimit.Decision                     `json:"decision"`
	Fields    map[string]detector.ValidationResult `json:"fields,omitempty"`
	Rejected  []string                               `json:"rejected,omitempty"`
	Sanitized map[string]string                      `json:"sanitized,omitempty"`
}

// EventRequest is a caller-reported security event such as a failed login.
type EventRequest struct {
	Category models.EventCategory `json:"category"`
	Severity models.Severity      `json:"severity"`
	Message  string               `json:"message"`
	ActorID  string               `json:"actor_id"`
	Extra    map[string]string    `json:"extra,omitempty"`
}

func NewGuardService(e *engine.Engine, logger *zap.Logger) *GuardService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GuardService{engine: e, logger: logger}
}

func validateActor(actorID string) error {
	if strings.TrimSpace(actorID) == "" {
		return fmt.Errorf("%w: actor_id is required", ErrInvalidInput)
	}
	if len(actorID) > maxActorIDLen {
		return fmt.Errorf("%w: actor_id too long", ErrInvalidInput)
	}
	return nil
}

func validateInput(input string) error {
	if len(input) > MaxInputBytes {
		return fmt.Errorf("%w: input exceeds %d bytes", ErrInvalidInput, MaxInputBytes)
	}
	return nil
}

// Check runs rate-limit admission for (actorID, action).
func (s *GuardService) Check(ctx context.Context, actorID, action string) (ratelimit.Decision, error) {
	if err := validateActor(actorID); err != nil {
		return ratelimit.Decision{}, err
	}
	if strings.TrimSpace(action) == "" {
		return ratelimit.Decision{}, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	dec, err := s.engine.Limiter().Check(ctx, actorID, action)
	if err == nil {
		return dec, nil
	}
	// A degraded decision that still allows, or that denies on tier state,
	// stands; only a fail-closed denial surfaces the store error.
	if dec.Degraded && dec.Reason != models.ReasonStoreUnavailable {
		s.logger.Warn("Rate limit check degraded",
			zap.String("action", action),
			zap.Bool("allowed", dec.Allowed),
			zap.Error(err))
		return dec, nil
	}
	return dec, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

func (s *GuardService) Detect(req DetectRequest) (detector.Verdict, error) {
	if err := validateInput(req.Input); err != nil {
		return detector.Verdict{}, err
	}
	det := s.engine.Detector()
	if req.Category == "" {
		return det.DetectFor(req.ActorID, req.Input, req.Source), nil
	}
	if len(det.Library().Signatures(req.Category)) == 0 {
		return detector.Verdict{}, fmt.Errorf("%w: %s", ErrUnknownCategory, req.Category)
	}
	return det.DetectCategoryFor(req.ActorID, req.Input, req.Source, req.Category), nil
}

func (s *GuardService) Validate(actorID, input, source string) (detector.ValidationResult, error) {
	if err := validateInput(input); err != nil {
		return detector.ValidationResult{}, err
	}
	return s.engine.Detector().ValidateFor(actorID, input, source), nil
}

// Guard admits the action first; fields are only scanned for admitted requests.
func (s *GuardService) Guard(ctx context.Context, req GuardRequest) (*GuardResult, error) {
	for name, value := range req.Fields {
		if err := validateInput(value); err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
	}

	dec, err := s.Check(ctx, req.ActorID, req.Action)
	if err != nil {
		return nil, err
	}
	result := &GuardResult{Allowed: dec.Allowed, Decision: dec}
	if !dec.Allowed {
		return result, nil
	}

	names := make([]string, 0, len(req.Fields))
	for name := range req.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	result.Fields = make(map[string]detector.ValidationResult, len(names))
	result.Sanitized = make(map[string]string, len(names))
	for _, name := range names {
		vr := s.engine.Detector().ValidateFor(req.ActorID, req.Fields[name], name)
		result.Fields[name] = vr
		result.Sanitized[name] = vr.Sanitized
		if !vr.Valid {
			result.Allowed = false
			result.Rejected = append(result.Rejected, name)
		}
	}

	if !result.Allowed {
		s.logger.Info("Guarded request rejected",
			zap.String("action", req.Action),
			zap.Strings("fields", result.Rejected))
	}
	return result, nil
}

// RecordEvent appends a caller-reported event and returns the alert it raised.
func (s *GuardService) RecordEvent(req EventRequest) (*models.Alert, error) {
	if !req.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown event category %q", ErrInvalidInput, req.Category)
	}
	if req.Severity != "" && !req.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidInput, req.Severity)
	}
	return s.engine.Log().Append(models.SecurityEvent{
		Category: req.Category,
		Severity: req.Severity,
		Message:  req.Message,
		ActorID:  req.ActorID,
		Origin:   models.OriginCaller,
		Details:  models.EventDetails{Extra: req.Extra},
	}), nil
}

func (s *GuardService) Events(q eventlog.EventQuery) []models.SecurityEvent {
	return s.engine.Log().Query(q)
}

func (s *GuardService) Alerts() []models.Alert {
	return s.engine.Log().Alerts()
}

func (s *GuardService) AcknowledgeAlert(alertID, operator string) error {
	if err := s.engine.Log().Acknowledge(alertID); err != nil {
		return err
	}
	s.adminAction(operator, "alert acknowledged", map[string]string{"alert_id": alertID})
	return nil
}

// ResetActor clears every rate-limit record of actorID.
func (s *GuardService) ResetActor(ctx context.Context, actorID, operator string) error {
	if err := validateActor(actorID); err != nil {
		return err
	}
	if err := s.engine.Limiter().Reset(ctx, actorID); err != nil {
		return fmt.Errorf("failed to reset rate limits: %w", err)
	}
	s.adminAction(operator, "rate limits reset", map[string]string{"target_actor": actorID})
	return nil
}

func (s *GuardService) InspectActor(ctx context.Context, actorID, action string) ([]ratelimit.TierState, error) {
	if err := validateActor(actorID); err != nil {
		return nil, err
	}
	return s.engine.Limiter().Inspect(ctx, actorID, action)
}

func (s *GuardService) Export() eventlog.Snapshot {
	return s.engine.Log().Export()
}

func (s *GuardService) WriteSnapshot(w io.Writer) error {
	return s.engine.Log().WriteSnapshot(w)
}

func (s *GuardService) Stats() eventlog.Stats {
	return s.engine.Log().Stats()
}

func (s *GuardService) IntegrityStatus() integrity.Status {
	return s.engine.Monitor().Status()
}

func (s *GuardService) IntegrityCheck(ctx context.Context, operator string) ([]models.IntegrityChange, error) {
	if !s.engine.IntegrityEnabled() {
		return nil, ErrIntegrityDisabled
	}
	changes, err := s.engine.Monitor().PerformManualCheck(ctx)
	if err != nil {
		return nil, err
	}
	s.adminAction(operator, "manual integrity check", map[string]string{"changes": fmt.Sprint(len(changes))})
	return changes, nil
}

func (s *GuardService) adminAction(operator, message string, extra map[string]string) {
	s.engine.Log().Append(models.SecurityEvent{
		Category: models.CategoryAdminAction,
		Severity: models.SeverityInfo,
		Message:  message,
		ActorID:  operator,
		Origin:   models.OriginCaller,
		Details:  models.EventDetails{Extra: extra},
	})
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/observability"
	"github.com/medsync/engine/internal/repository"
)

var (
	// ErrConflictNotFound is returned when no conflict case has the given ID
	ErrConflictNotFound = errors.New("conflict case not found")
	// ErrConflictAlreadyResolved is returned when a decision already exists;
	// recorded decisions are never overwritten
	ErrConflictAlreadyResolved = errors.New("conflict case already resolved")
)

// ConfidenceScorer rates how certain an automatic resolution is, from 0 to
// 1. Swappable so resolution policy can evolve without touching the engine.
type ConfidenceScorer interface {
	Score(c *models.ConflictCase, touchesSafety bool) float64
}

// ResolverConfig holds conflict resolver configuration
type ResolverConfig struct {
	// AmbiguityWindow is the timestamp gap under which last-write-wins
	// refuses to guess
	AmbiguityWindow time.Duration
	// ReviewThreshold is the confidence below which a case is never
	// auto-applied
	ReviewThreshold float64
	// SafetyFields never auto-resolve; they always route to user review
	SafetyFields []string
	// AuditCapacity bounds the audit trail; oldest entries evict first
	AuditCapacity int
}

// DefaultResolverConfig returns the standard resolver settings
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		AmbiguityWindow: 5 * time.Second,
		ReviewThreshold: 0.7,
		SafetyFields:    []string{"dosage", "dose", "strength", "unit", "medicationId", "medicationName"},
		AuditCapacity:   500,
	}
}

// ConflictResolver decides the winning value for divergent local/remote
// edits and records every decision in the audit trail.
type ConflictResolver struct {
	conflictRepo repository.ConflictRepo
	scorer       ConfidenceScorer
	config       ResolverConfig
	logger       *observability.Logger
	safetySet    map[string]bool
}

// NewConflictResolver creates a ConflictResolver. A nil scorer falls back
// to the built-in heuristic.
func NewConflictResolver(conflictRepo repository.ConflictRepo, scorer ConfidenceScorer, config ResolverConfig) *ConflictResolver {
	if scorer == nil {
		scorer = &HeuristicScorer{AmbiguityWindow: config.AmbiguityWindow}
	}
	safetySet := make(map[string]bool, len(config.SafetyFields))
	for _, f := range config.SafetyFields {
		safetySet[f] = true
	}
	return &ConflictResolver{
		conflictRepo: conflictRepo,
		scorer:       scorer,
		config:       config,
		logger:       observability.GetLogger().WithField("component", "conflict_resolver"),
		safetySet:    safetySet,
	}
}

// Resolve decides a single conflict case. The decision, automatic or
// escalated, is persisted; auto-resolutions are appended to the audit
// trail. Cases below the review threshold are never auto-applied.
func (r *ConflictResolver) Resolve(ctx context.Context, c *models.ConflictCase) (*models.ConflictCase, error) {
	local, remote, base, err := decodeSides(c)
	if err != nil {
		return nil, fmt.Errorf("resolve conflict %s: %w", c.ID, err)
	}

	changedFields := differingFields(local, remote)
	touchesSafety := r.anySafety(changedFields)

	switch {
	case touchesSafety:
		// Safety-critical fields override every other strategy: they are
		// never decided by timestamps, whatever the confidence.
		r.escalate(c, models.StrategySafetyOverride, changedFields, r.recommendByTimestamp(c))
	case base != nil:
		r.threeWayMerge(c, local, remote, base)
	default:
		r.lastWriteWins(c)
	}

	if err := r.persist(ctx, c); err != nil {
		return nil, err
	}

	if c.Status == models.ConflictStatusAutoResolved {
		entry := models.NewAuditEntry(c, "system")
		if err := r.conflictRepo.AppendAudit(ctx, entry, r.config.AuditCapacity); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// ResolveBatch applies one strategy pass across a set of same-type
// conflicts. The safety override is still evaluated per case.
func (r *ConflictResolver) ResolveBatch(ctx context.Context, cases []*models.ConflictCase) ([]*models.ConflictCase, error) {
	byType := make(map[string][]*models.ConflictCase)
	for _, c := range cases {
		byType[c.EntityType] = append(byType[c.EntityType], c)
	}

	// Deterministic order across types
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	resolved := make([]*models.ConflictCase, 0, len(cases))
	for _, t := range types {
		for _, c := range byType[t] {
			out, err := r.Resolve(ctx, c)
			if err != nil {
				return resolved, err
			}
			if out.StrategyUsed != models.StrategySafetyOverride {
				out.StrategyUsed = models.StrategyBatch + ":" + out.StrategyUsed
				if err := r.conflictRepo.Update(ctx, out); err != nil {
					return resolved, err
				}
			}
			resolved = append(resolved, out)
		}
	}
	return resolved, nil
}

// ResolveByUser applies an explicit user decision to a pending case and
// appends it to the audit trail
func (r *ConflictResolver) ResolveByUser(ctx context.Context, id, choice string, value json.RawMessage, resolvedBy string) (*models.ConflictCase, error) {
	c, err := r.conflictRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("conflict case %s: %w", id, ErrConflictNotFound)
	}
	if c.IsResolved() {
		// Recorded decisions are never overwritten
		return nil, fmt.Errorf("conflict case %s: %w", id, ErrConflictAlreadyResolved)
	}

	switch choice {
	case models.SideLocal:
		c.ResolvedValue = c.LocalValue
	case models.SideRemote:
		c.ResolvedValue = c.RemoteValue
	case models.SideMerged:
		if len(value) == 0 {
			return nil, fmt.Errorf("merged choice requires a value")
		}
		c.ResolvedValue = value
	default:
		return nil, fmt.Errorf("unknown choice %q", choice)
	}

	now := time.Now().UTC()
	c.WinningSide = choice
	c.StrategyUsed = models.StrategyUserChoice
	c.Status = models.ConflictStatusResolvedByUser
	c.Confidence = 1.0
	c.ResolvedAt = &now
	c.ResolvedBy = &resolvedBy

	if err := r.conflictRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	if err := r.conflictRepo.AppendAudit(ctx, models.NewAuditEntry(c, resolvedBy), r.config.AuditCapacity); err != nil {
		return nil, err
	}

	r.logger.Infof("Conflict %s resolved by user %s (%s)", c.ID, resolvedBy, choice)
	return c, nil
}

// lastWriteWins prefers the newer side unless the timestamps are too close
// to call, in which case the case escalates instead of guessing
func (r *ConflictResolver) lastWriteWins(c *models.ConflictCase) {
	c.StrategyUsed = models.StrategyLastWriteWins
	recommended := r.recommendByTimestamp(c)
	c.Confidence = r.scorer.Score(c, false)

	gap := absDuration(c.RemoteModified.Sub(c.LocalModified))
	if gap < r.config.AmbiguityWindow || c.Confidence < r.config.ReviewThreshold {
		r.escalate(c, models.StrategyLastWriteWins, nil, recommended)
		return
	}

	c.WinningSide = recommended
	if recommended == models.SideRemote {
		c.ResolvedValue = c.RemoteValue
	} else {
		c.ResolvedValue = c.LocalValue
	}
	r.markAutoResolved(c)
}

// threeWayMerge merges field by field against the common ancestor. Fields
// changed on only one side take that side's value; fields changed on both
// sides are hard conflicts that escalate for review.
func (r *ConflictResolver) threeWayMerge(c *models.ConflictCase, local, remote, base map[string]interface{}) {
	c.StrategyUsed = models.StrategyThreeWayMerge

	merged := make(map[string]interface{})
	var hardConflicts []string

	for _, field := range fieldUnion(local, remote, base) {
		baseVal, inBase := base[field]
		localVal, inLocal := local[field]
		remoteVal, inRemote := remote[field]

		localChanged := !inBase && inLocal || inBase && (!inLocal || !reflect.DeepEqual(baseVal, localVal))
		remoteChanged := !inBase && inRemote || inBase && (!inRemote || !reflect.DeepEqual(baseVal, remoteVal))

		switch {
		case localChanged && remoteChanged && !reflect.DeepEqual(localVal, remoteVal):
			hardConflicts = append(hardConflicts, field)
			// Recommended default for the reviewer: the newer side
			if c.RemoteModified.After(c.LocalModified) {
				if inRemote {
					merged[field] = remoteVal
				}
			} else if inLocal {
				merged[field] = localVal
			}
		case remoteChanged:
			if inRemote {
				merged[field] = remoteVal
			}
		case localChanged:
			if inLocal {
				merged[field] = localVal
			}
		default:
			if inBase {
				merged[field] = baseVal
			}
		}
	}

	resolved, err := json.Marshal(merged)
	if err != nil {
		r.escalate(c, models.StrategyThreeWayMerge, hardConflicts, r.recommendByTimestamp(c))
		return
	}
	c.ResolvedValue = resolved
	c.WinningSide = models.SideMerged
	c.ConflictingFields = hardConflicts
	c.Confidence = r.scorer.Score(c, false)

	if len(hardConflicts) > 0 || c.Confidence < r.config.ReviewThreshold {
		c.Status = models.ConflictStatusPendingReview
		return
	}
	r.markAutoResolved(c)
}

// escalate queues a case for explicit user decision, keeping a recommended
// default so the review UI can present one
func (r *ConflictResolver) escalate(c *models.ConflictCase, strategy string, fields []string, recommended string) {
	c.StrategyUsed = strategy
	c.Status = models.ConflictStatusPendingReview
	c.ConflictingFields = fields
	c.WinningSide = ""
	if c.Confidence == 0 {
		c.Confidence = r.scorer.Score(c, strategy == models.StrategySafetyOverride)
	}
	if len(c.ResolvedValue) == 0 {
		if recommended == models.SideRemote {
			c.ResolvedValue = c.RemoteValue
		} else {
			c.ResolvedValue = c.LocalValue
		}
	}
	r.logger.Infof("Conflict %s escalated for review (strategy=%s confidence=%.2f)", c.ID, strategy, c.Confidence)
}

func (r *ConflictResolver) markAutoResolved(c *models.ConflictCase) {
	now := time.Now().UTC()
	c.Status = models.ConflictStatusAutoResolved
	c.ResolvedAt = &now
}

func (r *ConflictResolver) recommendByTimestamp(c *models.ConflictCase) string {
	if c.RemoteModified.After(c.LocalModified) {
		return models.SideRemote
	}
	return models.SideLocal
}

func (r *ConflictResolver) persist(ctx context.Context, c *models.ConflictCase) error {
	existing, err := r.conflictRepo.GetByID(ctx, c.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.conflictRepo.Add(ctx, c)
	}
	return r.conflictRepo.Update(ctx, c)
}

func (r *ConflictResolver) anySafety(fields []string) bool {
	for _, f := range fields {
		if r.safetySet[f] {
			return true
		}
	}
	return false
}

// HeuristicScorer is the default confidence heuristic. It rewards a wide
// timestamp gap and agreement between sides, and collapses for safety
// fields.
type HeuristicScorer struct {
	AmbiguityWindow time.Duration
}

// Score implements ConfidenceScorer
func (s *HeuristicScorer) Score(c *models.ConflictCase, touchesSafety bool) float64 {
	if touchesSafety {
		return 0.1
	}
	if bytesEqualJSON(c.LocalValue, c.RemoteValue) {
		// Both sides agree on content; nothing to guess about
		return 1.0
	}

	window := s.AmbiguityWindow
	if window <= 0 {
		window = 5 * time.Second
	}

	gap := absDuration(c.RemoteModified.Sub(c.LocalModified))
	switch {
	case gap < window:
		return 0.4
	case gap < 3*window:
		return 0.75
	default:
		return 0.95
	}
}

func bytesEqualJSON(a, b json.RawMessage) bool {
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}

func decodeSides(c *models.ConflictCase) (local, remote, base map[string]interface{}, err error) {
	if err = json.Unmarshal(c.LocalValue, &local); err != nil {
		return nil, nil, nil, fmt.Errorf("decode local value: %w", err)
	}
	if err = json.Unmarshal(c.RemoteValue, &remote); err != nil {
		return nil, nil, nil, fmt.Errorf("decode remote value: %w", err)
	}
	if len(c.BaseValue) > 0 {
		if err = json.Unmarshal(c.BaseValue, &base); err != nil {
			return nil, nil, nil, fmt.Errorf("decode base value: %w", err)
		}
	}
	return local, remote, base, nil
}

func differingFields(local, remote map[string]interface{}) []string {
	var fields []string
	for _, field := range fieldUnion(local, remote, nil) {
		lv, inL := local[field]
		rv, inR := remote[field]
		if inL != inR || !reflect.DeepEqual(lv, rv) {
			fields = append(fields, field)
		}
	}
	return fields
}

func fieldUnion(maps ...map[string]interface{}) []string {
	seen := make(map[string]bool)
	for _, m := range maps {
		for k := range m {
			seen[k] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for k := range seen {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

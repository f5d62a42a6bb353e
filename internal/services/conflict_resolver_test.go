package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/engine/internal/models"
	"github.com/medsync/engine/internal/repository"
)

func newTestResolver(t *testing.T) (*ConflictResolver, repository.ConflictRepo) {
	t.Helper()

	repo := repository.NewConflictRepository(newTestDB(t))
	cfg := DefaultResolverConfig()
	resolver := NewConflictResolver(repo, &HeuristicScorer{AmbiguityWindow: cfg.AmbiguityWindow}, cfg)
	return resolver, repo
}

func conflictCase(local, remote, base string, gap time.Duration) *models.ConflictCase {
	var baseRaw json.RawMessage
	if base != "" {
		baseRaw = json.RawMessage(base)
	}
	c := models.NewConflictCase("med-1", models.EntityTypeMedication, json.RawMessage(local), json.RawMessage(remote), baseRaw)
	c.LocalModified = time.Now().UTC().Add(-time.Hour)
	c.RemoteModified = c.LocalModified.Add(gap)
	return c
}

func TestConflictResolver_LastWriteWins(t *testing.T) {
	ctx := context.Background()

	t.Run("newer remote wins with a wide gap", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := conflictCase(`{"notes":"old"}`, `{"notes":"new"}`, "", time.Minute)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.StrategyLastWriteWins, out.StrategyUsed)
		assert.Equal(t, models.ConflictStatusAutoResolved, out.Status)
		assert.Equal(t, models.SideRemote, out.WinningSide)
		assert.JSONEq(t, `{"notes":"new"}`, string(out.ResolvedValue))
	})

	t.Run("newer local wins when local is latest", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := conflictCase(`{"notes":"mine"}`, `{"notes":"theirs"}`, "", -time.Minute)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.ConflictStatusAutoResolved, out.Status)
		assert.Equal(t, models.SideLocal, out.WinningSide)
	})

	t.Run("escalates inside the ambiguity window instead of guessing", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := conflictCase(`{"notes":"a"}`, `{"notes":"b"}`, "", 2*time.Second)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.ConflictStatusPendingReview, out.Status)
		assert.NotEmpty(t, out.ResolvedValue, "a recommended default is kept for the reviewer")
	})
}

func TestConflictResolver_ConfidenceGate(t *testing.T) {
	ctx := context.Background()

	t.Run("cases below the review threshold never auto-resolve", func(t *testing.T) {
		repo := repository.NewConflictRepository(newTestDB(t))
		cfg := DefaultResolverConfig()
		resolver := NewConflictResolver(repo, lowScorer{}, cfg)

		c := conflictCase(`{"notes":"a"}`, `{"notes":"b"}`, "", time.Hour)
		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Less(t, out.Confidence, cfg.ReviewThreshold)
		assert.Equal(t, models.ConflictStatusPendingReview, out.Status)
	})
}

func TestConflictResolver_SafetyOverride(t *testing.T) {
	ctx := context.Background()

	t.Run("dosage changes always route to review", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		// A week apart: last-write-wins would be confident, but dosage is
		// safety-critical.
		c := conflictCase(`{"dosage":"100mg"}`, `{"dosage":"200mg"}`, "", 7*24*time.Hour)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.StrategySafetyOverride, out.StrategyUsed)
		assert.Equal(t, models.ConflictStatusPendingReview, out.Status)
		assert.LessOrEqual(t, out.Confidence, 0.1)
	})

	t.Run("safety override beats three-way merge even with a base", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := conflictCase(
			`{"dosage":"100mg","notes":"x"}`,
			`{"dosage":"200mg","notes":"x"}`,
			`{"dosage":"50mg","notes":"x"}`,
			time.Hour,
		)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.StrategySafetyOverride, out.StrategyUsed)
		assert.Equal(t, models.ConflictStatusPendingReview, out.Status)
	})
}

func TestConflictResolver_ThreeWayMerge(t *testing.T) {
	ctx := context.Background()

	t.Run("merges fields changed on only one side", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := conflictCase(
			`{"notes":"updated locally","color":"blue"}`,
			`{"notes":"base note","color":"red"}`,
			`{"notes":"base note","color":"blue"}`,
			time.Minute,
		)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.StrategyThreeWayMerge, out.StrategyUsed)
		assert.Equal(t, models.ConflictStatusAutoResolved, out.Status)
		assert.Equal(t, models.SideMerged, out.WinningSide)
		assert.JSONEq(t, `{"notes":"updated locally","color":"red"}`, string(out.ResolvedValue))
	})

	t.Run("both sides changing notes flags the field for review", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		// Ten seconds apart, both edited notes from the same base.
		c := conflictCase(
			`{"notes":"taken with food","refills":3}`,
			`{"notes":"take before bed","refills":2}`,
			`{"notes":"original","refills":3}`,
			10*time.Second,
		)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.ConflictStatusPendingReview, out.Status)
		assert.Contains(t, out.ConflictingFields, "notes")
		assert.NotContains(t, out.ConflictingFields, "refills")

		// Non-conflicting fields are still merged in the recommended value.
		var merged map[string]interface{}
		require.NoError(t, json.Unmarshal(out.ResolvedValue, &merged))
		assert.Equal(t, float64(2), merged["refills"], "remote-only change is merged")
		assert.Equal(t, "take before bed", merged["notes"], "newer side is the recommended default")
	})

	t.Run("field removed on one side is dropped", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := conflictCase(
			`{"notes":"kept"}`,
			`{"notes":"kept","deprecated":true}`,
			`{"notes":"kept","deprecated":true}`,
			time.Minute,
		)

		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		assert.Equal(t, models.ConflictStatusAutoResolved, out.Status)
		assert.JSONEq(t, `{"notes":"kept"}`, string(out.ResolvedValue))
	})
}

func TestConflictResolver_ResolveByUser(t *testing.T) {
	ctx := context.Background()

	pendingCase := func(t *testing.T, resolver *ConflictResolver) *models.ConflictCase {
		t.Helper()
		c := conflictCase(`{"dosage":"100mg"}`, `{"dosage":"200mg"}`, "", time.Hour)
		out, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)
		require.Equal(t, models.ConflictStatusPendingReview, out.Status)
		return out
	}

	t.Run("applies a local choice", func(t *testing.T) {
		resolver, repo := newTestResolver(t)
		c := pendingCase(t, resolver)

		out, err := resolver.ResolveByUser(ctx, c.ID, models.SideLocal, nil, "dr-lee")
		require.NoError(t, err)

		assert.Equal(t, models.ConflictStatusResolvedByUser, out.Status)
		assert.Equal(t, models.StrategyUserChoice, out.StrategyUsed)
		assert.Equal(t, 1.0, out.Confidence)
		assert.JSONEq(t, `{"dosage":"100mg"}`, string(out.ResolvedValue))

		stored, err := repo.GetByID(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ConflictStatusResolvedByUser, stored.Status)
	})

	t.Run("merged choice requires a value", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := pendingCase(t, resolver)

		_, err := resolver.ResolveByUser(ctx, c.ID, models.SideMerged, nil, "dr-lee")
		assert.Error(t, err)
	})

	t.Run("recorded decisions are never overwritten", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		c := pendingCase(t, resolver)

		_, err := resolver.ResolveByUser(ctx, c.ID, models.SideRemote, nil, "dr-lee")
		require.NoError(t, err)

		_, err = resolver.ResolveByUser(ctx, c.ID, models.SideLocal, nil, "dr-patel")
		assert.ErrorIs(t, err, ErrConflictAlreadyResolved)
	})

	t.Run("unknown case returns not found", func(t *testing.T) {
		resolver, _ := newTestResolver(t)
		_, err := resolver.ResolveByUser(ctx, "missing", models.SideLocal, nil, "dr-lee")
		assert.ErrorIs(t, err, ErrConflictNotFound)
	})
}

func TestConflictResolver_ResolveBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("applies one strategy per type with per-case safety override", func(t *testing.T) {
		resolver, _ := newTestResolver(t)

		plain := conflictCase(`{"notes":"a"}`, `{"notes":"b"}`, "", time.Minute)
		safety := conflictCase(`{"dosage":"100mg"}`, `{"dosage":"200mg"}`, "", time.Hour)

		out, err := resolver.ResolveBatch(ctx, []*models.ConflictCase{plain, safety})
		require.NoError(t, err)
		require.Len(t, out, 2)

		byID := map[string]*models.ConflictCase{out[0].ID: out[0], out[1].ID: out[1]}

		assert.Equal(t, models.StrategyBatch+":"+models.StrategyLastWriteWins, byID[plain.ID].StrategyUsed)
		assert.Equal(t, models.ConflictStatusAutoResolved, byID[plain.ID].Status)

		assert.Equal(t, models.StrategySafetyOverride, byID[safety.ID].StrategyUsed)
		assert.Equal(t, models.ConflictStatusPendingReview, byID[safety.ID].Status)
	})
}

func TestConflictResolver_AuditTrail(t *testing.T) {
	ctx := context.Background()

	t.Run("auto resolutions are appended", func(t *testing.T) {
		resolver, repo := newTestResolver(t)
		c := conflictCase(`{"notes":"old"}`, `{"notes":"new"}`, "", time.Minute)

		_, err := resolver.Resolve(ctx, c)
		require.NoError(t, err)

		entries, err := repo.GetAuditTrail(ctx, 10)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, c.ID, entries[0].ConflictID)
	})

	t.Run("oldest entries evict past capacity", func(t *testing.T) {
		repo := repository.NewConflictRepository(newTestDB(t))
		cfg := DefaultResolverConfig()
		cfg.AuditCapacity = 3
		resolver := NewConflictResolver(repo, &HeuristicScorer{AmbiguityWindow: cfg.AmbiguityWindow}, cfg)

		for i := 0; i < 5; i++ {
			c := conflictCase(`{"notes":"old"}`, `{"notes":"new"}`, "", time.Minute)
			_, err := resolver.Resolve(ctx, c)
			require.NoError(t, err)
		}

		entries, err := repo.GetAuditTrail(ctx, 10)
		require.NoError(t, err)
		assert.Len(t, entries, 3)
	})
}

// lowScorer always scores below the default review threshold
type lowScorer struct{}

func (lowScorer) Score(c *models.ConflictCase, touchesSafety bool) float64 {
	return 0.3
}

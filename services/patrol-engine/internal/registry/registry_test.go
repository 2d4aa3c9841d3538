package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/shared/models"
)

func setupRegistry(t *testing.T) (*Registry, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	reg := New(store, config.RegistryConfig{CacheTTL: time.Minute, CleanupInterval: time.Minute}, zap.NewNop())
	return reg, store
}

func lobbySpec() CheckpointSpec {
	return CheckpointSpec{
		ID:                 "cp-lobby",
		PropertyID:         "prop-1",
		Name:               "Lobby",
		Latitude:           40.7128,
		Longitude:          -74.0060,
		VerificationMethod: models.VerificationQRCode,
		ScanFrequencyHours: 24,
		RequiredActions:    []string{"check_doors", "check_lights", "check_doors"},
	}
}

func TestGetPolicy(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)
	_, err := reg.Register(ctx, lobbySpec())
	require.NoError(t, err)

	t.Run("Known Checkpoint", func(t *testing.T) {
		policy, err := reg.GetPolicy(ctx, "cp-lobby")
		require.NoError(t, err)
		assert.Equal(t, models.VerificationQRCode, policy.Method)
		assert.Equal(t, []string{"check_doors", "check_lights"}, policy.RequiredActions)
		assert.Equal(t, 24.0, policy.FrequencyHours)
		assert.Equal(t, "prop-1", policy.Location.PropertyID)
	})

	t.Run("Unknown Checkpoint", func(t *testing.T) {
		_, err := reg.GetPolicy(ctx, "cp-missing")
		assert.ErrorIs(t, err, apperr.ErrNotFound)
	})

	t.Run("Removed Checkpoint", func(t *testing.T) {
		require.NoError(t, reg.Remove(ctx, "cp-lobby"))
		_, err := reg.GetPolicy(ctx, "cp-lobby")
		assert.ErrorIs(t, err, apperr.ErrNotFound)

		stored, err := store.GetCheckpoint(ctx, "cp-lobby")
		require.NoError(t, err)
		assert.Equal(t, models.CheckpointRemoved, stored.Status)
	})

	t.Run("Corrupt Policy", func(t *testing.T) {
		require.NoError(t, store.CreateCheckpoint(ctx, &models.Checkpoint{
			ID: "cp-bad", Status: models.CheckpointActive, VerificationMethod: "laser",
		}))
		_, err := reg.GetPolicy(ctx, "cp-bad")
		assert.ErrorIs(t, err, apperr.ErrValidation)
	})
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	reg, store := setupRegistry(t)

	t.Run("Rejects Invalid Spec", func(t *testing.T) {
		spec := lobbySpec()
		spec.VerificationMethod = "smoke_signal"
		spec.ScanFrequencyHours = -1
		_, err := reg.Register(ctx, spec)
		assert.ErrorIs(t, err, apperr.ErrValidation)
		assert.Len(t, apperr.Reasons(err), 2)
	})

	t.Run("Update Refreshes Cache And Due Date", func(t *testing.T) {
		_, err := reg.Register(ctx, lobbySpec())
		require.NoError(t, err)
		_, err = reg.GetPolicy(ctx, "cp-lobby")
		require.NoError(t, err)

		cp, err := store.GetCheckpoint(ctx, "cp-lobby")
		require.NoError(t, err)
		last := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		cp.LastScanned = &last
		require.NoError(t, store.UpdateCheckpoint(ctx, cp))

		spec := lobbySpec()
		spec.ScanFrequencyHours = 12
		spec.VerificationMethod = models.VerificationNFC
		updated, err := reg.Register(ctx, spec)
		require.NoError(t, err)
		require.NotNil(t, updated.NextScanDue)
		assert.Equal(t, last.Add(12*time.Hour), *updated.NextScanDue)

		policy, err := reg.GetPolicy(ctx, "cp-lobby")
		require.NoError(t, err)
		assert.Equal(t, models.VerificationNFC, policy.Method)
	})
}

func TestPolicyAccepts(t *testing.T) {
	p := &Policy{Method: models.VerificationNFC}
	assert.True(t, p.Accepts(models.VerificationNFC))
	assert.False(t, p.Accepts(models.VerificationQRCode))

	p.AllowOther = true
	assert.True(t, p.Accepts(models.VerificationQRCode))

	assert.True(t, (&Policy{Method: models.VerificationOther}).Accepts(models.VerificationManual))
}

package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/database"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

// Location is a checkpoint's registered position.
type Location struct {
	PropertyID string   `json:"property_id"`
	Latitude   float64  `json:"latitude"`
	Longitude  float64  `json:"longitude"`
	IndoorX    *float64 `json:"indoor_x,omitempty"`
	IndoorY    *float64 `json:"indoor_y,omitempty"`
}

// Policy is the verification policy for one checkpoint.
type Policy struct {
	CheckpointID     string                    `json:"checkpoint_id"`
	Method           models.VerificationMethod `json:"method"`
	AllowOther       bool                      `json:"allow_other"`
	VerificationCode string                    `json:"-"`
	RequiredActions  []string                  `json:"required_actions"`
	OptionalActions  []string                  `json:"optional_actions"`
	FrequencyHours   float64                   `json:"frequency_hours"`
	Location         Location                  `json:"location"`
}

// Accepts reports whether a scan made with method satisfies the policy.
func (p *Policy) Accepts(method models.VerificationMethod) bool {
	return method == p.Method || p.AllowOther || p.Method == models.VerificationOther
}

// Registry serves checkpoint policies and owns checkpoint registration.
type Registry struct {
	repo   database.Repository
	cache  *cache.Cache
	logger *zap.Logger
}

func New(repo database.Repository, cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	return &Registry{
		repo:   repo,
		cache:  cache.New(cfg.CacheTTL, cfg.CleanupInterval),
		logger: logger.Named("registry"),
	}
}

// GetPolicy returns the policy for checkpointID, or apperr.ErrNotFound when
// the checkpoint is unknown or removed.
func (r *Registry) GetPolicy(ctx context.Context, checkpointID string) (*Policy, error) {
	key := utils.BuildCacheKey("policy", checkpointID)
	if cached, ok := r.cache.Get(key); ok {
		return cached.(*Policy), nil
	}

	checkpoint, err := r.repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if checkpoint.Status == models.CheckpointRemoved {
		return nil, apperr.NotFound("get policy", "checkpoint", checkpointID)
	}

	policy, err := policyFrom(checkpoint)
	if err != nil {
		r.logger.Error("Corrupt checkpoint policy", zap.String("checkpoint_id", checkpointID), zap.Error(err))
		return nil, err
	}

	r.cache.Set(key, policy, cache.DefaultExpiration)
	return policy, nil
}

func policyFrom(c *models.Checkpoint) (*Policy, error) {
	if !c.VerificationMethod.Valid() {
		return nil, apperr.Validation("get policy", fmt.Sprintf("checkpoint %s has unknown verification method %q", c.ID, c.VerificationMethod))
	}
	if c.ScanFrequencyHours < 0 {
		return nil, apperr.Validation("get policy", fmt.Sprintf("checkpoint %s has negative scan frequency", c.ID))
	}
	return &Policy{
		CheckpointID:     c.ID,
		Method:           c.VerificationMethod,
		AllowOther:       c.AllowOtherMethod,
		VerificationCode: c.VerificationCode,
		RequiredActions:  append([]string(nil), c.RequiredActions...),
		OptionalActions:  append([]string(nil), c.OptionalActions...),
		FrequencyHours:   c.ScanFrequencyHours,
		Location: Location{
			PropertyID: c.PropertyID,
			Latitude:   c.Latitude,
			Longitude:  c.Longitude,
			IndoorX:    c.IndoorX,
			IndoorY:    c.IndoorY,
		},
	}, nil
}

// Invalidate drops the cached policy for checkpointID.
func (r *Registry) Invalidate(checkpointID string) {
	r.cache.Delete(utils.BuildCacheKey("policy", checkpointID))
}

// CheckpointSpec is the administrative definition of a checkpoint.
type CheckpointSpec struct {
	ID                 string                    `json:"id"`
	PropertyID         string                    `json:"property_id"`
	Name               string                    `json:"name"`
	Latitude           float64                   `json:"latitude"`
	Longitude          float64                   `json:"longitude"`
	IndoorX            *float64                  `json:"indoor_x,omitempty"`
	IndoorY            *float64                  `json:"indoor_y,omitempty"`
	VerificationMethod models.VerificationMethod `json:"verification_method"`
	AllowOtherMethod   bool                      `json:"allow_other_method"`
	VerificationCode   string                    `json:"verification_code"`
	ScanFrequencyHours float64                   `json:"scan_frequency_hours"`
	RequiredActions    []string                  `json:"required_actions"`
	OptionalActions    []string                  `json:"optional_actions"`
}

func (s CheckpointSpec) validate() error {
	var reasons []string
	if strings.TrimSpace(s.ID) == "" {
		reasons = append(reasons, "id is required")
	}
	if strings.TrimSpace(s.PropertyID) == "" {
		reasons = append(reasons, "property_id is required")
	}
	if !s.VerificationMethod.Valid() {
		reasons = append(reasons, fmt.Sprintf("verification_method %q is not supported", s.VerificationMethod))
	}
	if s.ScanFrequencyHours < 0 {
		reasons = append(reasons, "scan_frequency_hours must be >= 0")
	}
	if s.Latitude < -90 || s.Latitude > 90 || s.Longitude < -180 || s.Longitude > 180 {
		reasons = append(reasons, "coordinates out of range")
	}
	if len(reasons) > 0 {
		return apperr.Validation("register checkpoint", reasons...)
	}
	return nil
}

// Register creates or updates a checkpoint definition. Scan-derived fields
// of an existing checkpoint are preserved; next_scan_due follows the new frequency.
func (r *Registry) Register(ctx context.Context, spec CheckpointSpec) (*models.Checkpoint, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	defer r.Invalidate(spec.ID)

	existing, err := r.repo.GetCheckpoint(ctx, spec.ID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	if existing == nil {
		checkpoint := &models.Checkpoint{ComplianceStatus: models.CompliancePending}
		applySpec(checkpoint, spec)
		checkpoint.Status = models.CheckpointActive
		if err := r.repo.CreateCheckpoint(ctx, checkpoint); err != nil {
			return nil, err
		}
		r.logger.Info("Checkpoint registered", zap.String("checkpoint_id", checkpoint.ID), zap.String("property_id", checkpoint.PropertyID))
		return checkpoint, nil
	}

	applySpec(existing, spec)
	existing.Status = models.CheckpointActive
	existing.NextScanDue = compliance.NextDue(existing.LastScanned, existing.ScanFrequencyHours)
	if err := r.repo.UpdateCheckpoint(ctx, existing); err != nil {
		return nil, err
	}
	r.logger.Info("Checkpoint updated", zap.String("checkpoint_id", existing.ID))
	return existing, nil
}

// Remove soft-deletes a checkpoint; its scans stay as evidence.
func (r *Registry) Remove(ctx context.Context, checkpointID string) error {
	defer r.Invalidate(checkpointID)

	checkpoint, err := r.repo.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return err
	}
	if checkpoint.Status == models.CheckpointRemoved {
		return nil
	}
	checkpoint.Status = models.CheckpointRemoved
	if err := r.repo.UpdateCheckpoint(ctx, checkpoint); err != nil {
		return err
	}
	r.logger.Info("Checkpoint removed", zap.String("checkpoint_id", checkpointID))
	return nil
}

func applySpec(c *models.Checkpoint, spec CheckpointSpec) {
	c.ID = spec.ID
	c.PropertyID = spec.PropertyID
	c.Name = spec.Name
	c.Latitude = spec.Latitude
	c.Longitude = spec.Longitude
	c.IndoorX = spec.IndoorX
	c.IndoorY = spec.IndoorY
	c.VerificationMethod = spec.VerificationMethod
	c.AllowOtherMethod = spec.AllowOtherMethod
	c.VerificationCode = spec.VerificationCode
	c.ScanFrequencyHours = spec.ScanFrequencyHours
	c.RequiredActions = utils.RemoveDuplicates(spec.RequiredActions)
	c.OptionalActions = utils.RemoveDuplicates(spec.OptionalActions)
}

package verifier

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/aegisshield/patrol/services/patrol-engine/internal/apperr"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/compliance"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/config"
	"github.com/aegisshield/patrol/services/patrol-engine/internal/registry"
	"github.com/aegisshield/patrol/shared/models"
	"github.com/aegisshield/patrol/shared/utils"
)

// Submission is one raw scan as reported by a guard device.
type Submission struct {
	PatrolID            string                    `json:"patrol_id" validate:"required"`
	CheckpointID        string                    `json:"checkpoint_id" validate:"required"`
	GuardID             string                    `json:"guard_id" validate:"required"`
	ScanTime            time.Time                 `json:"scan_time" validate:"required"`
	Method              models.VerificationMethod `json:"method" validate:"required"`
	RawVerificationData string                    `json:"raw_verification_data"`
	Latitude            *float64                  `json:"latitude,omitempty" validate:"omitempty,gte=-90,lte=90"`
	Longitude           *float64                  `json:"longitude,omitempty" validate:"omitempty,gte=-180,lte=180"`
	AccuracyMeters      *float64                  `json:"accuracy_meters,omitempty" validate:"omitempty,gte=0"`
	ActionsCompleted    []string                  `json:"actions_completed"`
	// SequenceNumber pins the route position; zero means the checkpoint's first position.
	SequenceNumber     int             `json:"sequence_number,omitempty" validate:"gte=0"`
	IssueReported      bool            `json:"issue_reported"`
	IssueSeverity      models.Severity `json:"issue_severity,omitempty"`
	IssueDescription   string          `json:"issue_description,omitempty" validate:"max=4000"`
	ReportedIncidentID string          `json:"reported_incident_id,omitempty"`
}

// PolicySource resolves checkpoint policies.
type PolicySource interface {
	GetPolicy(ctx context.Context, checkpointID string) (*registry.Policy, error)
}

// Verifier validates scans against checkpoint policy and patrol schedule.
type Verifier struct {
	policies PolicySource
	cfg      config.VerificationConfig
	validate *validator.Validate
	clock    utils.Clock
	logger   *zap.Logger
}

func New(policies PolicySource, cfg config.VerificationConfig, clock utils.Clock, logger *zap.Logger) *Verifier {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Verifier{
		policies: policies,
		cfg:      cfg,
		validate: validate,
		clock:    clock,
		logger:   logger.Named("verifier"),
	}
}

// Validate rejects malformed submissions. It also fills defaults.
func (v *Verifier) Validate(sub *Submission) error {
	var reasons []string

	if err := v.validate.Struct(sub); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return apperr.Validation("submit scan", err.Error())
		}
		for _, fe := range fieldErrs {
			reasons = append(reasons, describe(fe))
		}
	}

	if sub.Method != "" && !sub.Method.Valid() {
		reasons = append(reasons, fmt.Sprintf("method %q is not supported", sub.Method))
	}
	if (sub.Latitude == nil) != (sub.Longitude == nil) {
		reasons = append(reasons, "latitude and longitude must be given together")
	}
	if sub.Method == models.VerificationGPS && sub.Latitude == nil {
		reasons = append(reasons, "gps verification requires coordinates")
	}
	if !sub.ScanTime.IsZero() && v.cfg.MaxClockSkew > 0 && sub.ScanTime.After(v.clock.Now().Add(v.cfg.MaxClockSkew)) {
		reasons = append(reasons, "scan_time is in the future")
	}
	if sub.IssueReported {
		if sub.IssueSeverity == "" {
			sub.IssueSeverity = models.SeverityMedium
		}
		if !sub.IssueSeverity.Valid() {
			reasons = append(reasons, fmt.Sprintf("issue_severity %q is not supported", sub.IssueSeverity))
		}
	}

	if len(reasons) > 0 {
		return apperr.Validation("submit scan", reasons...)
	}
	sub.ScanTime = sub.ScanTime.UTC()
	sub.ActionsCompleted = utils.RemoveDuplicates(sub.ActionsCompleted)
	return nil
}

func describe(fe validator.FieldError) string {
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "gte", "lte":
		return fmt.Sprintf("%s is out of range", field)
	case "max":
		return fmt.Sprintf("%s is too long", field)
	default:
		return fmt.Sprintf("%s failed %s", field, fe.Tag())
	}
}

// ResolveSequence maps the submission to a route position. It returns 0 when
// the checkpoint does not belong to the patrol's route at that position.
func ResolveSequence(patrol *models.Patrol, sub *Submission) int {
	if sub.SequenceNumber > 0 {
		if sub.SequenceNumber <= len(patrol.Route) && patrol.Route[sub.SequenceNumber-1].CheckpointID == sub.CheckpointID {
			return sub.SequenceNumber
		}
		return 0
	}
	return patrol.StopIndex(sub.CheckpointID)
}

// Verify runs the verification sequence for a validated submission against
// its patrol. A scan failing a policy check is returned with status failed;
// an error means the scan must not be recorded at all.
func (v *Verifier) Verify(ctx context.Context, sub *Submission, patrol *models.Patrol) (*models.CheckpointScan, error) {
	if patrol.Status != models.PatrolInProgress {
		return nil, apperr.InvalidState("submit scan", "patrol %s is %s, not in_progress", patrol.ID, patrol.Status)
	}

	scan := &models.CheckpointScan{
		ID:                 utils.GenerateID(),
		PatrolID:           patrol.ID,
		CheckpointID:       sub.CheckpointID,
		PropertyID:         patrol.PropertyID,
		GuardID:            sub.GuardID,
		ScanTime:           sub.ScanTime,
		VerificationMethod: sub.Method,
		Latitude:           sub.Latitude,
		Longitude:          sub.Longitude,
		AccuracyMeters:     sub.AccuracyMeters,
		CompletedActions:   sub.ActionsCompleted,
		ActionCompliance:   100,
		IssueReported:      sub.IssueReported,
		IssueSeverity:      sub.IssueSeverity,
		IssueDescription:   sub.IssueDescription,
		ReportedIncidentID: sub.ReportedIncidentID,
	}

	// Route membership
	scan.SequenceNumber = ResolveSequence(patrol, sub)
	if scan.SequenceNumber == 0 {
		return fail(scan, fmt.Sprintf("checkpoint %s is not on the route of patrol %s", sub.CheckpointID, patrol.ID)), nil
	}

	policy, err := v.policies.GetPolicy(ctx, sub.CheckpointID)
	if err != nil {
		v.logger.Warn("Scan aborted, checkpoint policy unavailable",
			zap.String("patrol_id", patrol.ID), zap.String("checkpoint_id", sub.CheckpointID), zap.Error(err))
		return nil, err
	}

	// Method
	if !policy.Accepts(sub.Method) {
		return fail(scan, fmt.Sprintf("method %s does not match checkpoint method %s", sub.Method, policy.Method)), nil
	}
	if reason := v.checkPayload(policy, sub); reason != "" {
		return fail(scan, reason), nil
	}

	// Location (advisory unless the method itself is gps)
	if sub.Latitude != nil && sub.Longitude != nil {
		distance := utils.RoundToDecimals(utils.DistanceMeters(*sub.Latitude, *sub.Longitude, policy.Location.Latitude, policy.Location.Longitude), 2)
		scan.LocationDeviationMeters = &distance
		scan.GPSVerified = distance <= v.cfg.GPSToleranceMeters
		if sub.Method == models.VerificationGPS && !scan.GPSVerified {
			return fail(scan, fmt.Sprintf("gps position is %.1fm from checkpoint, tolerance is %.1fm", distance, v.cfg.GPSToleranceMeters)), nil
		}
	}

	// Timing (advisory)
	scheduled := patrol.ScheduledAt.Add(time.Duration(patrol.Route[scan.SequenceNumber-1].OffsetMinutes) * time.Minute)
	scan.TimeDeviationMinutes = utils.RoundToDecimals(utils.AbsMinutes(sub.ScanTime, scheduled), 2)
	scan.OnTime = compliance.WithinWindow(sub.ScanTime, scheduled, v.cfg.OnTimeWindow)

	// Actions (advisory)
	scan.ActionCompliance, scan.SkippedActions = actionCompliance(policy.RequiredActions, sub.ActionsCompleted)

	scan.VerificationSuccessful = true
	scan.Status = models.ScanCompleted
	return scan, nil
}

// checkPayload compares the scanned payload with the checkpoint identity.
// JSON payloads may carry checkpoint_id and code; anything else is treated as the code itself.
func (v *Verifier) checkPayload(policy *registry.Policy, sub *Submission) string {
	raw := strings.TrimSpace(sub.RawVerificationData)
	if raw == "" {
		if v.cfg.RequireVerification && policy.VerificationCode != "" && sub.Method != models.VerificationManual && sub.Method != models.VerificationGPS {
			return "verification data is required"
		}
		return ""
	}

	code := raw
	if payload := gjson.Parse(raw); gjson.Valid(raw) && payload.IsObject() {
		if id := payload.Get("checkpoint_id"); id.Exists() && id.String() != policy.CheckpointID {
			return fmt.Sprintf("scanned tag belongs to checkpoint %s", id.String())
		}
		code = payload.Get("code").String()
	}

	if policy.VerificationCode != "" && code != "" && code != policy.VerificationCode {
		return "verification code does not match checkpoint"
	}
	if policy.VerificationCode != "" && code == "" && v.cfg.RequireVerification {
		return "verification code is missing"
	}
	return ""
}

func actionCompliance(required, completed []string) (int, []string) {
	if len(required) == 0 {
		return 100, nil
	}
	var skipped []string
	done := 0
	for _, action := range required {
		if utils.Contains(completed, action) {
			done++
		} else {
			skipped = append(skipped, action)
		}
	}
	return utils.Percent(done, len(required)), skipped
}

func fail(scan *models.CheckpointScan, reason string) *models.CheckpointScan {
	scan.Status = models.ScanFailed
	scan.VerificationSuccessful = false
	scan.FailureReasons = append(scan.FailureReasons, reason)
	return scan
}

package optimize

import (
	"fmt"

	"maestro/internal/config"
	"maestro/internal/logging"
	"maestro/internal/store"
	"maestro/internal/types"
)

// Deployer walks prompt versions through draft, shadow, canary and
// production, rolling back when a stage's numbers do not hold up.
type Deployer struct {
	store *store.Store
	cfg   *config.DeploymentConfig
}

// NewDeployer builds a deployer.
func NewDeployer(s *store.Store, cfg *config.ProjectConfig) *Deployer {
	return &Deployer{store: s, cfg: &cfg.AutoImprovement.Deployment}
}

// StageResult reports the outcome of a lifecycle check.
type StageResult struct {
	VersionID         string  `json:"version_id"`
	From              string  `json:"from"`
	To                string  `json:"to"`
	Advanced          bool    `json:"advanced"`
	RollbackPerformed bool    `json:"rollback_performed"`
	SampleCount       int     `json:"sample_count"`
	AverageScore      float64 `json:"average_score"`
	BaselineScore     float64 `json:"baseline_score"`
	Reason            string  `json:"reason,omitempty"`
}

// StartShadowTesting moves a draft into shadow testing.
func (d *Deployer) StartShadowTesting(versionID string) error {
	v, err := d.store.Prompts.FindByID(versionID)
	if err != nil {
		return err
	}
	if v.Status != types.VersionDraft {
		return fmt.Errorf("cannot shadow-test version %s in status %s", versionID, v.Status)
	}
	if err := d.store.Prompts.UpdateStatus(versionID, types.VersionShadow, nil); err != nil {
		return err
	}
	logging.Get(logging.CategoryOptimize).Info("version %s entered shadow testing", versionID)
	return nil
}

// baselineFor returns the score the candidate must not regress from: the
// current production version's observed average, or the baseline captured
// when the candidate was created.
func (d *Deployer) baselineFor(v *types.PromptVersion) float64 {
	if prod, err := d.store.Prompts.Production(v.Agent, v.TemplateName); err == nil {
		if stats, err := d.store.Evaluations.StatsForVersion(prod.VersionID); err == nil && stats.Count > 0 {
			return stats.AverageScore
		}
	}
	return v.Metrics["baseline_score"]
}

// CheckShadow evaluates a shadow version against its gate: enough samples,
// average at or above the minimum, and no regression past the rollback
// threshold. Pass advances to canary; a completed-but-failed gate rolls
// back to draft.
func (d *Deployer) CheckShadow(versionID string) (*StageResult, error) {
	return d.checkStage(versionID, types.VersionShadow, types.VersionCanary, d.cfg.ShadowTestCount)
}

// CheckCanary evaluates a canary version. Pass promotes to production and
// retires the previous production version; fail rolls back to draft.
func (d *Deployer) CheckCanary(versionID string) (*StageResult, error) {
	return d.checkStage(versionID, types.VersionCanary, types.VersionProduction, d.cfg.CanaryTestCount)
}

func (d *Deployer) checkStage(versionID string, from, to types.VersionStatus, requiredSamples int) (*StageResult, error) {
	v, err := d.store.Prompts.FindByID(versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != from {
		return nil, fmt.Errorf("version %s is %s, expected %s", versionID, v.Status, from)
	}

	stats, err := d.store.Evaluations.StatsForVersion(versionID)
	if err != nil {
		return nil, err
	}
	baseline := d.baselineFor(v)
	result := &StageResult{
		VersionID:     versionID,
		From:          string(from),
		SampleCount:   stats.Count,
		AverageScore:  stats.AverageScore,
		BaselineScore: baseline,
	}

	if stats.Count < requiredSamples {
		result.To = string(from)
		result.Reason = fmt.Sprintf("waiting for samples: %d of %d", stats.Count, requiredSamples)
		return result, nil
	}

	if stats.AverageScore < d.cfg.MinimumScore {
		return d.rollback(v, result, fmt.Sprintf(
			"average %.2f below minimum score %g", stats.AverageScore, d.cfg.MinimumScore))
	}
	if stats.AverageScore-baseline < d.cfg.RollbackThreshold {
		return d.rollback(v, result, fmt.Sprintf(
			"change %.2f vs baseline breaches rollback threshold %g",
			stats.AverageScore-baseline, d.cfg.RollbackThreshold))
	}

	metrics := map[string]float64{
		string(from) + "_avg":     stats.AverageScore,
		string(from) + "_samples": float64(stats.Count),
	}
	if to == types.VersionProduction {
		if err := d.store.Prompts.Promote(versionID, metrics); err != nil {
			return nil, err
		}
	} else {
		if err := d.store.Prompts.UpdateStatus(versionID, to, metrics); err != nil {
			return nil, err
		}
	}

	result.To = string(to)
	result.Advanced = true
	logging.Get(logging.CategoryOptimize).Info("version %s advanced %s -> %s (avg %.2f, n=%d)",
		versionID, from, to, stats.AverageScore, stats.Count)
	return result, nil
}

func (d *Deployer) rollback(v *types.PromptVersion, result *StageResult, reason string) (*StageResult, error) {
	metrics := map[string]float64{"rollback_performed": 1}
	if err := d.store.Prompts.UpdateStatus(v.VersionID, types.VersionDraft, metrics); err != nil {
		return nil, err
	}
	result.To = string(types.VersionDraft)
	result.RollbackPerformed = true
	result.Reason = reason
	logging.Get(logging.CategoryOptimize).Warn("version %s rolled back to draft: %s", v.VersionID, reason)
	return result, nil
}

// Rollback manually returns a shadow or canary version to draft. Production
// versions cannot be rolled back; they are displaced by promoting another.
func (d *Deployer) Rollback(versionID string) (*StageResult, error) {
	v, err := d.store.Prompts.FindByID(versionID)
	if err != nil {
		return nil, err
	}
	switch v.Status {
	case types.VersionShadow, types.VersionCanary:
		result := &StageResult{VersionID: versionID, From: string(v.Status)}
		return d.rollback(v, result, "manual rollback")
	case types.VersionProduction:
		return nil, fmt.Errorf("production version %s cannot be rolled back; promote a replacement instead", versionID)
	default:
		return nil, fmt.Errorf("version %s in status %s has nothing to roll back", versionID, v.Status)
	}
}

// ForcePromote promotes a version to production bypassing every gate. The
// bypass is recorded in the version metrics.
func (d *Deployer) ForcePromote(versionID string) error {
	if err := d.store.Prompts.Promote(versionID, map[string]float64{"force_promoted": 1}); err != nil {
		return err
	}
	logging.Get(logging.CategoryOptimize).Warn("version %s force-promoted to production", versionID)
	return nil
}

// MonitorProduction checks a production version for regression against the
// average it was promoted with. On regression past the rollback threshold
// it re-promotes the parent version when one exists.
func (d *Deployer) MonitorProduction(versionID string) (*StageResult, error) {
	v, err := d.store.Prompts.FindByID(versionID)
	if err != nil {
		return nil, err
	}
	if v.Status != types.VersionProduction {
		return nil, fmt.Errorf("version %s is not in production", versionID)
	}

	stats, err := d.store.Evaluations.StatsForVersion(versionID)
	if err != nil {
		return nil, err
	}
	baseline := v.Metrics["canary_avg"]
	if baseline == 0 {
		baseline = v.Metrics["baseline_score"]
	}
	result := &StageResult{
		VersionID:     versionID,
		From:          string(types.VersionProduction),
		To:            string(types.VersionProduction),
		SampleCount:   stats.Count,
		AverageScore:  stats.AverageScore,
		BaselineScore: baseline,
	}
	if stats.Count == 0 || stats.AverageScore-baseline >= d.cfg.RollbackThreshold {
		return result, nil
	}

	if v.ParentVersion == "" {
		result.Reason = "regression detected but no parent version to restore"
		logging.Get(logging.CategoryOptimize).Warn("production version %s regressed with no parent", versionID)
		return result, nil
	}

	if err := d.store.Prompts.Promote(v.ParentVersion, map[string]float64{"restored_after_regression": 1}); err != nil {
		return nil, err
	}
	if err := d.store.Prompts.UpdateStatus(versionID, types.VersionDraft, map[string]float64{"rollback_performed": 1}); err != nil {
		return nil, err
	}
	result.To = string(types.VersionDraft)
	result.RollbackPerformed = true
	result.Reason = fmt.Sprintf("regressed %.2f vs %.2f; restored parent %s",
		stats.AverageScore, baseline, v.ParentVersion)
	logging.Get(logging.CategoryOptimize).Warn("production version %s rolled back: %s", versionID, result.Reason)
	return result, nil
}

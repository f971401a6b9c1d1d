package config

import (
	"hash/fnv"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeatureFlags manages feature toggles with gradual rollout. Rollout buckets
// are keyed by a subject ID, normally the enrollment.
type FeatureFlags struct {
	mu sync.RWMutex

	features map[string]*Feature

	// subject -> feature -> enabled
	overrides map[string]map[string]bool
}

// Feature represents a single feature flag.
type Feature struct {
	Name        string
	Description string
	Enabled     bool

	// RolloutPercent (0-100). Subjects are bucketed by a hash of their ID.
	RolloutPercent int

	EnabledFrom  *time.Time
	EnabledUntil *time.Time
}

// FeatureContext provides context for feature flag evaluation.
type FeatureContext struct {
	SubjectID string
	IsAdmin   bool
}

// Predefined feature flag names.
const (
	// Tutor replies generated by the model behind POST .../tutor.
	FeatureTutorGeneration = "tutor.generation"

	// Server-sent progress snapshots on GET .../stream.
	FeatureProgressStream = "progress.stream"

	// Certificate requests on course completion.
	FeatureCertificateIssuance = "certificates.issuance"

	// Domain events fanned out to other instances over redis.
	FeatureRedisEventFanout = "events.redis_fanout"
)

// LoadFeatureFlags loads feature flags from environment variables.
// FEATURE_TUTOR_GENERATION=false disables a feature, =25 rolls it out to a
// quarter of enrollments.
func LoadFeatureFlags() *FeatureFlags {
	ff := NewFeatureFlags()
	ff.loadFromEnvironment()
	return ff
}

// NewFeatureFlags returns the defaults without reading the environment.
func NewFeatureFlags() *FeatureFlags {
	ff := &FeatureFlags{
		features:  make(map[string]*Feature),
		overrides: make(map[string]map[string]bool),
	}
	ff.initializeDefaults()
	return ff
}

func (ff *FeatureFlags) initializeDefaults() {
	ff.features[FeatureTutorGeneration] = &Feature{
		Name:           FeatureTutorGeneration,
		Description:    "Generate tutor replies with the language model",
		Enabled:        true,
		RolloutPercent: 100,
	}
	ff.features[FeatureProgressStream] = &Feature{
		Name:           FeatureProgressStream,
		Description:    "Stream enrollment progress over server-sent events",
		Enabled:        true,
		RolloutPercent: 100,
	}
	ff.features[FeatureCertificateIssuance] = &Feature{
		Name:           FeatureCertificateIssuance,
		Description:    "Request a certificate when a course is completed",
		Enabled:        true,
		RolloutPercent: 100,
	}
	ff.features[FeatureRedisEventFanout] = &Feature{
		Name:           FeatureRedisEventFanout,
		Description:    "Fan domain events out to other instances over redis",
		Enabled:        false,
		RolloutPercent: 0,
	}
}

func (ff *FeatureFlags) loadFromEnvironment() {
	for name, feature := range ff.features {
		val := os.Getenv(featureNameToEnvKey(name))
		if val == "" {
			continue
		}
		if b, err := strconv.ParseBool(val); err == nil {
			feature.Enabled = b
			if b {
				feature.RolloutPercent = 100
			} else {
				feature.RolloutPercent = 0
			}
			continue
		}
		if p, err := strconv.Atoi(val); err == nil && p >= 0 && p <= 100 {
			feature.Enabled = p > 0
			feature.RolloutPercent = p
		}
	}
}

// featureNameToEnvKey converts a feature name to its environment key.
// "tutor.generation" -> "FEATURE_TUTOR_GENERATION"
func featureNameToEnvKey(name string) string {
	key := strings.ToUpper(name)
	key = strings.ReplaceAll(key, ".", "_")
	return "FEATURE_" + key
}

// IsEnabled checks if a feature is enabled for the given context.
func (ff *FeatureFlags) IsEnabled(featureName string, ctx *FeatureContext) bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	return ff.isEnabledLocked(featureName, ctx)
}

func (ff *FeatureFlags) isEnabledLocked(featureName string, ctx *FeatureContext) bool {
	if ctx != nil && ctx.SubjectID != "" {
		if o, ok := ff.overrides[ctx.SubjectID]; ok {
			if enabled, ok := o[featureName]; ok {
				return enabled
			}
		}
	}

	feature, ok := ff.features[featureName]
	if !ok {
		return false
	}
	if ctx != nil && ctx.IsAdmin {
		return true
	}
	if !feature.Enabled {
		return false
	}

	now := time.Now()
	if feature.EnabledFrom != nil && now.Before(*feature.EnabledFrom) {
		return false
	}
	if feature.EnabledUntil != nil && now.After(*feature.EnabledUntil) {
		return false
	}

	if feature.RolloutPercent < 100 && ctx != nil && ctx.SubjectID != "" {
		return inRollout(ctx.SubjectID, featureName, feature.RolloutPercent)
	}
	return feature.RolloutPercent > 0
}

// Enabled is IsEnabled for a single subject. An empty subjectID evaluates the
// global switch.
func (ff *FeatureFlags) Enabled(featureName, subjectID string) bool {
	return ff.IsEnabled(featureName, &FeatureContext{SubjectID: subjectID})
}

// inRollout keeps a subject in the same bucket across restarts.
func inRollout(subjectID, featureName string, percent int) bool {
	h := fnv.New32a()
	h.Write([]byte(featureName))
	h.Write([]byte(subjectID))
	return int(h.Sum32()%100) < percent
}

// SetOverride forces a feature on or off for one subject.
func (ff *FeatureFlags) SetOverride(subjectID, featureName string, enabled bool) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	if _, ok := ff.overrides[subjectID]; !ok {
		ff.overrides[subjectID] = make(map[string]bool)
	}
	ff.overrides[subjectID][featureName] = enabled
}

// ClearOverrides removes all overrides for a subject.
func (ff *FeatureFlags) ClearOverrides(subjectID string) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	delete(ff.overrides, subjectID)
}

// SetRolloutPercent updates the rollout percentage for a feature.
func (ff *FeatureFlags) SetRolloutPercent(featureName string, percent int) error {
	ff.mu.Lock()
	defer ff.mu.Unlock()

	feature, ok := ff.features[featureName]
	if !ok {
		return ErrFeatureNotFound
	}
	if percent < 0 || percent > 100 {
		return ErrInvalidRolloutPercent
	}
	feature.RolloutPercent = percent
	feature.Enabled = percent > 0
	return nil
}

// EnableFeature enables a feature at 100% rollout.
func (ff *FeatureFlags) EnableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 100)
}

// DisableFeature disables a feature completely.
func (ff *FeatureFlags) DisableFeature(featureName string) error {
	return ff.SetRolloutPercent(featureName, 0)
}

// Names returns the known feature names, sorted.
func (ff *FeatureFlags) Names() []string {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	names := make([]string, 0, len(ff.features))
	for name := range ff.features {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Snapshot reports the global state of every feature.
func (ff *FeatureFlags) Snapshot() map[string]bool {
	ff.mu.RLock()
	defer ff.mu.RUnlock()
	out := make(map[string]bool, len(ff.features))
	for name := range ff.features {
		out[name] = ff.isEnabledLocked(name, nil)
	}
	return out
}

var (
	ErrFeatureNotFound       = &FeatureFlagError{Message: "feature not found"}
	ErrInvalidRolloutPercent = &FeatureFlagError{Message: "rollout percent must be 0-100"}
)

// FeatureFlagError represents a feature flag error.
type FeatureFlagError struct {
	Message string
}

func (e *FeatureFlagError) Error() string {
	return e.Message
}

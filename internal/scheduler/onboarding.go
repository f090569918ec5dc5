package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-rooms/internal/persistence"
)

// OnboardingAnchorKey stores when contact onboarding was first observed.
const OnboardingAnchorKey = "contact_onboarding_started_at"

type onboardingStep struct {
	marker string
	name   string
	prompt string
	offset time.Duration
}

var onboardingSteps = []onboardingStep{
	{
		marker: "[onboarding:check-in]",
		name:   "Onboarding check-in",
		prompt: "Check in with the keeper: summarise what the rooms have done so far and ask whether the goals still fit.",
		offset: time.Hour,
	},
	{
		marker: "[onboarding:follow-up]",
		name:   "Onboarding follow-up",
		prompt: "Follow up with the keeper after the first day: report progress, blockers and anything that needs a decision.",
		offset: 24 * time.Hour,
	},
}

// EnsureContactOnboarding creates the onboarding one-shot tasks relative to
// a persisted anchor. The anchor is written once; tasks are found again by
// the marker in their prompt, so repeated calls never duplicate them.
func (s *Scheduler) EnsureContactOnboarding(ctx context.Context) error {
	raw, err := s.store.KVGet(ctx, OnboardingAnchorKey)
	if err != nil {
		return err
	}
	if raw == "" {
		raw = s.now().UTC().Format(time.RFC3339Nano)
		if err := s.store.KVSet(ctx, OnboardingAnchorKey, raw); err != nil {
			return err
		}
		s.logger.Info("contact onboarding anchored", "started_at", raw)
	}
	anchor, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		s.logger.Warn("ignoring malformed onboarding anchor", "value", raw, "error", err)
		return nil
	}

	for _, step := range onboardingSteps {
		existing, err := s.store.FindTasksByMarker(ctx, step.marker)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			continue
		}
		at := anchor.Add(step.offset)
		task, err := s.store.CreateTask(ctx, persistence.Task{
			Name:        step.name,
			Prompt:      step.marker + " " + step.prompt,
			TriggerKind: persistence.TriggerOnce,
			ScheduledAt: &at,
			MaxRuns:     1,
		})
		if err != nil {
			return fmt.Errorf("create %s: %w", step.marker, err)
		}
		s.logger.Info("onboarding task scheduled", "task_id", task.ID, "marker", step.marker, "scheduled_at", at)
	}
	return nil
}

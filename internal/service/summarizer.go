package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/oru-fhir-bridge/internal/cache"
	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/internal/llm"
	"github.com/oru-fhir-bridge/internal/ratelimit"
)

// DefaultSummaryTimeout bounds one AI summarization attempt.
const DefaultSummaryTimeout = 30 * time.Second

// SummaryOrchestrator produces the clinical summary for a report. The AI path
// is guarded by the cooldown limiter and a hard deadline; every AI failure
// except caller cancellation degrades to the deterministic rule-based summary,
// tagged as such.
type SummaryOrchestrator struct {
	generator domain.TextGenerator
	limiter   *ratelimit.CooldownLimiter
	cache     domain.SummaryCache
	timeout   time.Duration
	log       *logrus.Logger
}

// NewSummaryOrchestrator wires the orchestrator. A nil cache disables caching;
// a nil generator forces the rule-based path regardless of what callers ask
// for.
func NewSummaryOrchestrator(
	generator domain.TextGenerator,
	limiter *ratelimit.CooldownLimiter,
	summaryCache domain.SummaryCache,
	timeout time.Duration,
	logger *logrus.Logger,
) *SummaryOrchestrator {
	if timeout <= 0 {
		timeout = DefaultSummaryTimeout
	}
	return &SummaryOrchestrator{
		generator: generator,
		limiter:   limiter,
		cache:     summaryCache,
		timeout:   timeout,
		log:       logger,
	}
}

// Summarize returns the summary for the report. When useAI is false (or no
// generator is wired) the rule-based summary is returned directly. Otherwise
// the AI path runs: cache, then cooldown limiter, then one bounded generation
// attempt.
//
// Outcomes: a cache hit or successful generation yields an AI-tagged summary; a
// cooldown denial yields a *domain.RateLimitError; caller cancellation
// propagates as an error with no summary at all; any other failure yields the
// rule-based fallback.
func (o *SummaryOrchestrator) Summarize(ctx context.Context, report *domain.LabReport, useAI bool) (*domain.Summary, error) {
	if !useAI || o.generator == nil {
		return o.ruleBased(report, 0), nil
	}

	key := cache.Key(report.RawText)
	if o.cache != nil {
		if text, ok := o.cache.Get(ctx, key); ok {
			o.log.WithField("key", key[:12]).Debug("Summary cache hit")
			return &domain.Summary{Text: text, Source: domain.SummaryAI, Cached: true}, nil
		}
	}

	allowed, wait := o.limiter.TryAcquire()
	if !allowed {
		return nil, &domain.RateLimitError{RetryAfter: wait}
	}

	genCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	text, err := o.generator.Generate(genCtx, llm.BuildSummaryPrompt(report))
	elapsed := time.Since(start)

	if err != nil {
		// The caller walking away is not a degradation scenario: there is
		// nobody left to hand a fallback to.
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, err
		}

		o.log.WithError(err).WithField("duration_ms", elapsed.Milliseconds()).
			Warn("AI summarization failed, falling back to rule-based summary")
		return o.ruleBased(report, elapsed), nil
	}

	if o.cache != nil {
		o.cache.Set(ctx, key, text)
	}

	o.log.WithFields(logrus.Fields{
		"duration_ms": elapsed.Milliseconds(),
		"chars":       len(text),
	}).Info("AI summary generated")

	return &domain.Summary{Text: text, Source: domain.SummaryAI, Duration: elapsed}, nil
}

func (o *SummaryOrchestrator) ruleBased(report *domain.LabReport, elapsed time.Duration) *domain.Summary {
	return &domain.Summary{
		Text:     RuleBasedSummary(report),
		Source:   domain.SummaryRuleBased,
		Duration: elapsed,
	}
}

// RuleBasedSummary renders the deterministic summary: one sentence per flagged
// observation, or a single all-normal sentence. It never invents values and is
// always available.
func RuleBasedSummary(report *domain.LabReport) string {
	if len(report.Observations) == 0 {
		return "No observations available."
	}

	var sentences []string
	for _, obs := range report.Observations {
		switch obs.Flag.Bucket() {
		case domain.BucketHigh:
			sentences = append(sentences, flagSentence(obs, "elevated"))
		case domain.BucketLow:
			sentences = append(sentences, flagSentence(obs, "low"))
		}
	}

	if len(sentences) == 0 {
		return "All results within normal limits."
	}
	return strings.Join(sentences, " ")
}

func flagSentence(obs domain.Observation, direction string) string {
	value := obs.Value.String()
	if obs.Unit != "" {
		value += " " + obs.Unit
	}
	return fmt.Sprintf("%s is %s at %s.", obs.Label(), direction, value)
}

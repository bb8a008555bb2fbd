package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/pkg/hl7"
)

// Options selects per-request pipeline behavior.
type Options struct {
	// UseAI requests an AI summary; when false the rule-based summary is used.
	UseAI bool
	// Persist writes the processed message to the store.
	Persist bool
}

// Pipeline is the facade over the transformation stages: tokenize, build, map,
// summarize, optionally persist. It is safe for concurrent use.
type Pipeline struct {
	builder    *MessageBuilder
	mapper     *BundleMapper
	summarizer *SummaryOrchestrator
	store      domain.MessageStore
	log        *logrus.Logger
}

// NewPipeline wires the facade. The store may be nil when persistence is not
// deployed; a nil summarizer disables summaries entirely.
func NewPipeline(
	builder *MessageBuilder,
	mapper *BundleMapper,
	summarizer *SummaryOrchestrator,
	store domain.MessageStore,
	logger *logrus.Logger,
) *Pipeline {
	return &Pipeline{
		builder:    builder,
		mapper:     mapper,
		summarizer: summarizer,
		store:      store,
		log:        logger,
	}
}

// Process runs the full pipeline over one raw ORU message. Parse and build
// failures abort with their typed errors; a summarization cooldown denial does
// NOT abort: the result carries the rule-based fallback plus the retry hint.
// At most one store write happens per call.
func (p *Pipeline) Process(ctx context.Context, rawText string, opts Options) (*domain.ProcessResult, error) {
	msg, err := hl7.Parse(rawText)
	if err != nil {
		return nil, err
	}

	report, err := p.builder.Build(msg)
	if err != nil {
		return nil, err
	}
	report.RawText = rawText

	bundle := p.mapper.Map(report)
	bundleJSON, err := json.Marshal(bundle)
	if err != nil {
		return nil, fmt.Errorf("encoding bundle: %w", err)
	}

	result := &domain.ProcessResult{
		Header:       report.Header,
		Patient:      report.Patient,
		Observations: report.Observations,
		Issues:       report.Issues,
		Bundle:       bundleJSON,
	}

	if p.summarizer == nil {
		result.Summary = &domain.Summary{Source: domain.SummaryNone}
	} else {
		summary, err := p.summarizer.Summarize(ctx, report, opts.UseAI)
		var rateLimited *domain.RateLimitError
		switch {
		case errors.As(err, &rateLimited):
			result.Summary = &domain.Summary{
				Text:   RuleBasedSummary(report),
				Source: domain.SummaryRuleBased,
			}
			result.RateLimit = &domain.RateLimitInfo{RetryAfterSeconds: rateLimited.RetryAfterSeconds()}
		case err != nil:
			return nil, err
		default:
			result.Summary = summary
		}
	}

	if opts.Persist && p.store != nil {
		rec := &domain.MessageRecord{
			RawText:      rawText,
			Patient:      report.Patient,
			Summary:      result.Summary.Text,
			BundleJSON:   bundleJSON,
			Observations: report.Observations,
		}
		id, err := p.store.Save(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("persisting message: %w", err)
		}
		result.MessageID = id
	}

	p.log.WithFields(logrus.Fields{
		"control_id":     report.Header.ControlID,
		"patient":        report.Patient.DisplayName(),
		"observations":   len(report.Observations),
		"issues":         len(report.Issues),
		"summary_source": result.Summary.Source,
		"persisted":      result.MessageID != 0,
	}).Info("ORU message processed")

	return result, nil
}

// Package service holds the pipeline stages that turn tokenized HL7 into a
// FHIR bundle with an attached clinical summary: the message builder, the
// bundle mapper, the summary orchestrator and the facade that runs them in
// order.
package service

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/pkg/hl7"
)

// MessageBuilder lifts a tokenized ORU message into the structured domain
// report. It is stateless; one instance serves all requests.
type MessageBuilder struct {
	log *logrus.Logger
}

// NewMessageBuilder creates a builder.
func NewMessageBuilder(logger *logrus.Logger) *MessageBuilder {
	return &MessageBuilder{log: logger}
}

// Build walks the message segment by segment. A missing PID aborts with a
// MissingSegmentError; everything else degrades per-field. OBX segments are
// attributed to the most recently seen OBR panel, and a numeric-typed OBX whose
// value does not parse becomes an issue on the report instead of an
// observation.
func (b *MessageBuilder) Build(msg *hl7.Message) (*domain.LabReport, error) {
	pid := msg.FirstSegment("PID")
	if pid == nil {
		return nil, &domain.MissingSegmentError{Segment: "PID"}
	}

	report := &domain.LabReport{
		Header:  buildHeader(msg),
		Patient: buildPatient(pid),
	}

	var panelID string
	for i := range msg.Segments {
		seg := &msg.Segments[i]
		switch seg.Type {
		case "OBR":
			panelID = panelIdentifier(seg)
		case "OBX":
			obs, issue := buildObservation(seg, msg.Delimiters, panelID)
			if issue != nil {
				b.log.WithFields(logrus.Fields{
					"code": issue.Code,
					"raw":  issue.Raw,
				}).Warn("Dropping observation with non-numeric value")
				report.Issues = append(report.Issues, issue)
				continue
			}
			report.Observations = append(report.Observations, *obs)
		}
	}

	return report, nil
}

func buildHeader(msg *hl7.Message) domain.MessageHeader {
	msh := msg.ParseMSH()
	if msh == nil {
		return domain.MessageHeader{}
	}
	return domain.MessageHeader{
		SendingApp:        msh.SendingApp,
		SendingFacility:   msh.SendingFacility,
		ReceivingApp:      msh.ReceivingApp,
		ReceivingFacility: msh.ReceivingFacility,
		MessageDateTime:   hl7.TimestampToISO(msh.MessageDateTime),
		MessageType:       msh.MessageType,
		TriggerEvent:      msh.TriggerEvent,
		ControlID:         msh.ControlID,
		ProcessingID:      msh.ProcessingID,
		Version:           msh.Version,
	}
}

// buildPatient extracts demographics from the first PID. Absent name and sex
// fields carry the Unknown sentinel so downstream consumers never see empty
// strings for them.
func buildPatient(pid *hl7.Segment) domain.PatientRecord {
	p := domain.PatientRecord{
		ID:         pid.Component(3, 1),
		FamilyName: orUnknown(pid.Component(5, 1)),
		GivenName:  orUnknown(pid.Component(5, 2)),
		BirthDate:  hl7.DateToISO(pid.Field(7)),
		Sex:        orUnknown(pid.Field(8)),
	}
	return p
}

func orUnknown(s string) string {
	if strings.TrimSpace(s) == "" {
		return domain.Unknown
	}
	return s
}

// panelIdentifier picks the panel code from OBR-4 (universal service
// identifier), falling back to the filler order number.
func panelIdentifier(obr *hl7.Segment) string {
	if code := obr.Component(4, 1); code != "" {
		return code
	}
	return obr.Component(3, 1)
}

// buildObservation converts one OBX. The value variant is decided by the OBX-2
// value type alone: NM must parse as a decimal, anything else is carried as
// text verbatim.
func buildObservation(obx *hl7.Segment, d hl7.Delimiters, panelID string) (*domain.Observation, *domain.ValueError) {
	code := obx.Component(3, 1)
	display := obx.Component(3, 2)
	rawValue := obx.Field(5)

	var value domain.Value
	if strings.EqualFold(obx.Field(2), "NM") {
		num, err := strconv.ParseFloat(strings.TrimSpace(rawValue), 64)
		if err != nil {
			return nil, &domain.ValueError{Code: code, Raw: rawValue}
		}
		value = domain.NumericValue(num)
	} else {
		value = domain.TextValue(rawValue)
	}

	obs := &domain.Observation{
		Code:          code,
		Display:       display,
		Value:         value,
		Unit:          obx.RawField(6, d),
		Flag:          domain.ParseAbnormalFlag(obx.Field(8)),
		Status:        obx.Field(11),
		EffectiveTime: hl7.TimestampToISO(obx.Field(14)),
		PanelID:       panelID,
	}
	obs.ReferenceLow, obs.ReferenceHigh = splitReferenceRange(obx.Field(7))
	return obs, nil
}

// splitReferenceRange parses the OBX-7 "low-high" form. One-sided ranges like
// ">=60" or "<5" and freetext stay on the side they bound, or are dropped when
// no bound can be told apart.
func splitReferenceRange(raw string) (low, high *string) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, nil
	}

	if idx := strings.Index(s, "-"); idx > 0 {
		lo := strings.TrimSpace(s[:idx])
		hi := strings.TrimSpace(s[idx+1:])
		if lo != "" {
			low = &lo
		}
		if hi != "" {
			high = &hi
		}
		return low, high
	}

	switch {
	case strings.HasPrefix(s, ">"):
		v := strings.TrimSpace(strings.TrimLeft(s, ">="))
		if v != "" {
			low = &v
		}
	case strings.HasPrefix(s, "<"):
		v := strings.TrimSpace(strings.TrimLeft(s, "<="))
		if v != "" {
			high = &v
		}
	}
	return low, high
}

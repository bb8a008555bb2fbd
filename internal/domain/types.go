// Package domain contains the core clinical entities shared across the ORU
// pipeline: the structured lab report extracted from HL7 segments, observation
// values and abnormal-flag semantics, and the summary produced for it.
package domain

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Unknown is the explicit sentinel recorded for patient fields that are absent
// from the message. An incomplete message is still processable; only a missing
// PID segment is a hard error.
const Unknown = "unknown"

// MessageHeader carries MSH metadata used for routing, logging and ACKs.
type MessageHeader struct {
	SendingApp        string `json:"sending_app"`
	SendingFacility   string `json:"sending_facility"`
	ReceivingApp      string `json:"receiving_app"`
	ReceivingFacility string `json:"receiving_facility"`
	MessageDateTime   string `json:"message_datetime"`
	MessageType       string `json:"message_type"`
	TriggerEvent      string `json:"trigger_event"`
	ControlID         string `json:"control_id"`
	ProcessingID      string `json:"processing_id"`
	Version           string `json:"version"`
}

// PatientRecord is the demographic extract of the PID segment. Missing name
// and sex fields carry the Unknown sentinel; BirthDate is empty when absent.
type PatientRecord struct {
	ID         string `json:"id"`
	FamilyName string `json:"family_name"`
	GivenName  string `json:"given_name"`
	BirthDate  string `json:"birth_date"`
	Sex        string `json:"sex"`
}

// DisplayName renders "GIVEN FAMILY" for logging and summaries, skipping
// Unknown sentinels.
func (p PatientRecord) DisplayName() string {
	var parts []string
	if p.GivenName != "" && p.GivenName != Unknown {
		parts = append(parts, p.GivenName)
	}
	if p.FamilyName != "" && p.FamilyName != Unknown {
		parts = append(parts, p.FamilyName)
	}
	if len(parts) == 0 {
		return Unknown
	}
	return strings.Join(parts, " ")
}

// ValueKind discriminates the tagged observation value variant. The kind comes
// from the OBX-2 value-type indicator, never from sniffing the value text.
type ValueKind string

const (
	ValueNumeric ValueKind = "numeric"
	ValueText    ValueKind = "text"
)

// Value is the tagged variant {Numeric(decimal) | Text(string)} an observation
// carries.
type Value struct {
	Kind   ValueKind
	Number float64
	Text   string
}

// NumericValue builds a numeric-typed value.
func NumericValue(f float64) Value {
	return Value{Kind: ValueNumeric, Number: f}
}

// TextValue builds a text-typed value.
func TextValue(s string) Value {
	return Value{Kind: ValueText, Text: s}
}

// String renders the value for display; numeric values drop trailing zeros so
// 105 does not become "105.000000".
func (v Value) String() string {
	if v.Kind == ValueNumeric {
		return strconv.FormatFloat(v.Number, 'f', -1, 64)
	}
	return v.Text
}

// MarshalJSON emits numerics as JSON numbers and text as JSON strings,
// matching the wire shape consumers expect.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.Kind == ValueNumeric {
		return json.Marshal(v.Number)
	}
	return json.Marshal(v.Text)
}

// UnmarshalJSON restores the tagged variant from its wire shape.
func (v *Value) UnmarshalJSON(data []byte) error {
	var num float64
	if err := json.Unmarshal(data, &num); err == nil {
		*v = NumericValue(num)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = TextValue(s)
	return nil
}

// AbnormalFlag is the normalized OBX-8 abnormal-flag enumeration.
type AbnormalFlag string

const (
	FlagNone         AbnormalFlag = ""
	FlagNormal       AbnormalFlag = "N"
	FlagHigh         AbnormalFlag = "H"
	FlagLow          AbnormalFlag = "L"
	FlagCriticalHigh AbnormalFlag = "HH"
	FlagCriticalLow  AbnormalFlag = "LL"
)

// ParseAbnormalFlag normalizes a raw OBX-8 code. Matching is substring-based
// on the H/L marker characters, case-insensitive, so vendor variants like
// "h", ">H<" or "CRIT-H" still land in the right bucket.
func ParseAbnormalFlag(raw string) AbnormalFlag {
	up := strings.ToUpper(strings.TrimSpace(raw))
	switch up {
	case "":
		return FlagNone
	case "N":
		return FlagNormal
	case "HH":
		return FlagCriticalHigh
	case "LL":
		return FlagCriticalLow
	case "H":
		return FlagHigh
	case "L":
		return FlagLow
	}
	switch {
	case strings.Contains(up, "H"):
		return FlagHigh
	case strings.Contains(up, "L"):
		return FlagLow
	}
	return FlagNormal
}

// FlagBucket is the three-way classification used for display and for
// triggering sentences in the rule-based summary.
type FlagBucket string

const (
	BucketNormal FlagBucket = "normal"
	BucketHigh   FlagBucket = "high"
	BucketLow    FlagBucket = "low"
)

// Bucket folds the five-code enumeration into the three display buckets.
func (f AbnormalFlag) Bucket() FlagBucket {
	switch f {
	case FlagHigh, FlagCriticalHigh:
		return BucketHigh
	case FlagLow, FlagCriticalLow:
		return BucketLow
	default:
		return BucketNormal
	}
}

// Flagged reports whether the flag marks the result as outside its range.
func (f AbnormalFlag) Flagged() bool {
	return f.Bucket() != BucketNormal
}

// Observation is one OBX result, typed and normalized.
type Observation struct {
	Code          string       `json:"code"`
	Display       string       `json:"display"`
	Value         Value        `json:"value"`
	Unit          string       `json:"unit"`
	ReferenceLow  *string      `json:"reference_low"`
	ReferenceHigh *string      `json:"reference_high"`
	Flag          AbnormalFlag `json:"flag"`
	Status        string       `json:"status"`
	EffectiveTime string       `json:"observation_datetime"`
	PanelID       string       `json:"panel_id,omitempty"`
}

// Label returns the best human-readable name for the observation.
func (o Observation) Label() string {
	if o.Display != "" {
		return o.Display
	}
	return o.Code
}

// LabReport is the structured in-memory representation of one ORU message.
// It is created per request and discarded once the response is built.
type LabReport struct {
	Header       MessageHeader `json:"header"`
	Patient      PatientRecord `json:"patient"`
	Observations []Observation `json:"observations"`
	Issues       []*ValueError `json:"issues,omitempty"`
	RawText      string        `json:"-"`
}

// SummarySource tags the provenance of a clinical summary.
type SummarySource string

const (
	SummaryAI        SummarySource = "ai"
	SummaryRuleBased SummarySource = "rule-based"
	SummaryNone      SummarySource = "none"
)

// Summary is the clinical summary attached to a pipeline result, with its
// provenance and generation wall-clock time. AI text is advisory, never
// authoritative; the provenance tag is what makes that visible to callers.
type Summary struct {
	Text     string        `json:"text"`
	Source   SummarySource `json:"source"`
	Duration time.Duration `json:"duration_ms"`
	Cached   bool          `json:"cached,omitempty"`
}

// RateLimitInfo is the distinct "try again later" outcome of an AI request
// that hit the cooldown. It is not an error.
type RateLimitInfo struct {
	RetryAfterSeconds int `json:"retry_after_seconds"`
}

// ProcessResult is what the pipeline facade hands back to its caller.
type ProcessResult struct {
	Header       MessageHeader   `json:"header"`
	Patient      PatientRecord   `json:"patient"`
	Observations []Observation   `json:"observations"`
	Issues       []*ValueError   `json:"issues,omitempty"`
	Bundle       json.RawMessage `json:"fhir_bundle"`
	Summary      *Summary        `json:"summary"`
	RateLimit    *RateLimitInfo  `json:"rate_limit,omitempty"`
	MessageID    int64           `json:"message_id,omitempty"`
}

// MessageRecord is the persisted form of one processed message.
type MessageRecord struct {
	ID           int64         `json:"id"`
	ReceivedAt   time.Time     `json:"received_at"`
	RawText      string        `json:"raw_hl7"`
	Patient      PatientRecord `json:"patient"`
	Summary      string        `json:"clinical_summary"`
	BundleJSON   []byte        `json:"-"`
	Observations []Observation `json:"observations,omitempty"`
}

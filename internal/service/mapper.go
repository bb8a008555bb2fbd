package service

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oru-fhir-bridge/internal/domain"
	"github.com/oru-fhir-bridge/pkg/fhir"
)

// BundleMapper projects a lab report onto a FHIR R4 collection bundle. The
// mapping is pure and total: every report maps to exactly one bundle, with one
// Patient entry followed by one Observation entry per retained observation, in
// message order.
type BundleMapper struct{}

// NewBundleMapper creates a mapper.
func NewBundleMapper() *BundleMapper {
	return &BundleMapper{}
}

// Map builds the bundle. An anonymous patient gets a freshly minted UUID as its
// resource id so the subject reference stays resolvable within the bundle.
func (m *BundleMapper) Map(report *domain.LabReport) *fhir.Bundle {
	patientID := report.Patient.ID
	if patientID == "" {
		patientID = uuid.New().String()
	}

	bundle := &fhir.Bundle{
		ResourceType: "Bundle",
		ID:           uuid.New().String(),
		Type:         "collection",
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}

	bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
		FullURL:  "urn:uuid:" + uuid.New().String(),
		Resource: m.mapPatient(report.Patient, patientID),
	})

	subject := fhir.Reference{Reference: "Patient/" + patientID}
	for _, obs := range report.Observations {
		bundle.Entry = append(bundle.Entry, fhir.BundleEntry{
			FullURL:  "urn:uuid:" + uuid.New().String(),
			Resource: m.mapObservation(obs, subject),
		})
	}

	return bundle
}

func (m *BundleMapper) mapPatient(p domain.PatientRecord, id string) *fhir.Patient {
	patient := &fhir.Patient{
		ResourceType: "Patient",
		ID:           id,
		BirthDate:    p.BirthDate,
		Gender:       mapGender(p.Sex),
	}

	name := fhir.HumanName{}
	if p.FamilyName != "" && p.FamilyName != domain.Unknown {
		name.Family = p.FamilyName
	}
	if p.GivenName != "" && p.GivenName != domain.Unknown {
		name.Given = []string{p.GivenName}
	}
	if name.Family != "" || len(name.Given) > 0 {
		patient.Name = []fhir.HumanName{name}
	}

	return patient
}

func (m *BundleMapper) mapObservation(obs domain.Observation, subject fhir.Reference) *fhir.Observation {
	out := &fhir.Observation{
		ResourceType: "Observation",
		ID:           uuid.New().String(),
		Status:       mapStatus(obs.Status),
		Code: fhir.CodeableConcept{
			Coding: []fhir.Coding{{
				System:  fhir.SystemLOINC,
				Code:    obs.Code,
				Display: obs.Display,
			}},
			Text: obs.Label(),
		},
		Subject:           subject,
		EffectiveDateTime: obs.EffectiveTime,
	}

	if obs.Value.Kind == domain.ValueNumeric {
		out.ValueQuantity = &fhir.Quantity{Value: obs.Value.Number, Unit: obs.Unit}
	} else {
		v := obs.Value.Text
		out.ValueString = &v
	}

	if rr := mapReferenceRange(obs); rr != nil {
		out.ReferenceRange = []fhir.ReferenceRange{*rr}
	}

	if interp := mapInterpretation(obs.Flag); interp != nil {
		out.Interpretation = []fhir.CodeableConcept{*interp}
	}

	return out
}

// mapStatus folds HL7 result status codes into FHIR observation status.
func mapStatus(code string) string {
	switch code {
	case "F":
		return "final"
	case "P":
		return "preliminary"
	case "C":
		return "corrected"
	default:
		return "unknown"
	}
}

func mapGender(sex string) string {
	switch sex {
	case "M":
		return "male"
	case "F":
		return "female"
	case "O":
		return "other"
	case "U":
		return "unknown"
	default:
		return ""
	}
}

// mapReferenceRange carries the bounds over when they are numeric; a freetext
// bound cannot become a Quantity and is dropped from that side.
func mapReferenceRange(obs domain.Observation) *fhir.ReferenceRange {
	rr := &fhir.ReferenceRange{}
	if obs.ReferenceLow != nil {
		if v, err := strconv.ParseFloat(*obs.ReferenceLow, 64); err == nil {
			rr.Low = &fhir.Quantity{Value: v, Unit: obs.Unit}
		}
	}
	if obs.ReferenceHigh != nil {
		if v, err := strconv.ParseFloat(*obs.ReferenceHigh, 64); err == nil {
			rr.High = &fhir.Quantity{Value: v, Unit: obs.Unit}
		}
	}
	if rr.Low == nil && rr.High == nil {
		return nil
	}
	return rr
}

func mapInterpretation(flag domain.AbnormalFlag) *fhir.CodeableConcept {
	if flag == domain.FlagNone {
		return nil
	}

	display := map[domain.AbnormalFlag]string{
		domain.FlagNormal:       "Normal",
		domain.FlagHigh:         "High",
		domain.FlagLow:          "Low",
		domain.FlagCriticalHigh: "Critical high",
		domain.FlagCriticalLow:  "Critical low",
	}[flag]

	return &fhir.CodeableConcept{
		Coding: []fhir.Coding{{
			System:  fhir.SystemInterpretation,
			Code:    string(flag),
			Display: display,
		}},
		Text: display,
	}
}

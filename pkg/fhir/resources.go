// Package fhir defines the subset of FHIR R4 resource shapes the bridge
// produces: a collection Bundle holding one Patient and N Observations. The
// structs marshal to the standard JSON wire format; no other serialization is
// supported.
package fhir

// Coding systems used by produced resources.
const (
	SystemLOINC          = "http://loinc.org"
	SystemInterpretation = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
)

// Coding is one code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeableConcept is a coded value with optional plain-text rendering.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Quantity is a measured amount.
type Quantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// Reference is a relative literal reference to another resource.
type Reference struct {
	Reference string `json:"reference"`
}

// HumanName is a name block on a Patient.
type HumanName struct {
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
}

// Patient is the subject resource of a bundle.
type Patient struct {
	ResourceType string      `json:"resourceType"`
	ID           string      `json:"id"`
	Name         []HumanName `json:"name,omitempty"`
	BirthDate    string      `json:"birthDate,omitempty"`
	Gender       string      `json:"gender,omitempty"`
}

// ReferenceRange bounds an observation value; either side may be absent.
type ReferenceRange struct {
	Low  *Quantity `json:"low,omitempty"`
	High *Quantity `json:"high,omitempty"`
}

// Observation is one reported result. Exactly one of ValueQuantity or
// ValueString is set, mirroring the tagged value variant upstream.
type Observation struct {
	ResourceType      string            `json:"resourceType"`
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Code              CodeableConcept   `json:"code"`
	Subject           Reference         `json:"subject"`
	ValueQuantity     *Quantity         `json:"valueQuantity,omitempty"`
	ValueString       *string           `json:"valueString,omitempty"`
	EffectiveDateTime string            `json:"effectiveDateTime,omitempty"`
	ReferenceRange    []ReferenceRange  `json:"referenceRange,omitempty"`
	Interpretation    []CodeableConcept `json:"interpretation,omitempty"`
}

// BundleEntry wraps one resource with its fullUrl.
type BundleEntry struct {
	FullURL  string `json:"fullUrl"`
	Resource any    `json:"resource"`
}

// Bundle is a type=collection container holding one Patient followed by its
// Observations, in message order.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Timestamp    string        `json:"timestamp,omitempty"`
	Entry        []BundleEntry `json:"entry"`
}

// PatientResource returns the bundle's Patient entry, or nil.
func (b *Bundle) PatientResource() *Patient {
	for _, e := range b.Entry {
		if p, ok := e.Resource.(*Patient); ok {
			return p
		}
	}
	return nil
}

// ObservationResources returns the bundle's Observation entries in order.
func (b *Bundle) ObservationResources() []*Observation {
	var out []*Observation
	for _, e := range b.Entry {
		if o, ok := e.Resource.(*Observation); ok {
			out = append(out, o)
		}
	}
	return out
}

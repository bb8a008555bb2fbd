package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oru-fhir-bridge/internal/domain"
)

const summaryInstructions = `You are given a parsed laboratory result report:
a patient object and a list of structured observations from HL7 OBX segments.

Write a short clinical summary in plain prose. Rules:
- Use ONLY the values present in the input. Do NOT invent lab values, vital
  signs, diagnoses, or reference ranges.
- Mention every observation whose abnormal flag marks it high or low, naming
  the test, its value with unit, and the direction of the abnormality.
- If all observations are within normal limits, say so in one sentence.
- If there are no observations, state that no observations were reported.
- Output the summary text only, no preamble, no markdown.`

// BuildSummaryPrompt embeds the parsed patient and observations as JSON under
// strict grounding instructions. The model receives already-structured data,
// never the raw HL7.
func BuildSummaryPrompt(report *domain.LabReport) string {
	patientJSON, _ := json.Marshal(report.Patient)
	obsJSON, _ := json.Marshal(report.Observations)

	var b strings.Builder
	b.WriteString(summaryInstructions)
	b.WriteString("\n\nPATIENT_JSON:\n")
	b.Write(patientJSON)
	b.WriteString("\n\nOBSERVATIONS_JSON:\n")
	b.Write(obsJSON)
	if report.Header.MessageDateTime != "" {
		fmt.Fprintf(&b, "\n\nMESSAGE_DATETIME: %s", report.Header.MessageDateTime)
	}
	b.WriteString("\n\nNow write the clinical summary.")
	return b.String()
}

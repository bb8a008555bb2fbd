// Package hl7 implements a tokenizer for HL7 v2.x messages in ER7 (pipe-delimited)
// encoding. It splits raw message text into segments, fields, repetitions,
// components and subcomponents, resolving the standard escape sequences along
// the way. The delimiter set is read from the MSH segment itself unless an
// override is supplied.
//
// The tokenizer is deliberately forgiving about segment types it does not know:
// unknown segments are preserved verbatim so callers can decide what to do with
// them. Only a malformed MSH header is a hard error.
package hl7

import (
	"fmt"
	"strings"
)

// Delimiters holds the five separator characters of an ER7-encoded message.
// MSH-1 carries the field separator and MSH-2 the remaining four, in the order
// component, repetition, escape, subcomponent.
type Delimiters struct {
	Field        byte
	Component    byte
	Repetition   byte
	Escape       byte
	Subcomponent byte
}

// DefaultDelimiters returns the conventional "|^~\&" delimiter set.
func DefaultDelimiters() Delimiters {
	return Delimiters{
		Field:        '|',
		Component:    '^',
		Repetition:   '~',
		Escape:       '\\',
		Subcomponent: '&',
	}
}

// EncodingCharacters renders the MSH-2 value for this delimiter set.
func (d Delimiters) EncodingCharacters() string {
	return string([]byte{d.Component, d.Repetition, d.Escape, d.Subcomponent})
}

// FormatError reports an unparseable message. It aborts the whole message;
// nothing is emitted once it is returned.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed HL7 message: %s", e.Reason)
}

// Component is an ordered list of subcomponent values, already unescaped.
type Component []string

// Repetition is one repetition of a field, split into components.
type Repetition []Component

// Field is an ordered list of repetitions.
type Field []Repetition

// Segment is one record of the message, identified by its 3-character type
// code. Fields are ordered as they appear on the wire; Fields[0] is the first
// field after the type code, so Field(1) addresses it. For MSH this means
// Field(1) is the encoding characters, matching the usual off-by-one of HL7
// segment numbering (MSH-1 being the field separator itself).
type Segment struct {
	Type   string
	Fields []Field
}

// Field returns the flattened value of the i-th field (1-based): first
// repetition, first component, first subcomponent. Missing fields yield "".
func (s *Segment) Field(i int) string {
	return s.Component(i, 1)
}

// Component returns the j-th component (1-based) of the i-th field's first
// repetition. Missing positions yield "".
func (s *Segment) Component(i, j int) string {
	rep := s.firstRepetition(i)
	if rep == nil || j < 1 || j > len(rep) {
		return ""
	}
	comp := rep[j-1]
	if len(comp) == 0 {
		return ""
	}
	return comp[0]
}

// Repetitions returns all repetitions of the i-th field (1-based), or nil.
func (s *Segment) Repetitions(i int) []Repetition {
	if i < 1 || i > len(s.Fields) {
		return nil
	}
	return s.Fields[i-1]
}

// RawField reassembles the i-th field as it would appear on the wire, with the
// original component separators restored. Useful for values like "10^3/uL"
// units where the caret is data, not structure.
func (s *Segment) RawField(i int, d Delimiters) string {
	reps := s.Repetitions(i)
	if reps == nil {
		return ""
	}
	repStrs := make([]string, 0, len(reps))
	for _, rep := range reps {
		compStrs := make([]string, 0, len(rep))
		for _, comp := range rep {
			compStrs = append(compStrs, strings.Join(comp, string(d.Subcomponent)))
		}
		repStrs = append(repStrs, strings.Join(compStrs, string(d.Component)))
	}
	return strings.Join(repStrs, string(d.Repetition))
}

func (s *Segment) firstRepetition(i int) Repetition {
	reps := s.Repetitions(i)
	if len(reps) == 0 {
		return nil
	}
	return reps[0]
}

// Message is a tokenized HL7 message: the delimiter set in effect plus the
// ordered segment list. Order is load-bearing: MSH comes first and OBX
// segments belong to the most recently seen OBR.
type Message struct {
	Delimiters Delimiters
	Segments   []Segment
}

// SegmentsOfType returns all segments with the given type code, in order.
func (m *Message) SegmentsOfType(code string) []*Segment {
	var out []*Segment
	for i := range m.Segments {
		if m.Segments[i].Type == code {
			out = append(out, &m.Segments[i])
		}
	}
	return out
}

// FirstSegment returns the first segment with the given type code, or nil.
func (m *Message) FirstSegment(code string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Type == code {
			return &m.Segments[i]
		}
	}
	return nil
}

// Parse tokenizes raw ER7 text. The delimiter set is self-described by the MSH
// header: the field separator sits at offset 3 and the four encoding
// characters at offsets 4-7. A message whose first segment is not a
// well-formed MSH fails with a FormatError before any segment is emitted.
func Parse(raw string) (*Message, error) {
	lines := splitSegmentLines(raw)
	if len(lines) == 0 {
		return nil, &FormatError{Reason: "empty message"}
	}

	head := lines[0]
	if !strings.HasPrefix(head, "MSH") {
		return nil, &FormatError{Reason: "first segment is not MSH"}
	}
	if len(head) < 8 {
		return nil, &FormatError{Reason: "MSH segment too short to carry delimiters"}
	}

	d := Delimiters{
		Field:        head[3],
		Component:    head[4],
		Repetition:   head[5],
		Escape:       head[6],
		Subcomponent: head[7],
	}
	if err := d.validate(); err != nil {
		return nil, err
	}

	return parseWith(lines, d)
}

// ParseWithDelimiters tokenizes raw text using an explicit delimiter set
// instead of reading it from the header. The MSH-first rule still applies.
func ParseWithDelimiters(raw string, d Delimiters) (*Message, error) {
	lines := splitSegmentLines(raw)
	if len(lines) == 0 {
		return nil, &FormatError{Reason: "empty message"}
	}
	if !strings.HasPrefix(lines[0], "MSH") {
		return nil, &FormatError{Reason: "first segment is not MSH"}
	}
	if err := d.validate(); err != nil {
		return nil, err
	}
	return parseWith(lines, d)
}

func (d Delimiters) validate() error {
	seen := map[byte]bool{}
	for _, c := range []byte{d.Field, d.Component, d.Repetition, d.Escape, d.Subcomponent} {
		if c == 0 || c == '\r' || c == '\n' {
			return &FormatError{Reason: "delimiter set contains a control character"}
		}
		if seen[c] {
			return &FormatError{Reason: "delimiter set contains duplicate characters"}
		}
		seen[c] = true
	}
	return nil
}

// splitSegmentLines normalizes segment terminators. HL7 mandates \r but files
// in the wild use \n and \r\n interchangeably; empty lines are dropped.
func splitSegmentLines(raw string) []string {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	var lines []string
	for _, ln := range strings.Split(normalized, "\n") {
		if strings.TrimSpace(ln) == "" {
			continue
		}
		lines = append(lines, ln)
	}
	return lines
}

func parseWith(lines []string, d Delimiters) (*Message, error) {
	msg := &Message{Delimiters: d}
	for _, ln := range lines {
		msg.Segments = append(msg.Segments, tokenizeSegment(ln, d))
	}
	return msg, nil
}

func tokenizeSegment(line string, d Delimiters) Segment {
	if len(line) < 4 || line[3] != d.Field {
		// Opaque short segment: keep the raw line as the type code so nothing
		// is silently lost.
		return Segment{Type: line}
	}

	seg := Segment{Type: line[:3]}
	rest := line[4:]
	parts := strings.Split(rest, string(d.Field))

	if seg.Type == "MSH" {
		// MSH-2 is the encoding characters themselves; splitting it on the
		// component/repetition separators would shred it.
		seg.Fields = append(seg.Fields, Field{Repetition{Component{parts[0]}}})
		parts = parts[1:]
	}

	for _, part := range parts {
		seg.Fields = append(seg.Fields, tokenizeField(part, d))
	}
	return seg
}

func tokenizeField(raw string, d Delimiters) Field {
	var field Field
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		var repetition Repetition
		for _, comp := range strings.Split(rep, string(d.Component)) {
			var component Component
			for _, sub := range strings.Split(comp, string(d.Subcomponent)) {
				component = append(component, Unescape(sub, d))
			}
			repetition = append(repetition, component)
		}
		field = append(field, repetition)
	}
	return field
}

// Unescape resolves the standard HL7 escape sequences into their final values:
// \F\ \S\ \R\ \T\ for literal delimiters, \E\ for the escape character itself,
// \.br\ for a line break, and \Xdd..\ for hex-escaped bytes. Sequences the
// tokenizer does not recognize are passed through untouched.
func Unescape(s string, d Delimiters) string {
	esc := d.Escape
	if strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != esc {
			b.WriteByte(s[i])
			i++
			continue
		}
		end := strings.IndexByte(s[i+1:], esc)
		if end < 0 {
			// Dangling escape character, keep as-is.
			b.WriteString(s[i:])
			break
		}
		seq := s[i+1 : i+1+end]
		b.WriteString(resolveEscape(seq, s[i:i+end+2], d))
		i += end + 2
	}
	return b.String()
}

func resolveEscape(seq, literal string, d Delimiters) string {
	switch seq {
	case "F":
		return string(d.Field)
	case "S":
		return string(d.Component)
	case "R":
		return string(d.Repetition)
	case "T":
		return string(d.Subcomponent)
	case "E":
		return string(d.Escape)
	case ".br":
		return "\n"
	}
	if len(seq) > 1 && seq[0] == 'X' {
		if decoded, ok := decodeHex(seq[1:]); ok {
			return decoded
		}
	}
	return literal
}

func decodeHex(s string) (string, bool) {
	if len(s) == 0 || len(s)%2 != 0 {
		return "", false
	}
	out := make([]byte, 0, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, ok1 := hexVal(s[i])
		lo, ok2 := hexVal(s[i+1])
		if !ok1 || !ok2 {
			return "", false
		}
		out = append(out, hi<<4|lo)
	}
	return string(out), true
}

func hexVal(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

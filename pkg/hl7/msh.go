package hl7

import (
	"strings"
	"time"
)

// MSH carries the message-header metadata used for routing, logging and ACK
// generation.
type MSH struct {
	FieldSeparator    string
	EncodingChars     string
	SendingApp        string
	SendingFacility   string
	ReceivingApp      string
	ReceivingFacility string
	MessageDateTime   string
	MessageType       string
	TriggerEvent      string
	ControlID         string
	ProcessingID      string
	Version           string
}

// ParseMSH extracts header metadata from a tokenized message. Returns nil when
// the message has no MSH segment, which Parse already guarantees against.
func (m *Message) ParseMSH() *MSH {
	seg := m.FirstSegment("MSH")
	if seg == nil {
		return nil
	}

	// Field numbering here follows the tokenizer's convention: Field(1) is the
	// encoding characters (MSH-2 in the standard's numbering).
	msh := &MSH{
		FieldSeparator:    string(m.Delimiters.Field),
		EncodingChars:     seg.Field(1),
		SendingApp:        seg.Field(2),
		SendingFacility:   seg.Field(3),
		ReceivingApp:      seg.Field(4),
		ReceivingFacility: seg.Field(5),
		MessageDateTime:   seg.Field(6),
		MessageType:       seg.Component(8, 1),
		TriggerEvent:      seg.Component(8, 2),
		ControlID:         seg.Field(9),
		ProcessingID:      seg.Field(10),
		Version:           seg.Field(11),
	}
	return msh
}

// AckCode is an MSA-1 acknowledgment code.
type AckCode string

const (
	AckAccept AckCode = "AA"
	AckError  AckCode = "AE"
	AckReject AckCode = "AR"
)

// BuildAck constructs a basic HL7 ACK for the given header: sender and
// receiver swapped, control id and version echoed. The optional text lands in
// MSA-3.
func BuildAck(original *MSH, code AckCode, text string) string {
	fs := original.FieldSeparator
	if fs == "" {
		fs = "|"
	}
	enc := original.EncodingChars
	if enc == "" {
		enc = DefaultDelimiters().EncodingCharacters()
	}
	processing := original.ProcessingID
	if processing == "" {
		processing = "P"
	}
	version := original.Version
	if version == "" {
		version = "2.5.1"
	}

	mshFields := []string{
		"MSH",
		enc,
		original.ReceivingApp,
		original.ReceivingFacility,
		original.SendingApp,
		original.SendingFacility,
		time.Now().UTC().Format("20060102150405"),
		"",
		"ACK",
		original.ControlID,
		processing,
		version,
	}

	msaFields := []string{"MSA", string(code), original.ControlID}
	if text != "" {
		msaFields = append(msaFields, text)
	}

	return strings.Join(mshFields, fs) + "\r" + strings.Join(msaFields, fs) + "\r"
}

// TimestampToISO converts a basic HL7 TS value (YYYYMMDD[HHMMSS[...]]) into an
// ISO 8601 string. Values that do not look like a TS are returned unchanged so
// partial or freetext dates survive the trip.
func TimestampToISO(ts string) string {
	s := strings.TrimSpace(ts)
	if len(s) >= 14 && allDigits(s[:14]) {
		base := s[0:4] + "-" + s[4:6] + "-" + s[6:8] + "T" + s[8:10] + ":" + s[10:12] + ":" + s[12:14]
		if rest := s[14:]; strings.HasPrefix(rest, ".") {
			return base + rest
		}
		return base
	}
	if len(s) >= 8 && allDigits(s[:8]) {
		return s[0:4] + "-" + s[4:6] + "-" + s[6:8]
	}
	return s
}

// DateToISO converts a TS value into a bare calendar date (YYYY-MM-DD),
// dropping any time component. Returns "" when no date can be extracted.
func DateToISO(ts string) string {
	s := strings.TrimSpace(ts)
	if len(s) < 8 || !allDigits(s[:8]) {
		return ""
	}
	return s[0:4] + "-" + s[4:6] + "-" + s[6:8]
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

package hl7v2

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmpty is returned when a payload holds no segment text at all.
	ErrEmpty = errors.New("hl7v2: message is empty")

	// ErrUndecodable is returned when no segment of the payload contains the
	// field separator, so no segment/field structure can be recovered.
	ErrUndecodable = errors.New("hl7v2: no segment structure recognizable")
)

// Delimiters are the three separator levels used to split a segment line.
// Segments themselves are always separated by CR and/or LF.
type Delimiters struct {
	Field      byte
	Component  byte
	Repetition byte
}

// DefaultDelimiters are the HL7v2 defaults (|, ^, ~).
var DefaultDelimiters = Delimiters{Field: '|', Component: '^', Repetition: '~'}

// Message is a decoded device message: an ordered list of segments plus the
// header values found in MSH, when the device sends one.
type Message struct {
	Delimiters Delimiters
	Type       string    // MSH-9
	ControlID  string    // MSH-10
	Version    string    // MSH-12
	Timestamp  time.Time // MSH-7
	SendingApp string    // MSH-3
	SendingFac string    // MSH-4
	Segments   []Segment
}

// Segment is a single line of a message. Name is the type tag (first field).
type Segment struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// Field holds the verbatim field text plus its component and repetition split.
type Field struct {
	Value      string     `json:"value"`
	Components []string   `json:"components,omitempty"`
	Repeats    [][]string `json:"repeats,omitempty"`
}

// Decode splits raw into segments and fields. When the first segment is MSH
// the delimiters declared in MSH-1/MSH-2 replace d; otherwise d is used.
// Unknown segment tags are kept. Decoding does not interpret any segment
// beyond the MSH header.
func Decode(raw []byte, d Delimiters) (*Message, error) {
	lines := splitSegments(string(raw))
	if len(lines) == 0 {
		return nil, ErrEmpty
	}

	if isHeader(lines[0]) {
		d = headerDelimiters(lines[0], d)
	}

	structured := false
	for _, line := range lines {
		if strings.IndexByte(line, d.Field) > 0 {
			structured = true
			break
		}
	}
	if !structured {
		return nil, ErrUndecodable
	}

	msg := &Message{Delimiters: d, Segments: make([]Segment, 0, len(lines))}
	for _, line := range lines {
		msg.Segments = append(msg.Segments, decodeSegment(line, d))
	}
	msg.extractHeader()

	return msg, nil
}

// Parse decodes a message that must start with an MSH header.
func Parse(raw []byte) (*Message, error) {
	lines := splitSegments(string(raw))
	if len(lines) == 0 {
		return nil, ErrEmpty
	}
	if !isHeader(lines[0]) {
		return nil, fmt.Errorf("hl7v2: message must start with MSH segment, got %q", truncate(lines[0], 8))
	}
	return Decode(raw, DefaultDelimiters)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// splitSegments normalizes CRLF/LF to CR and drops blank lines.
func splitSegments(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\r")
	text = strings.ReplaceAll(text, "\n", "\r")

	var out []string
	for _, line := range strings.Split(text, "\r") {
		line = strings.Trim(line, " \t\x0b\x1c")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

func isHeader(line string) bool {
	return len(line) >= 4 && strings.HasPrefix(line, "MSH")
}

// headerDelimiters reads MSH-1 (field separator) and MSH-2 (encoding
// characters). Missing encoding characters keep the fallback values.
func headerDelimiters(line string, fallback Delimiters) Delimiters {
	d := fallback
	d.Field = line[3]

	enc := line[4:]
	if i := strings.IndexByte(enc, d.Field); i >= 0 {
		enc = enc[:i]
	}
	if len(enc) >= 1 {
		d.Component = enc[0]
	}
	if len(enc) >= 2 {
		d.Repetition = enc[1]
	}
	return d
}

func decodeSegment(line string, d Delimiters) Segment {
	sep := string(d.Field)

	// MSH-1 is the field separator itself and MSH-2 must not be split into
	// components, so MSH gets its own layout: Fields[0]=MSH-1, Fields[1]=MSH-2.
	if isHeader(line) {
		seg := Segment{Name: "MSH"}
		seg.Fields = append(seg.Fields, Field{Value: sep, Components: []string{sep}})

		parts := strings.Split(line[4:], sep)
		for i, part := range parts {
			if i == 0 {
				seg.Fields = append(seg.Fields, Field{Value: part, Components: []string{part}})
				continue
			}
			seg.Fields = append(seg.Fields, decodeField(part, d))
		}
		return seg
	}

	parts := strings.SplitN(line, sep, 2)
	seg := Segment{Name: strings.TrimSpace(parts[0])}
	if len(parts) > 1 {
		for _, f := range strings.Split(parts[1], sep) {
			seg.Fields = append(seg.Fields, decodeField(f, d))
		}
	}
	return seg
}

func decodeField(raw string, d Delimiters) Field {
	f := Field{Value: raw}
	for _, rep := range strings.Split(raw, string(d.Repetition)) {
		f.Repeats = append(f.Repeats, strings.Split(rep, string(d.Component)))
	}
	f.Components = f.Repeats[0]
	return f
}

func (m *Message) extractHeader() {
	msh := m.GetSegment("MSH")
	if msh == nil {
		return
	}
	m.SendingApp = msh.GetComponent(3, 1)
	m.SendingFac = msh.GetComponent(4, 1)
	if ts, err := ParseTimestamp(msh.GetField(7)); err == nil {
		m.Timestamp = ts
	}
	m.Type = msh.GetField(9)
	m.ControlID = msh.GetField(10)
	m.Version = msh.GetField(12)
}

// ParseTimestamp parses an HL7 timestamp (YYYYMMDD[HHmm[ss]]). Trailing
// fractions and zone offsets are ignored.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) >= 14:
		return time.Parse("20060102150405", s[:14])
	case len(s) >= 12:
		return time.Parse("200601021504", s[:12])
	case len(s) >= 8:
		return time.Parse("20060102", s[:8])
	default:
		return time.Time{}, fmt.Errorf("hl7v2: unrecognized timestamp format: %q", s)
	}
}

// GetSegment returns the first segment with the given name, or nil.
func (m *Message) GetSegment(name string) *Segment {
	for i := range m.Segments {
		if m.Segments[i].Name == name {
			return &m.Segments[i]
		}
	}
	return nil
}

// GetSegments returns all segments with the given name in message order.
func (m *Message) GetSegments(name string) []Segment {
	var result []Segment
	for _, seg := range m.Segments {
		if seg.Name == name {
			result = append(result, seg)
		}
	}
	return result
}

// Field returns the 1-based field, or nil when the segment is shorter.
// For MSH, index 1 is the field separator (MSH-1).
func (s *Segment) Field(index int) *Field {
	idx := index - 1
	if idx < 0 || idx >= len(s.Fields) {
		return nil
	}
	return &s.Fields[idx]
}

// GetField returns the verbatim value of a 1-based field.
func (s *Segment) GetField(index int) string {
	if f := s.Field(index); f != nil {
		return f.Value
	}
	return ""
}

// GetComponent returns a 1-based component of a 1-based field, taken from
// the first repetition.
func (s *Segment) GetComponent(fieldIdx, compIdx int) string {
	f := s.Field(fieldIdx)
	if f == nil {
		return ""
	}
	ci := compIdx - 1
	if ci < 0 || ci >= len(f.Components) {
		return ""
	}
	return f.Components[ci]
}

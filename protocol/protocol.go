// Package protocol implements the line-oriented packet format spoken over
// TCP and websocket connections: TYPE|field|field...\n, with '|', ',', '\'
// and line breaks escaped by a backslash inside fields.
package protocol

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidPacket = errors.New("invalid packet format")
)

type Packet struct {
	Type   string
	Fields []string
}

// Parse decodes one line. A trailing newline is optional.
func Parse(line string) (*Packet, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|', -1)
	pkt := &Packet{Type: unescape(parts[0])}
	if pkt.Type == "" {
		return nil, ErrInvalidPacket
	}

	for _, p := range parts[1:] {
		pkt.Fields = append(pkt.Fields, unescape(p))
	}
	return pkt, nil
}

// Field returns field i, or "" if the packet is shorter.
func (p *Packet) Field(i int) string {
	if i < 0 || i >= len(p.Fields) {
		return ""
	}
	return p.Fields[i]
}

// ID parses field i as a positive id.
func (p *Packet) ID(i int) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(p.Field(i)), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("field %d: bad id %q", i, p.Field(i))
	}
	return id, nil
}

// IntOr parses field i as an int, falling back to def when it is missing or
// malformed.
func (p *Packet) IntOr(i, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(p.Field(i)))
	if err != nil {
		return def
	}
	return n
}

// List splits field i on unescaped commas.
func (p *Packet) List(i int) []string {
	f := p.Field(i)
	if f == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(f, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Format encodes a packet; every field is escaped.
func Format(pktType string, fields ...string) string {
	parts := make([]string, 0, len(fields)+1)
	parts = append(parts, Escape(pktType))
	for _, f := range fields {
		parts = append(parts, Escape(f))
	}
	return strings.Join(parts, "|") + "\n"
}

// FormatRecords encodes a packet carrying a list of records after the head
// fields: TYPE|head...|r1f1|r1f2,r2f1|r2f2. Record fields are escaped, the
// separating '|' and ',' are not.
func FormatRecords(pktType string, head []string, records [][]string) string {
	var b strings.Builder
	b.WriteString(Escape(pktType))
	for _, h := range head {
		b.WriteByte('|')
		b.WriteString(Escape(h))
	}

	b.WriteByte('|')
	for i, rec := range records {
		if i > 0 {
			b.WriteByte(',')
		}
		for j, f := range rec {
			if j > 0 {
				b.WriteByte('|')
			}
			b.WriteString(Escape(f))
		}
	}
	b.WriteByte('\n')
	return b.String()
}

// ParseRecords decodes a line produced by FormatRecords with headFields head
// fields.
func ParseRecords(line string, headFields int) (string, []string, [][]string, error) {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")

	parts := splitUnescaped(line, '|', headFields+2)
	if len(parts) < headFields+1 || parts[0] == "" {
		return "", nil, nil, ErrInvalidPacket
	}

	pktType := unescape(parts[0])
	head := make([]string, 0, headFields)
	for _, h := range parts[1 : headFields+1] {
		head = append(head, unescape(h))
	}

	var records [][]string
	if len(parts) == headFields+2 && parts[headFields+1] != "" {
		for _, raw := range splitUnescaped(parts[headFields+1], ',', -1) {
			var rec []string
			for _, f := range splitUnescaped(raw, '|', -1) {
				rec = append(rec, unescape(f))
			}
			records = append(records, rec)
		}
	}
	return pktType, head, records, nil
}

// splitUnescaped splits s on delimiter, skipping escaped occurrences. Escape
// sequences are kept for unescape. n < 0 means no limit.
func splitUnescaped(s string, delimiter rune, n int) []string {
	var parts []string
	var current strings.Builder
	escape := false

	for _, r := range s {
		if escape {
			current.WriteRune(r)
			escape = false
			continue
		}

		if r == '\\' {
			escape = true
			current.WriteRune(r)
			continue
		}

		if r == delimiter && (n < 0 || len(parts) < n-1) {
			parts = append(parts, current.String())
			current.Reset()
			continue
		}

		current.WriteRune(r)
	}

	parts = append(parts, current.String())
	return parts
}

func unescape(s string) string {
	var result strings.Builder
	escape := false

	for i, r := range s {
		if escape {
			switch r {
			case '|':
				result.WriteRune('|')
			case ',':
				result.WriteRune(',')
			case '\\':
				result.WriteRune('\\')
			case 'n':
				result.WriteRune('\n')
			case 'r':
				result.WriteRune('\r')
			default:
				// unknown escape, keep it verbatim
				result.WriteRune('\\')
				result.WriteRune(r)
			}
			escape = false
			continue
		}

		if r == '\\' && i < len(s)-1 {
			escape = true
			continue
		}

		result.WriteRune(r)
	}

	return result.String()
}

// Escape protects the separator characters inside a field.
func Escape(s string) string {
	var result strings.Builder

	for _, r := range s {
		switch r {
		case '|':
			result.WriteString("\\|")
		case ',':
			result.WriteString("\\,")
		case '\\':
			result.WriteString("\\\\")
		case '\n':
			result.WriteString("\\n")
		case '\r':
			result.WriteString("\\r")
		default:
			result.WriteRune(r)
		}
	}

	return result.String()
}

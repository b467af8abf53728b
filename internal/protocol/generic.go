package protocol

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/mirage/internal/prompts"
)

// parseGeneric renders raw as a hex dump and, when every byte is
// printable ASCII or \r \n \t, as text. It accepts any input, including
// nil.
func parseGeneric(raw []byte, maxLen int) Data {
	d := Data{
		Kind: Generic,
		Raw:  raw,
		Fields: map[string]string{
			FieldHexData:   HexDump(raw, maxLen),
			FieldByteCount: strconv.Itoa(len(raw)),
		},
	}
	d.Readable = d.Fields[FieldHexData]
	if len(raw) > 0 && isPrintable(raw) {
		text := truncate(string(raw), maxLen)
		d.Fields[FieldText] = text
		d.Readable = text
	}
	return d
}

// promptGeneric substitutes the generic placeholders into the template.
func promptGeneric(d Data, t Template, remote string, ts time.Time) string {
	tmpl := t.UserPrompt
	if tmpl == "" {
		tmpl = prompts.DefaultUserTemplate(string(Generic))
	}
	return substitute(tmpl, commonFields(d, remote, ts))
}

// fallback produces the generic representation of raw tagged with kind,
// used when a specialized parser cannot make sense of the payload.
func fallback(kind Kind, raw []byte, maxLen int) Data {
	d := parseGeneric(raw, maxLen)
	d.Kind = kind
	return d
}

// HexDump formats b as uppercase, space-separated byte pairs. When
// maxLen is positive and the dump is longer, it is cut to maxLen
// characters followed by "...".
func HexDump(b []byte, maxLen int) string {
	if len(b) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(len(b) * 3)
	enc := make([]byte, 2)
	for i, c := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		hex.Encode(enc, []byte{c})
		sb.WriteString(strings.ToUpper(string(enc)))
	}
	return truncate(sb.String(), maxLen)
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func isPrintable(b []byte) bool {
	for _, c := range b {
		switch {
		case c == '\r' || c == '\n' || c == '\t':
		case c >= 0x20 && c < 0x7f:
		default:
			return false
		}
	}
	return true
}

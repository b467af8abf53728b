// Package protocol turns raw bytes read from an attacker's socket into a
// structured, protocol-aware representation and renders that
// representation into the prompt sent to the text-generation backend.
//
// The set of protocols is closed: each [Kind] with a specialized parser
// maps to one pure parse/prompt function pair in a single dispatch
// table, and every other kind resolves to the generic pair. All
// functions are free of I/O and shared state, so one table serves every
// connection of every listener concurrently.
package protocol

import (
	"strconv"
	"strings"
	"time"
)

// Kind identifies the wire protocol a listener simulates.
type Kind string

// Supported protocol kinds. Only Generic, HTTP and SSH have specialized
// parsers; the rest fall back to Generic.
const (
	Generic Kind = "generic"
	HTTP    Kind = "http"
	SSH     Kind = "ssh"
	FTP     Kind = "ftp"
	Telnet  Kind = "telnet"
	SMTP    Kind = "smtp"
)

// Kinds lists every known protocol kind in display order.
var Kinds = []Kind{Generic, HTTP, SSH, FTP, Telnet, SMTP}

// ParseKind converts a case-insensitive protocol name to a [Kind]. The
// empty string maps to Generic. The second return value is false for
// unrecognized names, in which case Generic is returned.
func ParseKind(s string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if k == "" {
		return Generic, true
	}
	for _, known := range Kinds {
		if k == known {
			return k, true
		}
	}
	return Generic, false
}

func (k Kind) String() string { return string(k) }

// Transport is the value substituted for the {Transport} placeholder.
const Transport = "TCP"

// Field names shared by every parser.
const (
	FieldHexData   = "HexData"
	FieldByteCount = "ByteCount"
	FieldText      = "Text"
)

// Data is the parsed form of one inbound message. It is produced and
// consumed within a single conversation turn and must not be mutated
// after Parse returns.
type Data struct {
	// Kind is the parser that produced this value.
	Kind Kind
	// Readable is a human-readable rendering of Raw.
	Readable string
	// Fields holds protocol-specific values keyed by placeholder name
	// (without braces).
	Fields map[string]string
	// Valid reports whether the bytes were recognized as well-formed
	// data for Kind. Generic data is never valid.
	Valid bool
	// Raw is the original payload.
	Raw []byte
}

// Field returns the named field, or "" when absent.
func (d Data) Field(name string) string {
	return d.Fields[name]
}

// Template carries the listener settings that shape prompt rendering.
type Template struct {
	// UserPrompt is the placeholder template. Empty selects the
	// built-in template for the data's kind.
	UserPrompt string
	// MaxLength caps the rendered hex dump and text, in characters.
	// Zero or negative disables truncation.
	MaxLength int
}

type handler struct {
	parse  func(raw []byte, maxLen int) Data
	prompt func(d Data, t Template, remote string, ts time.Time) string
}

// handlers is the single dispatch table. Kinds missing here use the
// generic entry.
var handlers = map[Kind]handler{
	Generic: {parse: parseGeneric, prompt: promptGeneric},
	HTTP:    {parse: parseHTTP, prompt: promptHTTP},
	SSH:     {parse: parseSSH, prompt: promptSSH},
}

func lookup(k Kind) handler {
	if h, ok := handlers[k]; ok {
		return h
	}
	return handlers[Generic]
}

// Specialized reports whether k has its own parser.
func Specialized(k Kind) bool {
	_, ok := handlers[k]
	return ok && k != Generic
}

// Parse converts raw into [Data] using the parser for kind. It never
// fails; malformed input degrades to the generic hex representation.
// maxLen caps the hex dump length (zero disables truncation).
func Parse(kind Kind, raw []byte, maxLen int) Data {
	return lookup(kind).parse(raw, maxLen)
}

// BuildPrompt renders d into the user prompt sent to the backend, using
// the prompt function of d.Kind.
func BuildPrompt(d Data, t Template, remote string, ts time.Time) string {
	return lookup(d.Kind).prompt(d, t, remote, ts)
}

// commonFields returns the placeholders every prompt can use.
func commonFields(d Data, remote string, ts time.Time) map[string]string {
	return map[string]string{
		"RemoteEndpoint": remote,
		"Transport":      Transport,
		"ByteCount":      strconv.Itoa(len(d.Raw)),
		"Timestamp":      ts.UTC().Format(time.RFC3339),
		FieldHexData:     d.Field(FieldHexData),
	}
}

// substitute replaces each {Name} in tmpl with vals[Name]. Placeholders
// with no value are left as literal text.
func substitute(tmpl string, vals map[string]string) string {
	pairs := make([]string, 0, len(vals)*2)
	for k, v := range vals {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

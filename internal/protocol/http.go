package protocol

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/mirage/internal/prompts"
)

// HTTP field names.
const (
	FieldMethod        = "Method"
	FieldPath          = "Path"
	FieldVersion       = "Version"
	FieldRequestLine   = "RequestLine"
	FieldHeaders       = "Headers"
	FieldBody          = "Body"
	FieldHasBody       = "HasBody"
	FieldParsedContent = "ParsedContent"
)

var requestLineRE = regexp.MustCompile(`^([A-Z]+) (\S+) HTTP/(\d\.\d)$`)

// parseHTTP decodes raw as an HTTP request. Anything that is not valid
// UTF-8 or lacks a request line degrades to the generic representation
// with Valid false.
func parseHTTP(raw []byte, maxLen int) Data {
	if len(raw) == 0 || !utf8.Valid(raw) {
		return fallback(HTTP, raw, maxLen)
	}

	lines := strings.Split(string(raw), "\n")
	for i := range lines {
		lines[i] = strings.TrimSuffix(lines[i], "\r")
	}

	m := requestLineRE.FindStringSubmatch(lines[0])
	if m == nil {
		return fallback(HTTP, raw, maxLen)
	}

	var headers []string
	i := 1
	for ; i < len(lines); i++ {
		line := lines[i]
		if line == "" {
			i++
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		headers = append(headers, strings.TrimSpace(key)+": "+strings.TrimSpace(value))
	}

	var body string
	if i < len(lines) {
		body = strings.Join(lines[i:], "\n")
	}

	d := Data{
		Kind:  HTTP,
		Raw:   raw,
		Valid: true,
		Fields: map[string]string{
			FieldMethod:      m[1],
			FieldPath:        m[2],
			FieldVersion:     m[3],
			FieldRequestLine: lines[0],
			FieldHeaders:     strings.Join(headers, ", "),
			FieldBody:        truncate(body, maxLen),
			FieldHasBody:     strconv.FormatBool(body != ""),
			FieldHexData:     HexDump(raw, maxLen),
			FieldByteCount:   strconv.Itoa(len(raw)),
		},
	}
	d.Fields[FieldParsedContent] = renderRequest(lines[0], headers, d.Fields[FieldBody])
	d.Readable = d.Fields[FieldParsedContent]
	return d
}

func renderRequest(requestLine string, headers []string, body string) string {
	var sb strings.Builder
	sb.WriteString("Request: ")
	sb.WriteString(requestLine)
	if len(headers) > 0 {
		sb.WriteString("\nHeaders:")
		for _, h := range headers {
			sb.WriteString("\n  ")
			sb.WriteString(h)
		}
	}
	if body != "" {
		sb.WriteString("\nBody:\n")
		sb.WriteString(body)
	}
	return sb.String()
}

// promptHTTP renders a parsed request. Invalid data is handed to the
// generic substitution, so HTTP-only placeholders in a custom template
// stay literal. The built-in HTTP template carries no hex data, so a
// payload that is not HTTP gets the generic template instead.
func promptHTTP(d Data, t Template, remote string, ts time.Time) string {
	tmpl := t.UserPrompt
	if tmpl == "" {
		tmpl = prompts.DefaultUserTemplate(string(HTTP))
	}

	if !d.Valid {
		if tmpl == prompts.DefaultUserTemplate(string(HTTP)) {
			t.UserPrompt = prompts.DefaultUserTemplate(string(Generic))
		}
		return promptGeneric(d, t, remote, ts)
	}

	vals := commonFields(d, remote, ts)
	for _, k := range []string{FieldMethod, FieldPath, FieldVersion, FieldRequestLine, FieldHeaders, FieldBody, FieldHasBody, FieldParsedContent} {
		vals[k] = d.Field(k)
	}
	return substitute(tmpl, vals)
}

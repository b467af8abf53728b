package protocol

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nugget/mirage/internal/prompts"
)

// SSHBanner is the server identification string written as the first
// bytes of every SSH connection that sends an initial response. It never
// goes through the backend.
const SSHBanner = "SSH-2.0-OpenSSH_8.4p1 Debian-5\r\n"

// SSH field names.
const (
	FieldIsVersionString = "IsSshVersionString"
	FieldVersionString   = "VersionString"
)

// parseSSH always yields valid SSH data. A payload that decodes to text
// starting with "SSH-" is flagged as the client's version exchange.
func parseSSH(raw []byte, maxLen int) Data {
	d := fallback(SSH, raw, maxLen)
	d.Valid = true
	d.Fields[FieldIsVersionString] = "false"

	if !utf8.Valid(raw) {
		return d
	}
	text := string(raw)
	if len(text) >= 4 && strings.EqualFold(text[:4], "SSH-") {
		version := strings.TrimRight(text, "\r\n")
		d.Fields[FieldIsVersionString] = "true"
		d.Fields[FieldVersionString] = version
		d.Readable = version
	}
	return d
}

// IsVersionString reports whether d carries an SSH version exchange.
func IsVersionString(d Data) bool {
	v, _ := strconv.ParseBool(d.Field(FieldIsVersionString))
	return v
}

// promptSSH asks the backend to continue the handshake for version
// strings and uses generic substitution for everything else.
func promptSSH(d Data, t Template, remote string, ts time.Time) string {
	if IsVersionString(d) {
		return prompts.SSHHandshake(d.Field(FieldVersionString), remote, ts)
	}
	return promptGeneric(d, t, remote, ts)
}

package prompts

import (
	"fmt"
	"strings"
	"time"
)

// greetingTemplate is sent to the backend when a listener is configured
// to speak first. Format verbs: 1: protocol name, 2: remote endpoint,
// 3: RFC 3339 timestamp.
const greetingTemplate = `A new %s client connected from %s at %s.
The client has not sent anything yet. Produce the banner or greeting the
service sends immediately after the TCP connection is established.`

// sshHandshakeTemplate is sent when an SSH client transmits its version
// exchange string. Format verbs: 1: received version string, 2: remote
// endpoint, 3: RFC 3339 timestamp.
const sshHandshakeTemplate = `Client %[2]s sent its SSH protocol version exchange at %[3]s:
%[1]s

The server banner has already been sent. Continue the handshake the way
OpenSSH does after the version exchange, then behave as described in your
instructions.`

// ConnectionGreeting returns the connection-established pseudo-message
// for the named protocol.
func ConnectionGreeting(protocol, remote string, ts time.Time) string {
	return fmt.Sprintf(greetingTemplate, strings.ToUpper(protocol), remote, ts.UTC().Format(time.RFC3339))
}

// SSHHandshake returns the prompt for an SSH version exchange. The
// version string is embedded verbatim.
func SSHHandshake(version, remote string, ts time.Time) string {
	return fmt.Sprintf(sshHandshakeTemplate, version, remote, ts.UTC().Format(time.RFC3339))
}

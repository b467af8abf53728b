package protocol

import (
	"time"

	"github.com/nugget/mirage/internal/prompts"
)

// Greeting returns the connection-established pseudo-message used when
// a listener speaks first. SSH listeners send [SSHBanner] instead and
// never call this.
func Greeting(kind Kind, remote string, ts time.Time) string {
	return prompts.ConnectionGreeting(string(kind), remote, ts)
}

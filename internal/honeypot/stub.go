package honeypot

import "github.com/nugget/mirage/internal/protocol"

// stubResponse is the canned reply used when the backend fails. Each
// looks like an overloaded or misconfigured real server.
func stubResponse(kind protocol.Kind) string {
	switch kind {
	case protocol.HTTP:
		return "HTTP/1.1 500 Internal Server Error\r\n" +
			"Server: Apache/2.4.41 (Ubuntu)\r\n" +
			"Content-Length: 0\r\n" +
			"Connection: close\r\n" +
			"\r\n"
	case protocol.SSH:
		return "Protocol mismatch."
	case protocol.FTP:
		return "421 Service not available, closing control connection."
	case protocol.SMTP:
		return "421 4.3.2 Service not available, closing transmission channel"
	case protocol.Telnet:
		return "login: "
	default:
		return "ERROR"
	}
}

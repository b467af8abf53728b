// Package servicecfg loads simulated-service definitions from a
// directory of JSON files and watches that directory for changes.
//
// Each *.json file holds one [ListenerConfig]. Files are parsed as JSON
// with comments and trailing commas allowed; unknown fields are ignored.
// The file base name is the fallback identity when a file omits "name".
package servicecfg

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/nugget/mirage/internal/prompts"
	"github.com/nugget/mirage/internal/protocol"
)

// Extension is the file extension of service definition files.
const Extension = ".json"

// Defaults applied to fields a service file leaves out.
const (
	DefaultBindAddress         = "0.0.0.0"
	DefaultBufferSize          = 4096
	DefaultMaxConnections      = 100
	DefaultMaxDataLength       = 2048
	DefaultConversationTimeout = 300
	DefaultMaxTurns            = 10

	// MaxBufferSize bounds a single socket read.
	MaxBufferSize = 1 << 20
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid service config")

// ListenerConfig defines one simulated service. It is replaced
// wholesale whenever its source file changes.
type ListenerConfig struct {
	Name                       string        `json:"name"`
	BindAddress                string        `json:"bindAddress"`
	Port                       int           `json:"port"`
	Protocol                   protocol.Kind `json:"protocol"`
	BufferSize                 int           `json:"bufferSize"`
	MaxConcurrentConnections   int           `json:"maxConcurrentConnections"`
	SystemPrompt               string        `json:"systemPrompt"`
	UserPromptTemplate         string        `json:"userPromptTemplate"`
	MaxDataLength              int           `json:"maxDataLength"`
	Enabled                    bool          `json:"enabled"`
	EnableConversation         bool          `json:"enableConversation"`
	SendInitialResponse        bool          `json:"sendInitialResponse"`
	ConversationTimeoutSeconds int           `json:"conversationTimeoutSeconds"`
	MaxConversationTurns       int           `json:"maxConversationTurns"`

	// SourcePath is the file this config was read from.
	SourcePath string `json:"-"`
	// UnknownProtocol holds the original protocol name when it was not
	// recognized and Generic was substituted.
	UnknownProtocol string `json:"-"`
}

// defaults returns a config with every optional field at its default.
func defaults() ListenerConfig {
	return ListenerConfig{
		BindAddress:                DefaultBindAddress,
		Protocol:                   protocol.Generic,
		BufferSize:                 DefaultBufferSize,
		MaxConcurrentConnections:   DefaultMaxConnections,
		MaxDataLength:              DefaultMaxDataLength,
		Enabled:                    true,
		ConversationTimeoutSeconds: DefaultConversationTimeout,
		MaxConversationTurns:       DefaultMaxTurns,
	}
}

// Parse decodes one service definition. fallbackName is used when the
// document has no name. The result is validated.
func Parse(data []byte, fallbackName string) (ListenerConfig, error) {
	std, err := hujson.Standardize(data)
	if err != nil {
		return ListenerConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg := defaults()
	if err := json.Unmarshal(std, &cfg); err != nil {
		return ListenerConfig{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = fallbackName
	}
	cfg.BindAddress = strings.TrimSpace(cfg.BindAddress)
	if cfg.BindAddress == "" {
		cfg.BindAddress = DefaultBindAddress
	}

	kind, ok := protocol.ParseKind(string(cfg.Protocol))
	if !ok {
		cfg.UnknownProtocol = string(cfg.Protocol)
	}
	cfg.Protocol = kind

	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = prompts.DefaultSystemPrompt(string(kind))
	}
	if cfg.UserPromptTemplate == "" {
		cfg.UserPromptTemplate = prompts.DefaultUserTemplate(string(kind))
	}

	if err := cfg.Validate(); err != nil {
		return ListenerConfig{}, err
	}
	return cfg, nil
}

// ParseFile reads and parses the service file at path.
func ParseFile(path string) (ListenerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ListenerConfig{}, fmt.Errorf("read %s: %w", path, err)
	}
	cfg, err := Parse(data, NameFromPath(path))
	if err != nil {
		return ListenerConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.SourcePath = path
	return cfg, nil
}

// NameFromPath returns the file base name without its extension.
func NameFromPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// IsServiceFile reports whether path names a service definition file.
// Hidden files (editor swap files, dotfiles) are ignored.
func IsServiceFile(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.EqualFold(filepath.Ext(base), Extension)
}

// Validate checks field ranges. All problems are reported together,
// each wrapping [ErrInvalid].
func (c ListenerConfig) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Name == "" {
		bad("name is empty")
	} else if strings.ContainsAny(c.Name, `/\`) {
		bad("name %q contains a path separator", c.Name)
	}
	if c.Port < 1 || c.Port > 65535 {
		bad("port %d out of range 1-65535", c.Port)
	}
	if c.BindAddress != "localhost" && net.ParseIP(c.BindAddress) == nil {
		bad("bindAddress %q is not an IP address", c.BindAddress)
	}
	if c.BufferSize < 1 || c.BufferSize > MaxBufferSize {
		bad("bufferSize %d out of range 1-%d", c.BufferSize, MaxBufferSize)
	}
	if c.MaxConcurrentConnections < 1 {
		bad("maxConcurrentConnections must be at least 1")
	}
	if c.MaxDataLength < 0 {
		bad("maxDataLength must not be negative")
	}
	if c.EnableConversation {
		if c.ConversationTimeoutSeconds < 1 {
			bad("conversationTimeoutSeconds must be at least 1")
		}
		if c.MaxConversationTurns < 1 {
			bad("maxConversationTurns must be at least 1")
		}
	}
	return errors.Join(errs...)
}

// Addr returns the host:port the listener binds to.
func (c ListenerConfig) Addr() string {
	return net.JoinHostPort(c.BindAddress, strconv.Itoa(c.Port))
}

// ConversationTimeout returns the session time limit.
func (c ListenerConfig) ConversationTimeout() time.Duration {
	return time.Duration(c.ConversationTimeoutSeconds) * time.Second
}

// PromptTemplate returns the protocol rendering settings.
func (c ListenerConfig) PromptTemplate() protocol.Template {
	return protocol.Template{
		UserPrompt: c.UserPromptTemplate,
		MaxLength:  c.MaxDataLength,
	}
}

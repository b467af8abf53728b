// Package prompts contains the built-in LLM prompt text Mirage sends to
// the text-generation backend.
//
// Prompt text is Go code rather than config files because it is program
// logic: templates use fmt.Sprintf interpolation, benefit from
// compile-time embedding, and can be validated by tests. Operators
// override the per-listener system prompt and user template in the
// service JSON files; this package supplies the defaults and the
// fixed-purpose prompts (connection greeting, SSH handshake) that have
// no operator-facing knob.
//
// Convention: each prompt category gets its own file (system.go,
// session.go) with an exported function that accepts the dynamic parts
// and returns the fully interpolated prompt string.
package prompts

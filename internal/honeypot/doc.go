// Package honeypot runs the simulated services. An [Orchestrator] owns
// one listener instance per enabled service config, reconciles that set
// against change records from servicecfg, and gives every accepted
// connection its own goroutine driving a short conversation with the
// text-generation backend.
//
// Instances are independent: a bind failure, a stalled backend call or a
// panic in one connection handler never reaches another listener.
package honeypot

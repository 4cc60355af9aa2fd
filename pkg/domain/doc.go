// Package domain defines the core types exchanged between a message-flow
// runtime and the completion telemetry emitter.
//
// This package contains pure domain types with ZERO external dependencies
// outside the Go standard library. A runtime (or the simulator under
// internal/flowsim) builds these values at the moment a unit of work ends and
// hands them to the emitter, which consumes them once and drops them.
//
// The dependency direction is always:
//
//	Runtime / Emitter → Domain (CORRECT)
//	Domain → Runtime / Emitter (FORBIDDEN)
package domain

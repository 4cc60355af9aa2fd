// Package telemetry turns completed units of work of a message flow into
// correlated log lines, and mirrors the key figures into OpenTelemetry.
//
// For every completed initiation or stage the Emitter first writes one line
// per user metric, then aggregates the raw timings into a Breakdown, composes
// the completion line(s) and writes each line with its fields bound into the
// logctx overlay of the unit of work. Lines go to two channels,
// "flowlog.init" and "flowlog.stage", and every message starts with the
// "#FLOWLOG# " tag so log processors can pick them out of application output.
package telemetry

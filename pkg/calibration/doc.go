// Package calibration defines the types used by the draw-test calibration
// workflow. It contains:
//
//   - Phase: the discrete steps of the calibration state machine
//   - State: the persisted runtime state managed by the daemon
//   - Status: a synthesized view model returned by HTTP APIs and the CLI
//
// A draw test compares the volume the meter measured during a steady draw
// against a reference volume the operator measured by hand (a bucket on a
// scale, a certified test jug). The ratio between the two corrects the
// meter factor of the decile the draw ran in. These types are shared across
// daemon and client code to keep the JSON contracts consistent.
package calibration

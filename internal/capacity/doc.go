// Package capacity holds the shared capacity accounting: the pure admission
// gate and the Aggregate of process-wide running counters that the gate's
// inputs are read from.
package capacity

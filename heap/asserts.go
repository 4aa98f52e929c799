//go:build !gc.noasserts

package heap

// Asserts enables the range and state checks that are too expensive for a
// production collector. Build with the gc.noasserts tag to turn them off.
const Asserts = true

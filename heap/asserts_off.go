//go:build gc.noasserts

package heap

const Asserts = false

// Package sequence issues global arrival sequence numbers, binds them to the
// entry journal, and derives deterministic entity ids from them.
package sequence

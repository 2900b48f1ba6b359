// Package service is the only write entry point into the engine.
//
// It wires matching, risk, storage and the outbox together. Engines return
// what they changed; the service writes the changed entities through the
// storage coordinator and appends the events to the outbox. Transports in
// api/ call nothing else.
package service

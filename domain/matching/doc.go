// Package matching owns order lifecycle. It validates intents against pair
// configuration, stamps accepted commands with their arrival sequence, and
// drives the order book. Fills on perpetual pairs are handed to a FillSink
// inside the same per-pair critical section.
package matching

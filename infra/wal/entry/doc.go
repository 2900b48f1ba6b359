// Package entry is the inbound command journal: a segmented, CRC-checked,
// append-only log of every accepted command in arrival-sequence order.
// Replaying it rebuilds books and positions. It is never used for outbound
// events; those go through the outbox.
package entry

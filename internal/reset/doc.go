// Package reset deprovisions a node: it halts the control connection and
// deletes the persisted identity, in that order, and only deletes once the
// teardown has been confirmed.
package reset

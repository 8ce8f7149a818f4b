// Package history keeps a local record of agent events in SQLite so that
// `nvagent logs` can show what happened while no observer was attached.
//
// A Recorder is subscribed to the event bus like any other observer; each
// event becomes one row. Recent returns the newest rows oldest-first.
package history

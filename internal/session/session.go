// Package session manages anonymous participant sessions. It handles session
// creation, lookup, expiration, and the participant state machine
// (idle/searching/matched/in_call), all backed by Redis. The transient
// "ended" state is never stored: cleanup folds a terminated participant
// straight back to idle.
package session

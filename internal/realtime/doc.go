// Package realtime implements the message-distribution core of
// centinela: the connection registry keyed by user identity and role,
// the message-type-driven routing policy, and the redundant delivery
// cascade used for safety-critical alarm and dispatch notifications.
//
// The wire vocabulary (message types, envelopes) lives in pkg/wire so
// that clients share it without reaching into server internals.
package realtime

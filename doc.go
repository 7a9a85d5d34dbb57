/*
Package peeklock documents the Peeklock module.

Peeklock is a queue broker with peek-lock delivery, settlement, sessions,
scheduled and deferred messages, dead-lettering, auto-forwarding and
transactional moves. The broker is embedded through internal/broker and
the module ships the peeklock daemon:

	go install github.com/nuetzliches/peeklock/cmd/peeklock@latest

Implementation packages are internal and are not a stable public Go API.
*/
package peeklock

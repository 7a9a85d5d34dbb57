// Command peeklock runs the peek-lock message broker daemon.
//
// Peeklock stores messages in named queues and hands them to consumers
// under time-limited locks. Consumers settle each message by completing,
// abandoning, deferring or dead-lettering it.
//
// Install:
//
//	go install github.com/nuetzliches/peeklock/cmd/peeklock@latest
//
// Usage:
//
//	peeklock run --config ./Peeklockfile
//	peeklock config validate --config ./Peeklockfile --format text
package main

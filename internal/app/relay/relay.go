// Package relay contains the forwarding orchestrator: the per-message
// retry and degradation state machine that drives one polling cycle.
package relay

import (
	"context"

	"github.com/zyd/mailrelay/internal/app/composer"
	"github.com/zyd/mailrelay/internal/app/storage"
)

// Source hands out authenticated sessions to the source mailbox. Each
// Connect call yields a fresh session; the caller discards the old one.
type Source interface {
	Connect(ctx context.Context) (SourceSession, error)
}

// SourceSession is one live mailbox session. Stateful and single-user:
// the orchestrator owns it exclusively for the duration of a cycle.
type SourceSession interface {
	// ListUnseen returns the identifiers carrying the unseen flag, in
	// listing order. An identifier appears at most once per listing.
	ListUnseen() ([]uint32, error)
	// FetchFull retrieves the complete raw message, fetched fresh per
	// attempt. Partial bytes from a failed fetch are never reused.
	FetchFull(uid uint32) ([]byte, error)
	// FetchHeaderAndText retrieves only the header block and body text,
	// the degraded-mode fetch.
	FetchHeaderAndText(uid uint32) (header, text []byte, err error)
	// MarkSeen flips the seen flag, called only after a successful send.
	MarkSeen(uid uint32) error
	// Noop probes session liveness.
	Noop() error
	// Close releases the session best-effort.
	Close()
}

// Sink hands out sessions to the outbound transport.
type Sink interface {
	Connect(ctx context.Context) (SinkSession, error)
}

type SinkSession interface {
	Send(msg *composer.Message) error
	Close()
}

// ProgressStore persists the watermark per mailbox stream. Set never
// moves a watermark backwards.
type ProgressStore interface {
	Get(key storage.Key) (uint32, bool)
	Set(key storage.Key, uid uint32) error
}

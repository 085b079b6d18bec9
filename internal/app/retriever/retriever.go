// Package retriever wraps a stateful IMAP session to the source mailbox:
// authenticate, select the folder, list unseen UIDs, fetch message bytes
// and flip the seen flag after a successful relay.
package retriever

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message/charset"

	"github.com/zyd/mailrelay/internal/app/config"
	"github.com/zyd/mailrelay/internal/app/relay"
	"github.com/zyd/mailrelay/internal/pkg/faults"
)

// Dialer abstracts the transport so tests can run the retriever against
// an in-memory server.
type Dialer interface {
	Dial(cfg config.SourceConfig) (*imapclient.Client, net.Conn, error)
}

type DialerFunc func(config.SourceConfig) (*imapclient.Client, net.Conn, error)

func (f DialerFunc) Dial(cfg config.SourceConfig) (*imapclient.Client, net.Conn, error) {
	return f(cfg)
}

// DialSource is the production dialer. Implicit TLS or STARTTLS is
// chosen by the config rule; the dial itself is bounded by the source
// timeout. The returned net.Conn is retained so that every later
// command can arm a read/write deadline on it.
func DialSource(cfg config.SourceConfig) (*imapclient.Client, net.Conn, error) {
	netDialer := &net.Dialer{Timeout: cfg.Timeout}
	options := &imapclient.Options{
		WordDecoder: &mime.WordDecoder{CharsetReader: charset.Reader},
	}

	if cfg.UseTLS() {
		conn, err := tls.DialWithDialer(netDialer, "tcp", cfg.Address(), &tls.Config{ServerName: cfg.Host})
		if err != nil {
			return nil, nil, err
		}
		return imapclient.New(conn, options), conn, nil
	}

	conn, err := netDialer.Dial("tcp", cfg.Address())
	if err != nil {
		return nil, nil, err
	}
	options.TLSConfig = &tls.Config{ServerName: cfg.Host}
	client, err := imapclient.NewStartTLS(conn, options)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return client, conn, nil
}

type IMAPRetriever struct {
	dialer    Dialer
	cfg       config.SourceConfig
	chunkSize int64
	logger    *slog.Logger
}

func NewIMAPRetriever(dialer Dialer, cfg config.SourceConfig, chunkSize int64, logger *slog.Logger) *IMAPRetriever {
	return &IMAPRetriever{
		dialer:    dialer,
		cfg:       cfg,
		chunkSize: chunkSize,
		logger:    logger,
	}
}

// Connect establishes a fresh authenticated session bound to the
// configured folder. Safe to call repeatedly; the caller owns the old
// session and is responsible for discarding it.
func (r *IMAPRetriever) Connect(ctx context.Context) (relay.SourceSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, faults.ConnectionErr("connect source", err)
	}

	client, conn, err := r.dialer.Dial(r.cfg)
	if err != nil {
		return nil, faults.ConnectionErr("dial source", err)
	}

	s := &Session{
		client:    client,
		conn:      conn,
		timeout:   r.cfg.Timeout,
		chunkSize: r.chunkSize,
		logger:    r.logger,
	}

	s.arm()
	defer s.disarm()

	if err = client.Login(r.cfg.Login, r.cfg.Password).Wait(); err != nil {
		s.Close()
		return nil, faults.ConnectionErr("source login", err)
	}
	if _, err = client.Select(r.cfg.Folder, nil).Wait(); err != nil {
		s.Close()
		return nil, faults.ConnectionErr(fmt.Sprintf("select %q", r.cfg.Folder), err)
	}

	r.logger.Debug("source session established",
		slog.String("folder", r.cfg.Folder),
		slog.String("chunk_size", units.BytesSize(float64(r.chunkSize))),
	)
	return s, nil
}

// Session is one live connection to the source mailbox. Not safe for
// concurrent use; the orchestrator owns it exclusively per cycle.
type Session struct {
	client    *imapclient.Client
	conn      net.Conn
	timeout   time.Duration
	chunkSize int64
	logger    *slog.Logger
}

// arm bounds the next command with the configured timeout. disarm lifts
// the deadline again so an idle session does not get torn down between
// candidates.
func (s *Session) arm() {
	if s.conn != nil && s.timeout > 0 {
		_ = s.conn.SetDeadline(time.Now().Add(s.timeout))
	}
}

func (s *Session) disarm() {
	if s.conn != nil {
		_ = s.conn.SetDeadline(time.Time{})
	}
}

// ListUnseen returns the UIDs carrying the unseen flag, in server
// listing order.
func (s *Session) ListUnseen() ([]uint32, error) {
	s.arm()
	defer s.disarm()

	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, classify("search unseen", err)
	}

	uids := data.AllUIDs()
	out := make([]uint32, 0, len(uids))
	for _, uid := range uids {
		out = append(out, uint32(uid))
	}
	return out, nil
}

// FetchFull retrieves the complete raw message. The transfer is
// size-aware: total size comes from RFC822.SIZE, then the body is
// pulled as sequential bounded byte ranges so that a single oversized
// request cannot kill the session. When the server does not report a
// size the whole body is fetched in one request, reintroducing the
// large-payload failure mode; that fallback is deliberate, the retry
// loop above deals with the fallout.
func (s *Session) FetchFull(uid uint32) ([]byte, error) {
	size, err := s.messageSize(uid)
	if err != nil {
		return nil, err
	}

	if size <= 0 {
		s.logger.Debug("message size unknown, falling back to single fetch", slog.Uint64("uid", uint64(uid)))
	}
	return assembleFull(uid, size, s.chunkSize, s.fetchSection)
}

// sectionFetcher retrieves one body section of one message.
// Session.fetchSection is the production implementation.
type sectionFetcher func(uid uint32, section *imap.FetchItemBodySection) ([]byte, error)

// assembleFull pulls the message body as sequential bounded byte ranges
// and concatenates them. Unknown size (zero or negative) degenerates to
// a single whole-body request. The loop advances by the length actually
// returned, so a server trimming a range short does not corrupt the
// reassembly; an empty chunk before the reported end means the server
// and the size report disagree, which aborts the fetch.
func assembleFull(uid uint32, size, chunkSize int64, fetch sectionFetcher) ([]byte, error) {
	if size <= 0 {
		return fetch(uid, &imap.FetchItemBodySection{Peek: true})
	}

	raw := make([]byte, 0, size)
	for offset := int64(0); offset < size; {
		section := &imap.FetchItemBodySection{
			Peek: true,
			Partial: &imap.SectionPartial{
				Offset: offset,
				Size:   chunkSize,
			},
		}
		chunk, err := fetch(uid, section)
		if err != nil {
			return nil, err
		}
		if len(chunk) == 0 {
			return nil, faults.ProtocolErr("fetch chunk",
				fmt.Errorf("uid %d: empty chunk at offset %d of %d", uid, offset, size))
		}
		raw = append(raw, chunk...)
		offset += int64(len(chunk))
	}

	return raw, nil
}

// FetchHeaderAndText retrieves only the header block and the body text
// in a single request. This is the degraded-mode path: the payload is
// small enough that chunking buys nothing.
func (s *Session) FetchHeaderAndText(uid uint32) ([]byte, []byte, error) {
	headerSection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierHeader, Peek: true}
	textSection := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierText, Peek: true}

	s.arm()
	defer s.disarm()

	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{headerSection, textSection},
	}).Collect()
	if err != nil {
		return nil, nil, classify("fetch header and text", err)
	}
	if len(msgs) == 0 {
		return nil, nil, faults.ProtocolErr("fetch header and text", fmt.Errorf("uid %d not returned", uid))
	}

	header := msgs[0].FindBodySection(headerSection)
	text := msgs[0].FindBodySection(textSection)
	if header == nil {
		return nil, nil, faults.ProtocolErr("fetch header and text", fmt.Errorf("uid %d: no header section in response", uid))
	}
	return header, text, nil
}

// MarkSeen flips the seen flag. Called only after a successful send;
// a crash in between means the message is relayed again next cycle,
// which is the accepted at-least-once tradeoff.
func (s *Session) MarkSeen(uid uint32) error {
	s.arm()
	defer s.disarm()

	err := s.client.Store(imap.UIDSetNum(imap.UID(uid)), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil).Close()
	if err != nil {
		return classify("mark seen", err)
	}
	return nil
}

// Noop is the cheap liveness probe run before every fetch.
func (s *Session) Noop() error {
	s.arm()
	defer s.disarm()

	if err := s.client.Noop().Wait(); err != nil {
		return faults.ConnectionErr("noop", err)
	}
	return nil
}

// Close logs out best-effort. Never escalated.
func (s *Session) Close() {
	s.arm()
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("source logout failed", slog.Any("error", err))
		_ = s.client.Close()
	}
}

func (s *Session) messageSize(uid uint32) (int64, error) {
	s.arm()
	defer s.disarm()

	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:        true,
		RFC822Size: true,
	}).Collect()
	if err != nil {
		return 0, classify("fetch size", err)
	}
	if len(msgs) == 0 {
		return 0, faults.ProtocolErr("fetch size", fmt.Errorf("uid %d not returned", uid))
	}
	return msgs[0].RFC822Size, nil
}

func (s *Session) fetchSection(uid uint32, section *imap.FetchItemBodySection) ([]byte, error) {
	s.arm()
	defer s.disarm()

	msgs, err := s.client.Fetch(imap.UIDSetNum(imap.UID(uid)), &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, classify("fetch body", err)
	}
	if len(msgs) == 0 {
		return nil, faults.ProtocolErr("fetch body", fmt.Errorf("uid %d not returned", uid))
	}

	body := msgs[0].FindBodySection(section)
	if body == nil {
		return nil, faults.ProtocolErr("fetch body", fmt.Errorf("uid %d: requested section missing from response", uid))
	}
	return body, nil
}

// classify buckets a command failure: transport-level breakage
// (timeouts, closed connections) is a connection fault that warrants a
// reconnect, a rejection from a live session is a protocol fault.
func classify(op string, err error) *faults.Error {
	var netErr net.Error
	switch {
	case errors.As(err, &netErr),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, net.ErrClosed):
		return faults.ConnectionErr(op, err)
	default:
		return faults.ProtocolErr(op, err)
	}
}

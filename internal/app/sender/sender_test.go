package sender

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyd/mailrelay/internal/app/composer"
	"github.com/zyd/mailrelay/internal/pkg/faults"
)

type recordingSendCloser struct {
	from    string
	to      []string
	wire    bytes.Buffer
	sendErr error
	closed  bool
}

func (r *recordingSendCloser) Send(from string, to []string, msg io.WriterTo) error {
	if r.sendErr != nil {
		return r.sendErr
	}
	r.from = from
	r.to = to
	_, err := msg.WriteTo(&r.wire)
	return err
}

func (r *recordingSendCloser) Close() error {
	r.closed = true
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendWritesComposedMessage(t *testing.T) {
	rec := &recordingSendCloser{}
	session := &Session{sc: rec, logger: discardLogger()}

	err := session.Send(&composer.Message{
		Subject:  "[forwarded] Report",
		From:     "relay@example.com",
		To:       "me@example.com",
		ReplyTo:  "alice@example.edu",
		TextBody: "plain body",
		HTMLBody: "<p>html body</p>",
		Attachments: []composer.Attachment{
			{Filename: "report.pdf", ContentType: "application/pdf", Data: []byte("%PDF-1.4")},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "relay@example.com", rec.from)
	assert.Equal(t, []string{"me@example.com"}, rec.to)

	wire := rec.wire.String()
	assert.Contains(t, wire, "Subject: [forwarded] Report")
	assert.Contains(t, wire, "Reply-To: alice@example.edu")
	assert.Contains(t, wire, "plain body")
	assert.Contains(t, wire, "report.pdf")
	assert.Contains(t, wire, "application/pdf")
}

func TestSendFailureIsDeliveryFault(t *testing.T) {
	rec := &recordingSendCloser{sendErr: errors.New("552 message size exceeds limit")}
	session := &Session{sc: rec, logger: discardLogger()}

	err := session.Send(&composer.Message{
		Subject:  "[forwarded] Big",
		From:     "relay@example.com",
		To:       "me@example.com",
		TextBody: "body",
	})
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Delivery))
}

func TestCloseIsBestEffort(t *testing.T) {
	rec := &recordingSendCloser{}
	session := &Session{sc: rec, logger: discardLogger()}

	session.Close()
	assert.True(t, rec.closed)
}

package composer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zyd/mailrelay/internal/pkg/faults"
)

const mixedMessage = "From: Alice <alice@example.edu>\r\n" +
	"To: bob@example.edu\r\n" +
	"Subject: Quarterly report\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"MIXED\"\r\n" +
	"\r\n" +
	"--MIXED\r\n" +
	"Content-Type: multipart/alternative; boundary=\"ALT\"\r\n" +
	"\r\n" +
	"--ALT\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Plain version.\r\n" +
	"--ALT\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>HTML version.</p>\r\n" +
	"--ALT--\r\n" +
	"--MIXED\r\n" +
	"Content-Type: application/pdf\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"JVBERi0xLjQ=\r\n" +
	"--MIXED\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: attachment; filename=\"chart.png\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"iVBORw0KGgo=\r\n" +
	"--MIXED--\r\n"

const plainMessage = "From: carol@example.edu\r\n" +
	"Subject: Lunch\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"See you at noon.\r\n"

func TestComposeFullReattachesNamedParts(t *testing.T) {
	msg, err := ComposeFull([]byte(mixedMessage), "relay@example.com", "me@example.com")
	require.NoError(t, err)

	assert.Equal(t, "[forwarded] Quarterly report", msg.Subject)
	assert.Equal(t, "relay@example.com", msg.From)
	assert.Equal(t, "me@example.com", msg.To)
	assert.Equal(t, "alice@example.edu", msg.ReplyTo)
	assert.Equal(t, FidelityFull, msg.Fidelity)

	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, "report.pdf", msg.Attachments[0].Filename)
	assert.Equal(t, "application/pdf", msg.Attachments[0].ContentType)
	assert.Equal(t, []byte("%PDF-1.4"), msg.Attachments[0].Data)
	assert.Equal(t, "chart.png", msg.Attachments[1].Filename)
	assert.Equal(t, "image/png", msg.Attachments[1].ContentType)
}

func TestComposeFullPrefersHTMLBody(t *testing.T) {
	msg, err := ComposeFull([]byte(mixedMessage), "relay@example.com", "me@example.com")
	require.NoError(t, err)

	assert.Contains(t, msg.HTMLBody, "<p>HTML version.</p>")
	assert.NotContains(t, msg.HTMLBody, "Plain version.")
	// The plain alternative is rendered from the HTML part, not taken
	// from the discarded text/plain part.
	assert.Contains(t, msg.TextBody, "HTML version.")
	assert.NotContains(t, msg.TextBody, "Plain version.")
	assert.Contains(t, msg.TextBody, "Forwarded message")
}

func TestComposeFullPlainOnly(t *testing.T) {
	msg, err := ComposeFull([]byte(plainMessage), "relay@example.com", "me@example.com")
	require.NoError(t, err)

	assert.Empty(t, msg.HTMLBody)
	assert.Contains(t, msg.TextBody, "See you at noon.")
	assert.Contains(t, msg.TextBody, "From: carol@example.edu")
	assert.Empty(t, msg.Attachments)
}

func TestComposeFullUnparsableBytes(t *testing.T) {
	raw := "Content-Type: multipart/mixed\r\n\r\nno boundary declared\r\n"

	_, err := ComposeFull([]byte(raw), "relay@example.com", "me@example.com")
	require.Error(t, err)
	assert.True(t, faults.Is(err, faults.Composition))
}

func TestComposeDegradedNeverEmitsAttachments(t *testing.T) {
	// Split the mixed message the way a HEADER/TEXT fetch would.
	idx := strings.Index(mixedMessage, "\r\n\r\n")
	require.Positive(t, idx)
	header := []byte(mixedMessage[:idx+4])
	bodyText := []byte(mixedMessage[idx+4:])

	msg, err := ComposeDegraded(header, bodyText, "relay@example.com", "me@example.com")
	require.NoError(t, err)

	assert.Equal(t, FidelityDegraded, msg.Fidelity)
	assert.Empty(t, msg.Attachments)
	assert.Equal(t, "[forwarded] Quarterly report", msg.Subject)
	assert.Contains(t, msg.HTMLBody, "HTML version.")
	assert.Contains(t, msg.TextBody, "attachments were omitted")
	assert.Contains(t, msg.HTMLBody, "Attachments were omitted")
}

func TestComposeDegradedPlainNotice(t *testing.T) {
	idx := strings.Index(plainMessage, "\r\n\r\n")
	header := []byte(plainMessage[:idx+4])
	bodyText := []byte(plainMessage[idx+4:])

	msg, err := ComposeDegraded(header, bodyText, "relay@example.com", "me@example.com")
	require.NoError(t, err)

	assert.Empty(t, msg.HTMLBody)
	assert.Contains(t, msg.TextBody, "See you at noon.")
	assert.Contains(t, msg.TextBody, "attachments were omitted")
}

func TestDecodeHeader(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain ascii",
			in:   "Quarterly report",
			want: "Quarterly report",
		},
		{
			name: "two segments in different charsets",
			in:   "=?utf-8?q?H=C3=A9llo_?= =?iso-8859-1?q?W=F6rld?=",
			want: "Héllo Wörld",
		},
		{
			name: "folded whitespace collapsed",
			in:   "A  long\r\n subject\tline",
			want: "A long subject line",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DecodeHeader(tt.in))
		})
	}
}

func TestFidelityString(t *testing.T) {
	assert.Equal(t, "full", FidelityFull.String())
	assert.Equal(t, "degraded", FidelityDegraded.String())
}

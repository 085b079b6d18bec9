// Package composer turns raw source messages into outbound ones. It is a
// pure transform: no I/O, no held state, one Message per call.
package composer

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"jaytaylor.com/html2text"

	"github.com/zyd/mailrelay/internal/pkg/faults"
)

// Fidelity tags how much of the original message survived composition.
type Fidelity int

const (
	// FidelityFull keeps the body and every filename-bearing part.
	FidelityFull Fidelity = iota
	// FidelityDegraded keeps only the body text; attachments are dropped
	// and the recipient is told so.
	FidelityDegraded
)

func (f Fidelity) String() string {
	if f == FidelityDegraded {
		return "degraded"
	}
	return "full"
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is the outbound artifact. It is built once per attempt,
// handed to the relay sink once and then discarded.
type Message struct {
	Subject     string
	From        string
	To          string
	ReplyTo     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Fidelity    Fidelity
}

const subjectPrefix = "[forwarded] "

const fallbackBody = "(message body could not be extracted, check the original mailbox)"

var wordDecoder = mime.WordDecoder{CharsetReader: charset.Reader}

// DecodeHeader decodes an RFC 2047 header value. Encoded segments may
// each use a different character set; the decoded segments are joined
// into one string with runs of whitespace collapsed to single spaces.
func DecodeHeader(s string) string {
	decoded, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		decoded = s
	}
	return strings.Join(strings.Fields(decoded), " ")
}

// ComposeFull builds a full-fidelity outbound message from the complete
// raw source bytes: best body part (HTML preferred over plain text) plus
// every non-body part that carries a filename, re-attached as opaque
// binary with its filename and content type preserved.
func ComposeFull(raw []byte, from, to string) (*Message, error) {
	parsed, err := parseRaw(raw)
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:     subjectPrefix + parsed.subject,
		From:        from,
		To:          to,
		ReplyTo:     parsed.senderAddr,
		Attachments: parsed.attachments,
		Fidelity:    FidelityFull,
	}
	msg.TextBody, msg.HTMLBody = renderBody(parsed, false)

	return msg, nil
}

// ComposeDegraded builds a text-only outbound message from a split
// header/body-text pair fetched in degraded mode. The body carries a
// visible notice that attachments were omitted; no attachment parts are
// ever produced.
func ComposeDegraded(header, bodyText []byte, from, to string) (*Message, error) {
	parsed, err := parseRaw(joinHeaderAndText(header, bodyText))
	if err != nil {
		return nil, err
	}

	msg := &Message{
		Subject:  subjectPrefix + parsed.subject,
		From:     from,
		To:       to,
		ReplyTo:  parsed.senderAddr,
		Fidelity: FidelityDegraded,
	}
	msg.TextBody, msg.HTMLBody = renderBody(parsed, true)

	return msg, nil
}

// parsedMessage is the composer's view of the source bytes after the
// MIME walk: decoded headers, the single chosen body, named parts.
type parsedMessage struct {
	subject     string
	sender      string
	senderAddr  string
	htmlBody    string
	plainBody   string
	attachments []Attachment
}

func parseRaw(raw []byte) (*parsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return nil, faults.CompositionErr("parse message", err)
	}
	defer func() {
		_ = mr.Close()
	}()

	parsed := &parsedMessage{
		subject: DecodeHeader(mr.Header.Get("Subject")),
		sender:  DecodeHeader(mr.Header.Get("From")),
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		parsed.senderAddr = addrs[0].Address
	}

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, faults.CompositionErr("read message part", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			if err := parsed.addInlinePart(part, header); err != nil {
				return nil, err
			}
		case *mail.AttachmentHeader:
			if err := parsed.addAttachment(part, header); err != nil {
				return nil, err
			}
		}
	}

	return parsed, nil
}

func (p *parsedMessage) addInlinePart(part *mail.Part, header *mail.InlineHeader) error {
	mediaType, params, _ := header.ContentType()

	body, err := io.ReadAll(part.Body)
	if err != nil {
		return faults.CompositionErr("read body part", err)
	}

	switch mediaType {
	case "text/html":
		if p.htmlBody == "" {
			p.htmlBody = string(body)
			return nil
		}
	case "text/plain", "":
		if p.plainBody == "" {
			p.plainBody = string(body)
			return nil
		}
	}

	// Not chosen as the body. Inline parts still count as attachments
	// when they are named, e.g. inline images with a filename.
	if name := inlineFilename(header, params); name != "" {
		p.attachments = append(p.attachments, Attachment{
			Filename:    DecodeHeader(name),
			ContentType: nonEmptyContentType(mediaType),
			Data:        body,
		})
	}
	return nil
}

func (p *parsedMessage) addAttachment(part *mail.Part, header *mail.AttachmentHeader) error {
	body, err := io.ReadAll(part.Body)
	if err != nil {
		return faults.CompositionErr("read attachment", err)
	}

	filename, err := header.Filename()
	if err != nil || filename == "" {
		return nil
	}

	mediaType, _, _ := header.ContentType()
	p.attachments = append(p.attachments, Attachment{
		Filename:    DecodeHeader(filename),
		ContentType: nonEmptyContentType(mediaType),
		Data:        body,
	})
	return nil
}

func inlineFilename(header *mail.InlineHeader, ctParams map[string]string) string {
	if cd := header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name, ok := params["filename"]; ok {
				return name
			}
		}
	}
	if name, ok := ctParams["name"]; ok {
		return name
	}
	return ""
}

func nonEmptyContentType(mediaType string) string {
	if mediaType == "" {
		return "application/octet-stream"
	}
	return mediaType
}

// renderBody picks the single best body part (HTML preferred over plain
// text) and prepends the attribution banner. HTML bodies additionally
// get a plain-text alternative rendered with html2text so that every
// relayed message has a text part.
func renderBody(parsed *parsedMessage, degraded bool) (textBody, htmlBody string) {
	switch {
	case parsed.htmlBody != "":
		htmlBody = htmlBanner(parsed, degraded) + parsed.htmlBody
		alt, err := html2text.FromString(parsed.htmlBody, html2text.Options{TextOnly: true})
		if err != nil {
			alt = parsed.htmlBody
		}
		textBody = textBanner(parsed, degraded) + alt
	case parsed.plainBody != "":
		textBody = textBanner(parsed, degraded) + parsed.plainBody
	default:
		textBody = textBanner(parsed, degraded) + fallbackBody
	}
	return textBody, htmlBody
}

func textBanner(parsed *parsedMessage, degraded bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- Forwarded message ---\nFrom: %s\nSubject: %s\n", parsed.sender, parsed.subject)
	if degraded {
		b.WriteString("Note: attachments were omitted, retrieve them from the original mailbox.\n")
	}
	b.WriteString("\n")
	return b.String()
}

func htmlBanner(parsed *parsedMessage, degraded bool) string {
	var b strings.Builder
	b.WriteString("<div style='background:#f9f9f9;padding:10px;border:1px solid #eee'>")
	fmt.Fprintf(&b, "<b>From:</b> %s<br><b>Subject:</b> %s", htmlEscape(parsed.sender), htmlEscape(parsed.subject))
	if degraded {
		b.WriteString("<br><i>Attachments were omitted, retrieve them from the original mailbox.</i>")
	}
	b.WriteString("</div><hr>")
	return b.String()
}

func htmlEscape(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// joinHeaderAndText reassembles a fetched HEADER/TEXT split into one
// parseable message. The header block keeps its MIME boundary
// declarations, so the joined bytes parse exactly like the original
// message minus whatever the server left out of the TEXT section.
func joinHeaderAndText(header, bodyText []byte) []byte {
	trimmed := bytes.TrimRight(header, "\r\n")
	out := make([]byte, 0, len(trimmed)+4+len(bodyText))
	out = append(out, trimmed...)
	out = append(out, "\r\n\r\n"...)
	out = append(out, bodyText...)
	return out
}

package mail

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"html"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	gmailapi "google.golang.org/api/gmail/v1"
)

// maxAttachmentText caps text extracted from a single PDF attachment.
const maxAttachmentText = 64 * 1024

// Message is a fetched mail message reduced to the fields the extraction
// pipeline consumes.
type Message struct {
	ID              string
	From            string
	Subject         string
	Snippet         string
	Date            time.Time
	Text            string
	AttachmentNames []string
	AttachmentText  string
}

var (
	htmlTagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	anyTagRe     = regexp.MustCompile(`<[^>]+>`)
	blankLinesRe = regexp.MustCompile(`\n{3,}`)
)

// stripHTML reduces an HTML body to readable plain text.
func stripHTML(htmlBody string) string {
	text := htmlTagRe.ReplaceAllString(htmlBody, " ")
	text = regexp.MustCompile(`(?i)<br\s*/?>|</p>|</div>|</tr>`).ReplaceAllString(text, "\n")
	text = anyTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankLinesRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// decodeBody decodes a Gmail body payload (URL-safe base64).
func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Some senders emit standard base64
		b, err = base64.StdEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(b)
}

// flattenParts walks the MIME tree collecting text/plain, text/html and
// attachment parts.
func flattenParts(part *gmailapi.MessagePart, plain, htmlText *strings.Builder, attachments *[]*gmailapi.MessagePart) {
	if part == nil {
		return
	}
	switch {
	case part.Filename != "":
		*attachments = append(*attachments, part)
	case strings.HasPrefix(part.MimeType, "text/plain") && part.Body != nil:
		plain.WriteString(decodeBody(part.Body.Data))
		plain.WriteString("\n")
	case strings.HasPrefix(part.MimeType, "text/html") && part.Body != nil:
		htmlText.WriteString(decodeBody(part.Body.Data))
	}
	for _, child := range part.Parts {
		flattenParts(child, plain, htmlText, attachments)
	}
}

func headerValue(headers []*gmailapi.MessagePartHeader, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// PDFText extracts plain text from PDF bytes. It recovers from parser panics
// on malformed documents and returns what it has.
func PDFText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic during PDF text extraction: %v", r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open PDF reader: %w", err)
	}

	plainText, err := reader.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract plain text: %w", err)
	}

	textBytes, err := io.ReadAll(io.LimitReader(plainText, maxAttachmentText))
	if err != nil {
		return "", fmt.Errorf("read plain text: %w", err)
	}
	return string(textBytes), nil
}

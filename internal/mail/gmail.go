// Package mail adapts the external mail provider into the narrow Source
// interface the ingestion engine consumes.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// Source lists candidate billing messages and fetches their contents for one
// authorized mailbox.
type Source interface {
	ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
}

// SourceFactory opens a Source for a user. Token acquisition and refresh are
// external; the factory receives whatever token source the caller wired in.
type SourceFactory interface {
	SourceForUser(ctx context.Context, userID string) (Source, error)
}

// billingQueryTerms is the broad keyword expression used to list candidate
// messages. Recall matters more than precision here: classification happens
// downstream.
var billingQueryTerms = []string{
	"receipt", "invoice", "\"payment confirmation\"", "billed", "charged",
	"subscription", "\"your order\"", "renewal",
}

// BuildQuery combines the billing keyword expression with a date lower bound.
func BuildQuery(after time.Time) string {
	return fmt.Sprintf("(%s) after:%d", strings.Join(billingQueryTerms, " OR "), after.Unix())
}

// GmailSource implements Source over the Gmail API for a single mailbox.
type GmailSource struct {
	svc *gmailapi.Service
}

// NewGmailSource builds a Gmail-backed source from an OAuth2 token source.
func NewGmailSource(ctx context.Context, ts oauth2.TokenSource) (*GmailSource, error) {
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return &GmailSource{svc: svc}, nil
}

// ListMessageIDs pages through the mailbox until max IDs are collected or the
// provider runs out of pages.
func (g *GmailSource) ListMessageIDs(ctx context.Context, query string, max int64) ([]string, error) {
	var ids []string
	pageToken := ""
	for {
		call := g.svc.Users.Messages.List("me").Q(query).MaxResults(500).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		for _, m := range resp.Messages {
			ids = append(ids, m.Id)
			if int64(len(ids)) >= max {
				return ids, nil
			}
		}
		if resp.NextPageToken == "" {
			return ids, nil
		}
		pageToken = resp.NextPageToken
	}
}

// GetMessage fetches the full message, decodes its text bodies and extracts
// text from PDF attachments.
func (g *GmailSource) GetMessage(ctx context.Context, id string) (*Message, error) {
	raw, err := g.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	if raw.Payload == nil {
		return nil, fmt.Errorf("message %s has no payload", id)
	}

	var plain, htmlText strings.Builder
	var attachmentParts []*gmailapi.MessagePart
	flattenParts(raw.Payload, &plain, &htmlText, &attachmentParts)

	text := strings.TrimSpace(plain.String())
	if text == "" {
		text = stripHTML(htmlText.String())
	}

	msg := &Message{
		ID:      id,
		From:    headerValue(raw.Payload.Headers, "From"),
		Subject: headerValue(raw.Payload.Headers, "Subject"),
		Snippet: raw.Snippet,
		Date:    time.UnixMilli(raw.InternalDate),
		Text:    text,
	}

	var attachmentText strings.Builder
	for _, part := range attachmentParts {
		msg.AttachmentNames = append(msg.AttachmentNames, part.Filename)
		if !strings.HasSuffix(strings.ToLower(part.Filename), ".pdf") {
			continue
		}
		data, err := g.attachmentData(ctx, id, part)
		if err != nil {
			// A broken attachment never fails the message fetch.
			continue
		}
		if pdfText, err := PDFText(data); err == nil {
			attachmentText.WriteString(pdfText)
			attachmentText.WriteString("\n")
		}
	}
	msg.AttachmentText = strings.TrimSpace(attachmentText.String())

	return msg, nil
}

func (g *GmailSource) attachmentData(ctx context.Context, messageID string, part *gmailapi.MessagePart) ([]byte, error) {
	if part.Body == nil {
		return nil, fmt.Errorf("attachment %s has no body", part.Filename)
	}
	if part.Body.Data != "" {
		return []byte(decodeBody(part.Body.Data)), nil
	}
	att, err := g.svc.Users.Messages.Attachments.Get("me", messageID, part.Body.AttachmentId).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	return []byte(decodeBody(att.Data)), nil
}

// TokenSourceFunc resolves the OAuth2 token source for a user.
type TokenSourceFunc func(ctx context.Context, userID string) (oauth2.TokenSource, error)

// GmailFactory builds per-user Gmail sources from externally managed tokens.
type GmailFactory struct {
	Tokens TokenSourceFunc
}

// SourceForUser opens a Gmail source for the user's mailbox.
func (f *GmailFactory) SourceForUser(ctx context.Context, userID string) (Source, error) {
	if f.Tokens == nil {
		return nil, fmt.Errorf("gmail token source not configured")
	}
	ts, err := f.Tokens(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve token for user %s: %w", userID, err)
	}
	return NewGmailSource(ctx, ts)
}

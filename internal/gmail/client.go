package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

const me = "me"

// Client wraps the gmail.Service and provides the calls the reply pipeline needs.
// Every call is bounded by Timeout when it is positive.
type Client struct {
	Service *gmail.Service
	Timeout time.Duration
}

// NewClient creates a new Gmail client
func NewClient(service *gmail.Service, timeout time.Duration) *Client {
	return &Client{Service: service, Timeout: timeout}
}

// Message represents a Gmail message with extracted content
type Message struct {
	ID              string
	ThreadID        string
	Subject         string
	From            string
	MessageIDHeader string
	References      string
	Labels          []string
	Body            *BodyPart
}

// HasLabel reports whether the message carries the label id
func (m *Message) HasLabel(label string) bool {
	return m != nil && containsLabel(m.Labels, label)
}

// HistoryPage is one page of users.history.list restricted to added messages
type HistoryPage struct {
	MessageIDs    []string
	HistoryID     uint64
	NextPageToken string
}

// WatchResult is the provider acknowledgment of a watch registration
type WatchResult struct {
	HistoryID  uint64
	Expiration int64
}

func (c *Client) ready() error {
	if c == nil || c.Service == nil {
		return fmt.Errorf("gmail client not initialized")
	}
	return nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.Timeout > 0 {
		return context.WithTimeout(ctx, c.Timeout)
	}
	return context.WithCancel(ctx)
}

// GetMessage retrieves a message in full format and extracts its content
func (c *Client) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg, err := c.Service.Users.Messages.Get(me, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get message %s: %w", id, err)
	}
	return messageFromAPI(msg), nil
}

// GetLabels re-reads the current label ids of a message
func (c *Client) GetLabels(ctx context.Context, id string) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	msg, err := c.Service.Users.Messages.Get(me, id).Format("minimal").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("get labels %s: %w", id, err)
	}
	if msg.LabelIds == nil {
		return []string{}, nil
	}
	return msg.LabelIds, nil
}

// MarkAsRead marks a message as read
func (c *Client) MarkAsRead(ctx context.Context, messageID string) error {
	if err := c.ready(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	modifyRequest := &gmail.ModifyMessageRequest{
		RemoveLabelIds: []string{"UNREAD"},
	}
	if _, err := c.Service.Users.Messages.Modify(me, messageID, modifyRequest).Context(ctx).Do(); err != nil {
		return fmt.Errorf("mark as read %s: %w", messageID, err)
	}
	return nil
}

// SendMessage sends a raw RFC 5322 message, optionally inside a thread
func (c *Client) SendMessage(ctx context.Context, raw []byte, threadID string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	message := &gmail.Message{
		Raw:      base64.URLEncoding.EncodeToString(raw),
		ThreadId: threadID,
	}
	sent, err := c.Service.Users.Messages.Send(me, message).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	return sent.Id, nil
}

// ListHistory returns one page of messageAdded history after startHistoryID
func (c *Client) ListHistory(ctx context.Context, startHistoryID uint64, pageToken string) (*HistoryPage, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	call := c.Service.Users.History.List(me).
		StartHistoryId(startHistoryID).
		HistoryTypes("messageAdded").
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}
	res, err := call.Do()
	if err != nil {
		return nil, fmt.Errorf("list history from %d: %w", startHistoryID, err)
	}

	page := &HistoryPage{HistoryID: res.HistoryId, NextPageToken: res.NextPageToken}
	for _, h := range res.History {
		if h == nil {
			continue
		}
		for _, added := range h.MessagesAdded {
			if added == nil || added.Message == nil || added.Message.Id == "" {
				continue
			}
			page.MessageIDs = append(page.MessageIDs, added.Message.Id)
		}
	}
	return page, nil
}

// Watch registers push notifications for the given labels to a Pub/Sub topic
func (c *Client) Watch(ctx context.Context, topic string, labelIDs []string) (*WatchResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(topic) == "" {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	req := &gmail.WatchRequest{TopicName: topic, LabelIds: labelIDs}
	res, err := c.Service.Users.Watch(me, req).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	return &WatchResult{HistoryID: res.HistoryId, Expiration: res.Expiration}, nil
}

// Stop cancels push notifications for the mailbox
func (c *Client) Stop(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	if err := c.Service.Users.Stop(me).Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop watch: %w", err)
	}
	return nil
}

// IsNotFound reports whether err is a Gmail 404. history.list answers 404 when
// the start history id is too old.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// StatusCode returns the Google API HTTP status carried by err, or 0
func StatusCode(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func messageFromAPI(msg *gmail.Message) *Message {
	m := &Message{
		ID:              msg.Id,
		ThreadID:        msg.ThreadId,
		Subject:         extractHeader(msg, "Subject"),
		From:            extractHeader(msg, "From"),
		MessageIDHeader: extractHeader(msg, "Message-ID"),
		References:      extractHeader(msg, "References"),
		Labels:          extractLabels(msg),
		Body:            BodyFromPayload(msg.Payload),
	}
	return m
}

// Helper functions
func extractHeader(msg *gmail.Message, name string) string {
	if msg.Payload == nil {
		return ""
	}
	return partHeader(msg.Payload, name)
}

func extractLabels(msg *gmail.Message) []string {
	if msg.LabelIds == nil {
		return []string{}
	}
	return msg.LabelIds
}

func containsLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

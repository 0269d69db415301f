package services

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Notification is a decoded Gmail push: the mailbox and its reported history id
type Notification struct {
	AccountIdentifier string
	ReportedCursor    uint64
}

// PushEnvelope is the Pub/Sub push request carrying a Notification
type PushEnvelope struct {
	Notification Notification
	MessageID    string
	Subscription string
}

type pushRequest struct {
	Message *struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type gmailPayload struct {
	EmailAddress string          `json:"emailAddress"`
	HistoryID    json.RawMessage `json:"historyId"`
}

// DefaultMaxPushBytes bounds the push request body
const DefaultMaxPushBytes = 1 << 20

// DecodePushRequest parses the outer Pub/Sub envelope and its inner payload
func DecodePushRequest(r io.Reader, maxBytes int64) (*PushEnvelope, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPushBytes
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrMalformedNotification, err)
	}
	if int64(len(body)) > maxBytes {
		return nil, fmt.Errorf("%w: body exceeds %d bytes", ErrMalformedNotification, maxBytes)
	}

	var req pushRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %w", ErrMalformedNotification, err)
	}
	if req.Message == nil || strings.TrimSpace(req.Message.Data) == "" {
		return nil, fmt.Errorf("%w: missing message.data", ErrMalformedNotification)
	}

	n, err := DecodeNotification([]byte(req.Message.Data))
	if err != nil {
		return nil, err
	}
	return &PushEnvelope{Notification: n, MessageID: req.Message.MessageID, Subscription: req.Subscription}, nil
}

// DecodeNotification decodes base64 JSON {"emailAddress": ..., "historyId": ...}.
// historyId may be a JSON number or a numeric string.
func DecodeNotification(data []byte) (Notification, error) {
	raw, err := decodeBase64(strings.TrimSpace(string(data)))
	if err != nil {
		return Notification{}, fmt.Errorf("%w: invalid base64: %w", ErrMalformedNotification, err)
	}

	var p gmailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Notification{}, fmt.Errorf("%w: invalid payload: %w", ErrMalformedNotification, err)
	}
	email := strings.TrimSpace(p.EmailAddress)
	if email == "" {
		return Notification{}, fmt.Errorf("%w: missing emailAddress", ErrMalformedNotification)
	}
	cursor, err := parseHistoryID(p.HistoryID)
	if err != nil {
		return Notification{}, fmt.Errorf("%w: %w", ErrMalformedNotification, err)
	}
	return Notification{AccountIdentifier: email, ReportedCursor: cursor}, nil
}

func decodeBase64(s string) ([]byte, error) {
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		out, err := enc.DecodeString(s)
		if err == nil {
			return out, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func parseHistoryID(raw json.RawMessage) (uint64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("missing historyId")
	}
	s := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, fmt.Errorf("invalid historyId: %w", err)
		}
	}
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid historyId %s", string(raw))
	}
	if v == 0 {
		return 0, fmt.Errorf("historyId must be positive")
	}
	return v, nil
}

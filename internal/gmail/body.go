package gmail

import (
	"encoding/base64"
	"io"
	"mime/quotedprintable"
	"strings"

	"google.golang.org/api/gmail/v1"
)

// NoBodyPlaceholder is returned when a message carries no text anywhere
const NoBodyPlaceholder = "[No body found]"

// BodyPart is a decoded node of a message content tree. A node with Parts is
// a multipart container; a node without is a leaf holding Text.
type BodyPart struct {
	MimeType string
	Text     string
	Parts    []*BodyPart
}

// IsMultipart reports whether the node is a container
func (p *BodyPart) IsMultipart() bool {
	return p != nil && (len(p.Parts) > 0 || strings.HasPrefix(strings.ToLower(p.MimeType), "multipart/"))
}

// ExtractPlainText returns the first text/plain leaf found depth-first. When
// the root has no parts its own body is used. A tree without text yields
// NoBodyPlaceholder.
func ExtractPlainText(root *BodyPart) string {
	if root == nil {
		return NoBodyPlaceholder
	}
	if len(root.Parts) == 0 {
		if strings.TrimSpace(root.Text) != "" {
			return root.Text
		}
		return NoBodyPlaceholder
	}
	if text, ok := firstPlainText(root.Parts); ok {
		return text
	}
	if strings.TrimSpace(root.Text) != "" {
		return root.Text
	}
	return NoBodyPlaceholder
}

func firstPlainText(parts []*BodyPart) (string, bool) {
	for _, p := range parts {
		if p == nil {
			continue
		}
		if p.IsMultipart() {
			if text, ok := firstPlainText(p.Parts); ok {
				return text, true
			}
			continue
		}
		if isPlainText(p.MimeType) && p.Text != "" {
			return p.Text, true
		}
	}
	return "", false
}

func isPlainText(mimeType string) bool {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt == "text/plain"
}

// BodyFromPayload converts the Gmail payload into a BodyPart tree, decoding
// base64url data and quoted-printable transfer encoding
func BodyFromPayload(part *gmail.MessagePart) *BodyPart {
	if part == nil {
		return nil
	}
	node := &BodyPart{MimeType: part.MimeType}
	if part.Body != nil && part.Body.Data != "" {
		node.Text = decodePartData(part.Body.Data, partHeader(part, "Content-Transfer-Encoding"))
	}
	for _, child := range part.Parts {
		if c := BodyFromPayload(child); c != nil {
			node.Parts = append(node.Parts, c)
		}
	}
	return node
}

func decodePartData(data, transferEncoding string) string {
	raw, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		// Gmail sometimes omits padding
		raw, err = base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
		if err != nil {
			return ""
		}
	}
	if strings.EqualFold(strings.TrimSpace(transferEncoding), "quoted-printable") {
		if decoded, err := io.ReadAll(quotedprintable.NewReader(strings.NewReader(string(raw)))); err == nil {
			return string(decoded)
		}
	}
	return string(raw)
}

func partHeader(part *gmail.MessagePart, name string) string {
	if part == nil {
		return ""
	}
	for _, h := range part.Headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

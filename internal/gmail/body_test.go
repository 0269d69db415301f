package gmail

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/gmail/v1"
)

func TestExtractPlainText_Tree(t *testing.T) {
	tests := []struct {
		name string
		root *BodyPart
		want string
	}{
		{
			name: "nil_root",
			root: nil,
			want: NoBodyPlaceholder,
		},
		{
			name: "single_part_body",
			root: &BodyPart{MimeType: "text/plain", Text: "hello"},
			want: "hello",
		},
		{
			name: "nested_multipart_single_leaf",
			root: &BodyPart{MimeType: "multipart/mixed", Parts: []*BodyPart{
				{MimeType: "multipart/related", Parts: []*BodyPart{
					{MimeType: "multipart/alternative", Parts: []*BodyPart{
						{MimeType: "text/html", Text: "<b>x</b>"},
						{MimeType: "text/plain", Text: "deep leaf"},
					}},
					{MimeType: "image/png", Text: "png"},
				}},
			}},
			want: "deep leaf",
		},
		{
			name: "first_leaf_wins_depth_first",
			root: &BodyPart{MimeType: "multipart/mixed", Parts: []*BodyPart{
				{MimeType: "multipart/alternative", Parts: []*BodyPart{
					{MimeType: "text/plain", Text: "first"},
				}},
				{MimeType: "text/plain", Text: "second"},
			}},
			want: "first",
		},
		{
			name: "charset_parameter",
			root: &BodyPart{MimeType: "multipart/alternative", Parts: []*BodyPart{
				{MimeType: "text/plain; charset=UTF-8", Text: "with charset"},
			}},
			want: "with charset",
		},
		{
			name: "no_text_anywhere",
			root: &BodyPart{MimeType: "multipart/mixed", Parts: []*BodyPart{
				{MimeType: "multipart/alternative", Parts: []*BodyPart{
					{MimeType: "text/html", Text: "<p>only html</p>"},
				}},
				{MimeType: "application/pdf", Text: "%PDF"},
			}},
			want: NoBodyPlaceholder,
		},
		{
			name: "fallback_to_top_level_body",
			root: &BodyPart{MimeType: "multipart/mixed", Text: "top", Parts: []*BodyPart{
				{MimeType: "text/html", Text: "<p>x</p>"},
			}},
			want: "top",
		},
		{
			name: "empty_single_part",
			root: &BodyPart{MimeType: "text/plain"},
			want: NoBodyPlaceholder,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractPlainText(tt.root))
		})
	}
}

func TestBodyFromPayload_Decoding(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{
				MimeType: "text/plain",
				Headers:  []*gmail.MessagePartHeader{{Name: "Content-Transfer-Encoding", Value: "quoted-printable"}},
				Body:     &gmail.MessagePartBody{Data: b64("caf=C3=A9 =3D ok")},
			},
			{
				MimeType: "text/html",
				Body:     &gmail.MessagePartBody{Data: b64("<p>x</p>")},
			},
		},
	}

	root := BodyFromPayload(payload)
	assert.True(t, root.IsMultipart())
	assert.Len(t, root.Parts, 2)
	assert.Equal(t, "café = ok", ExtractPlainText(root))
}

func TestBodyFromPayload_UnpaddedAndInvalidData(t *testing.T) {
	unpadded := &gmail.MessagePart{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "aGk"}}
	assert.Equal(t, "hi", ExtractPlainText(BodyFromPayload(unpadded)))

	invalid := &gmail.MessagePart{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: "!!!"}}
	assert.Equal(t, NoBodyPlaceholder, ExtractPlainText(BodyFromPayload(invalid)))

	assert.Nil(t, BodyFromPayload(nil))
}

package services

import (
	"context"
	"time"

	"github.com/ajramos/gizreply/internal/gmail"
	"github.com/ajramos/gizreply/pkg/auth"
	"google.golang.org/api/option"
)

// GmailMailboxFactory opens Gmail clients bound to a credential
type GmailMailboxFactory struct {
	Timeout time.Duration
	Options []option.ClientOption
}

// ForCredential builds a Gmail client using the credential's access token
func (f *GmailMailboxFactory) ForCredential(ctx context.Context, cred *Credential) (Mailbox, error) {
	svc, err := auth.NewGmailService(ctx, cred.AccessToken, f.Options...)
	if err != nil {
		return nil, err
	}
	return gmail.NewClient(svc, f.Timeout), nil
}

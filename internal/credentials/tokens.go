package credentials

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dispatch/internal/domain"
)

type TokenStore interface {
	ListActiveCredentials(ctx context.Context, provider string) ([]domain.Credential, error)
}

const tokenCacheTTL = time.Minute

// TwilioTokens maps the AccountSid of a Twilio status callback to the auth
// token that signed it: the system account's token, or the token stored in
// the tenant credential for that account.
type TwilioTokens struct {
	Store       TokenStore
	Cipher      Cipher
	SystemSID   string
	SystemToken string
	Now         func() time.Time

	mu     sync.Mutex
	cached map[string]cachedToken
}

type cachedToken struct {
	token string
	at    time.Time
}

// AuthToken returns the token for accountSID. An empty sid, or any sid when
// no system sid is configured and no tenant owns it, gets the system token.
func (t *TwilioTokens) AuthToken(ctx context.Context, accountSID string) (string, error) {
	if accountSID == "" || accountSID == t.SystemSID {
		return t.SystemToken, nil
	}
	now := t.now()
	t.mu.Lock()
	c, ok := t.cached[accountSID]
	t.mu.Unlock()
	if ok && now.Sub(c.at) < tokenCacheTTL {
		return c.token, nil
	}

	creds, err := t.Store.ListActiveCredentials(ctx, domain.ProviderTwilio)
	if err != nil {
		return "", fmt.Errorf("list twilio credentials: %w", err)
	}
	for _, cred := range creds {
		f, err := t.Cipher.Decrypt(cred.Secret)
		if err != nil || f["account_sid"] != accountSID || f["auth_token"] == "" {
			continue
		}
		t.mu.Lock()
		if t.cached == nil {
			t.cached = map[string]cachedToken{}
		}
		t.cached[accountSID] = cachedToken{token: f["auth_token"], at: now}
		t.mu.Unlock()
		return f["auth_token"], nil
	}
	if t.SystemSID == "" {
		return t.SystemToken, nil
	}
	return "", fmt.Errorf("twilio account %s: %w", accountSID, domain.ErrCredentialNotFound)
}

func (t *TwilioTokens) now() time.Time {
	if t.Now == nil {
		return time.Now()
	}
	return t.Now()
}

// Package credentials resolves the per-tenant provider credentials used by the
// send jobs and manages their lifecycle.
package credentials

import (
	"context"
	"log/slog"
	netmail "net/mail"
	"time"

	"dispatch/internal/domain"
)

type Store interface {
	FindDefaultCredential(ctx context.Context, tenantID string, ch domain.Channel) (domain.Credential, bool, error)
	GetCredential(ctx context.Context, tenantID string, id int64) (domain.Credential, bool, error)
	FindCredentialByProvider(ctx context.Context, tenantID string, ch domain.Channel, provider string) (domain.Credential, bool, error)
	ListDefaultCredentials(ctx context.Context, tenantID string) ([]domain.Credential, error)
	InsertCredential(ctx context.Context, c domain.Credential) (int64, error)
	UpdateCredentialSecret(ctx context.Context, id int64, secret []byte, active bool, now time.Time) error
	// SetDefaultCredential clears is_default on every other credential of
	// (tenantID, ch) and sets it on id, in one transaction.
	SetDefaultCredential(ctx context.Context, tenantID string, ch domain.Channel, id int64, now time.Time) error
	UpdateCredentialVerification(ctx context.Context, id int64, state, message string, now time.Time) error
}

type Resolver struct {
	Store  Store
	Cipher Cipher
	Now    func() time.Time
}

// ResolveDefault returns the active default credential for (tenantID, ch).
// A nil credential with a nil error means "use the system configuration".
func (r *Resolver) ResolveDefault(ctx context.Context, tenantID string, ch domain.Channel) (*domain.Credential, error) {
	if tenantID == "" {
		return nil, nil
	}
	c, found, err := r.Store.FindDefaultCredential(ctx, tenantID, ch)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &c, nil
}

// Decrypt never fails: an unreadable blob yields empty Fields, which callers
// treat the same as having no credential.
func (r *Resolver) Decrypt(c domain.Credential) Fields {
	f, err := r.Cipher.Decrypt(c.Secret)
	if err != nil {
		slog.Error("credential decrypt failed", "err", err, "credential_id", c.ID, "tenant_id", c.TenantID)
		return Fields{}
	}
	if f == nil {
		return Fields{}
	}
	return f
}

func (r *Resolver) SetDefault(ctx context.Context, c domain.Credential) error {
	return r.Store.SetDefaultCredential(ctx, c.TenantID, c.Channel, c.ID, r.now())
}

// ValidateStructure checks the provider specific required fields. It returns
// one message per missing field and has no side effects.
func ValidateStructure(ch domain.Channel, provider string, f Fields) []string {
	var errs []string
	need := func(key, msg string) {
		if f[key] == "" {
			errs = append(errs, msg)
		}
	}
	switch ch {
	case domain.ChannelWhatsApp, domain.ChannelSMS:
		if provider == domain.ProviderTwilio {
			need("account_sid", "account_sid is required")
			need("auth_token", "auth_token is required")
			need("from", "from number is required")
		}
	case domain.ChannelEmail:
		switch provider {
		case domain.ProviderSMTP:
			need("host", "smtp host is required")
			need("port", "smtp port is required")
			need("username", "smtp username is required")
			need("password", "smtp password is required")
			// The username doubles as the sender when it is an address.
			if f["username"] != "" && !isAddress(f["username"]) {
				needSender(f, &errs, "smtp sender address is required when username is not an email address")
			}
		case domain.ProviderSendGrid:
			need("api_key", "sendgrid api_key is required")
			needSender(f, &errs, "sendgrid sender address is required")
		}
	}
	return errs
}

// needSender requires a valid address under one of the keys the mailer reads
// its from address from.
func needSender(f Fields, errs *[]string, msg string) {
	for _, k := range []string{"address", "from_address"} {
		if v := f[k]; v != "" {
			if !isAddress(v) {
				*errs = append(*errs, k+" is not a valid email address")
			}
			return
		}
	}
	*errs = append(*errs, msg)
}

func isAddress(v string) bool {
	_, err := netmail.ParseAddress(v)
	return err == nil
}

func (r *Resolver) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

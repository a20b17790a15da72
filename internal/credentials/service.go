package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"dispatch/internal/domain"
)

const clonedVerificationMessage = "copied from master credentials; requires initial verification"

// Service manages tenant credentials: save-or-update, default selection,
// verification and provisioning of new tenants from the master tenant.
type Service struct {
	*Resolver
	MasterTenantID string
}

// Save creates or updates the credential for (tenant, channel, provider).
// Structure errors are returned as the second value and nothing is written.
func (s *Service) Save(ctx context.Context, tenantID string, req domain.SaveCredentialRequest) (domain.Credential, []string, error) {
	if errs := ValidateStructure(req.Channel, req.Provider, req.Fields); len(errs) > 0 {
		return domain.Credential{}, errs, nil
	}
	isDefault := req.IsDefault == nil || *req.IsDefault

	blob, err := s.Cipher.Encrypt(Fields(req.Fields))
	if err != nil {
		return domain.Credential{}, nil, fmt.Errorf("encrypt credential: %w", err)
	}

	now := s.now()
	existing, found, err := s.Store.FindCredentialByProvider(ctx, tenantID, req.Channel, req.Provider)
	if err != nil {
		return domain.Credential{}, nil, err
	}

	c := existing
	if found {
		if err := s.Store.UpdateCredentialSecret(ctx, existing.ID, blob, true, now); err != nil {
			return domain.Credential{}, nil, err
		}
		c.Secret = blob
		c.Active = true
	} else {
		c = domain.Credential{
			TenantID:          tenantID,
			Channel:           req.Channel,
			Provider:          req.Provider,
			Secret:            blob,
			Active:            true,
			VerificationState: domain.VerificationPending,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		id, err := s.Store.InsertCredential(ctx, c)
		if err != nil {
			return domain.Credential{}, nil, err
		}
		c.ID = id
	}

	if isDefault {
		if err := s.SetDefault(ctx, c); err != nil {
			return domain.Credential{}, nil, err
		}
		c.IsDefault = true
	}
	return c, nil, nil
}

// MakeDefault marks the tenant's credential id as the default for its channel.
func (s *Service) MakeDefault(ctx context.Context, tenantID string, id int64) (domain.Credential, error) {
	c, found, err := s.Store.GetCredential(ctx, tenantID, id)
	if err != nil {
		return domain.Credential{}, err
	}
	if !found {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}
	if err := s.SetDefault(ctx, c); err != nil {
		return domain.Credential{}, err
	}
	c.IsDefault = true
	return c, nil
}

// Verify re-checks the stored fields and records the verification outcome.
func (s *Service) Verify(ctx context.Context, tenantID string, id int64) (domain.Credential, error) {
	c, found, err := s.Store.GetCredential(ctx, tenantID, id)
	if err != nil {
		return domain.Credential{}, err
	}
	if !found {
		return domain.Credential{}, domain.ErrCredentialNotFound
	}

	state, msg := domain.VerificationVerified, "credentials verified"
	f, decErr := s.Cipher.Decrypt(c.Secret)
	switch {
	case decErr != nil:
		state, msg = domain.VerificationError, "credentials could not be decrypted"
	default:
		if errs := ValidateStructure(c.Channel, c.Provider, f); len(errs) > 0 {
			state, msg = domain.VerificationError, strings.Join(errs, "; ")
		}
	}

	now := s.now()
	if err := s.Store.UpdateCredentialVerification(ctx, c.ID, state, msg, now); err != nil {
		return domain.Credential{}, err
	}
	c.VerificationState, c.VerificationMessage, c.VerifiedAt = state, msg, &now
	return c, nil
}

// ProvisionTenant clones the master tenant's default credentials onto a newly
// created tenant. Clones start verified but flagged for confirmation. Providers
// the tenant already has are skipped, and a clone only becomes the default
// when the tenant has no default for that channel, so running it again is a
// no-op.
func (s *Service) ProvisionTenant(ctx context.Context, tenantID string) (int, error) {
	if s.MasterTenantID == "" || tenantID == s.MasterTenantID {
		return 0, nil
	}
	masters, err := s.Store.ListDefaultCredentials(ctx, s.MasterTenantID)
	if err != nil {
		return 0, err
	}
	now := s.now()
	n := 0
	for _, m := range masters {
		_, exists, err := s.Store.FindCredentialByProvider(ctx, tenantID, m.Channel, m.Provider)
		if err != nil {
			return n, err
		}
		if exists {
			continue
		}
		_, hasDefault, err := s.Store.FindDefaultCredential(ctx, tenantID, m.Channel)
		if err != nil {
			return n, err
		}

		clone := m
		clone.ID = 0
		clone.TenantID = tenantID
		clone.IsDefault = false
		clone.VerificationState = domain.VerificationVerified
		clone.VerificationMessage = clonedVerificationMessage
		clone.VerifiedAt = nil
		clone.CreatedAt, clone.UpdatedAt = now, now
		id, err := s.Store.InsertCredential(ctx, clone)
		if err != nil {
			return n, fmt.Errorf("clone credential %d: %w", m.ID, err)
		}
		clone.ID = id
		if !hasDefault {
			if err := s.SetDefault(ctx, clone); err != nil {
				return n, fmt.Errorf("default cloned credential %d: %w", id, err)
			}
		}
		n++
	}
	slog.Info("tenant credentials provisioned", "tenant_id", tenantID, "count", n)
	return n, nil
}

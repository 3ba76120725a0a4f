package sequence

import (
	"context"

	"github.com/BTreeMap/FollowUp/internal/models"
	"github.com/BTreeMap/FollowUp/internal/store"
	"github.com/BTreeMap/FollowUp/internal/util"
)

// SubjectResolver looks up the contact record behind an enrollment subject.
// Resolve returns (nil, nil) when the subject is unknown.
type SubjectResolver interface {
	Resolve(ctx context.Context, tenantID string, subject models.SubjectRef) (*models.Contact, error)
}

// StoreResolver resolves subjects from the contacts table.
type StoreResolver struct {
	repo store.ContactRepo
	settings
}

var _ SubjectResolver = (*StoreResolver)(nil)

// NewStoreResolver creates a resolver over repo.
func NewStoreResolver(repo store.ContactRepo, opts ...Option) *StoreResolver {
	return &StoreResolver{repo: repo, settings: newSettings(opts)}
}

func (r *StoreResolver) Resolve(ctx context.Context, tenantID string, subject models.SubjectRef) (*models.Contact, error) {
	return r.repo.GetContact(ctx, tenantID, subject)
}

// Upsert canonicalizes the contact's addresses and stores it.
func (r *StoreResolver) Upsert(ctx context.Context, c *models.Contact) error {
	if !c.SubjectType.Valid() || c.SubjectID == "" {
		return models.NewValidationError("Invalid subject", map[string]string{"subject_type": "must be member, visitor or prayer_request"})
	}
	if c.Email != "" {
		if !util.LooksLikeEmail(c.Email) {
			return models.NewValidationError("Invalid email address", map[string]string{"email": "must be a valid email"})
		}
		c.Email = util.CanonicalEmail(c.Email)
	}
	if c.Phone != "" {
		phone := util.E164(c.Phone)
		if phone == "" {
			return models.NewValidationError("Invalid phone number", map[string]string{"phone": "must contain digits"})
		}
		c.Phone = phone
	}
	c.UpdatedAt = r.clock()
	return r.repo.UpsertContact(ctx, c)
}

package features

import "context"

// ProfileStore persists account profiles. Save must fail with
// ErrProfileConflict when the stored revision differs from p.Revision, and
// on success must increment p.Revision.
type ProfileStore interface {
	Load(ctx context.Context, accountID string) (*Profile, error)
	Save(ctx context.Context, p *Profile) error
}

package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/nixelo/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultProvider = "default"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session identities to canonical user ids and serves the
// display profiles used for collaborator presence.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

type identityKey struct {
	provider string
	subject  string
}

// cachedIdentity remembers the canonical id and the last profile written for it.
type cachedIdentity struct {
	userID  string
	profile Profile
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveCanonicalUserID maps the session onto a canonical user id, creating the
// identity on first sight. Changed display fields are written through so
// presence enrichment reflects the latest session.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	key, ok := identityKeyFromClaims(claims)
	if !ok {
		return "", ErrInvalidIdentity
	}
	incoming := Profile{
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
	}
	email := normalize(claims.UserEmail)

	if cached, found := s.cache.Load(key); found {
		entry := cached.(cachedIdentity)
		if !profileChanged(entry.profile, incoming) {
			return entry.userID, nil
		}
	}

	db := s.db.WithContext(ctx)
	candidate := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		UserID:      key.subject,
		Email:       email,
		DisplayName: incoming.DisplayName,
		AvatarURL:   incoming.AvatarURL,
		LastSeenAt:  s.now(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
		return "", err
	}

	var identity Identity
	if err := db.Where("provider = ? AND subject = ?", key.provider, key.subject).Take(&identity).Error; err != nil {
		return "", err
	}

	updates := map[string]any{"last_seen_at": s.now()}
	if email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if incoming.DisplayName != "" && incoming.DisplayName != identity.DisplayName {
		updates["user_display_name"] = incoming.DisplayName
		identity.DisplayName = incoming.DisplayName
	}
	if incoming.AvatarURL != "" && incoming.AvatarURL != identity.AvatarURL {
		updates["user_avatar_url"] = incoming.AvatarURL
		identity.AvatarURL = incoming.AvatarURL
	}
	if len(updates) > 1 {
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", key.provider, key.subject).
			Updates(updates).Error; err != nil {
			return "", err
		}
	}

	s.cache.Store(key, cachedIdentity{
		userID:  identity.UserID,
		profile: Profile{DisplayName: identity.DisplayName, AvatarURL: identity.AvatarURL},
	})
	return identity.UserID, nil
}

// Profiles returns display profiles keyed by canonical user id. Unknown ids are
// omitted. A user with several identities gets the most recently updated one.
func (s *Service) Profiles(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	profiles := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return profiles, nil
	}

	var identities []Identity
	if err := s.db.WithContext(ctx).
		Where("user_id IN ?", userIDs).
		Order("updated_at DESC").
		Find(&identities).Error; err != nil {
		return nil, err
	}

	for _, identity := range identities {
		if _, seen := profiles[identity.UserID]; seen {
			continue
		}
		displayName := identity.DisplayName
		if displayName == "" {
			displayName = identity.Email
		}
		profiles[identity.UserID] = Profile{
			UserID:      identity.UserID,
			DisplayName: displayName,
			AvatarURL:   identity.AvatarURL,
		}
	}
	return profiles, nil
}

// identityKeyFromClaims reads "provider:subject" from the user id claim, falling
// back to the token subject and then the email under the default provider.
func identityKeyFromClaims(claims auth.SessionClaims) (identityKey, bool) {
	raw := normalize(claims.UserID)
	if provider, subject, found := strings.Cut(raw, ":"); found {
		provider, subject = normalize(provider), normalize(subject)
		if provider != "" && subject != "" {
			return identityKey{provider: provider, subject: subject}, true
		}
	}

	for _, candidate := range []string{normalize(claims.Subject), raw, normalize(claims.UserEmail)} {
		if candidate != "" {
			return identityKey{provider: defaultProvider, subject: candidate}, true
		}
	}
	return identityKey{}, false
}

// profileChanged reports whether incoming carries a non-empty field that differs from stored.
func profileChanged(stored, incoming Profile) bool {
	if incoming.DisplayName != "" && incoming.DisplayName != stored.DisplayName {
		return true
	}
	return incoming.AvatarURL != "" && incoming.AvatarURL != stored.AvatarURL
}

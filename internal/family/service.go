package family

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidMember indicates the membership input did not contain usable identifiers.
var ErrInvalidMember = errors.New("family: invalid member")

// ServiceConfig describes the dependencies required for family membership.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages families and their members, and resolves member display
// names for notification rendering.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the family service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("family: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// CreateFamily persists a new family.
func (s *Service) CreateFamily(id, name string) (Family, error) {
	if normalize(id) == "" || normalize(name) == "" {
		return Family{}, ErrInvalidMember
	}
	record := Family{ID: normalize(id), Name: normalize(name)}
	if err := s.db.Create(&record).Error; err != nil {
		return Family{}, err
	}
	return record, nil
}

// UpsertMember registers or refreshes a member of a family. Display metadata
// is updated only when the incoming value is non-empty, so a sparse refresh
// never blanks an existing name.
func (s *Service) UpsertMember(member Member) (Member, error) {
	familyID := normalize(member.FamilyID)
	userID := normalize(member.UserID)
	if familyID == "" || userID == "" {
		return Member{}, ErrInvalidMember
	}

	var existing Member
	err := s.db.
		Where("family_id = ? AND user_id = ?", familyID, userID).
		First(&existing).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		existing = Member{
			FamilyID:    familyID,
			UserID:      userID,
			DisplayName: normalize(member.DisplayName),
			AvatarURL:   normalize(member.AvatarURL),
			Role:        normalize(member.Role),
			LastSeenAt:  s.now(),
		}
		if existing.Role == "" {
			existing.Role = "member"
		}
		if err := s.db.Create(&existing).Error; err != nil {
			return Member{}, err
		}
	} else if err != nil {
		return Member{}, err
	} else {
		updates := map[string]interface{}{}
		if display := normalize(member.DisplayName); display != "" && display != existing.DisplayName {
			updates["display_name"] = display
			existing.DisplayName = display
		}
		if avatar := normalize(member.AvatarURL); avatar != "" && avatar != existing.AvatarURL {
			updates["avatar_url"] = avatar
			existing.AvatarURL = avatar
		}
		updates["last_seen_at"] = s.now()
		if len(updates) > 0 {
			_ = s.db.Model(&Member{}).
				Where("family_id = ? AND user_id = ?", familyID, userID).
				Updates(updates).
				Error
		}
	}

	s.cache.Store(cacheKey(familyID, userID), existing.DisplayName)
	return existing, nil
}

// MembersForFamily returns every member of the family.
func (s *Service) MembersForFamily(familyID string) ([]Member, error) {
	var members []Member
	if err := s.db.
		Where("family_id = ?", familyID).
		Order("display_name ASC").
		Find(&members).Error; err != nil {
		return nil, err
	}
	return members, nil
}

// Member returns a single member record.
func (s *Service) Member(familyID, userID string) (Member, error) {
	var member Member
	err := s.db.
		Where("family_id = ? AND user_id = ?", normalize(familyID), normalize(userID)).
		First(&member).
		Error
	if err != nil {
		return Member{}, err
	}
	return member, nil
}

// DisplayName resolves a member's display name, consulting the in-process
// cache before the database.
func (s *Service) DisplayName(familyID, userID string) (string, bool) {
	key := cacheKey(familyID, userID)
	if cached, ok := s.cache.Load(key); ok {
		if name, ok := cached.(string); ok && name != "" {
			return name, true
		}
	}

	var member Member
	err := s.db.
		Where("family_id = ? AND user_id = ?", familyID, userID).
		First(&member).
		Error
	if err != nil || member.DisplayName == "" {
		return "", false
	}
	s.cache.Store(key, member.DisplayName)
	return member.DisplayName, true
}

// ScopedNames returns a resolver bound to one family, satisfying the
// realtime layer's name lookup without a package dependency.
func (s *Service) ScopedNames(familyID string) *ScopedNames {
	return &ScopedNames{service: s, familyID: familyID}
}

// ScopedNames resolves display names within one family.
type ScopedNames struct {
	service  *Service
	familyID string
}

// DisplayName resolves a user's display name in the bound family.
func (n *ScopedNames) DisplayName(userID string) (string, bool) {
	return n.service.DisplayName(n.familyID, userID)
}

func cacheKey(familyID, userID string) string {
	return familyID + ":" + userID
}

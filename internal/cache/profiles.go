package cache

import (
	"context"
	"encoding/json"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
	dmservice "github.com/zhouzirui/z-tavern/dmsync/internal/service/dm"
)

const profileKeyPrefix = "dm:profile:"

// ProfileStore serves GetProfiles from the cache and forwards everything else.
// Cache errors degrade to the wrapped store.
type ProfileStore struct {
	dmservice.DurableStore
	cache Cache
	ttl   time.Duration
}

func NewProfileStore(store dmservice.DurableStore, cache Cache, ttl time.Duration) *ProfileStore {
	return &ProfileStore{DurableStore: store, cache: cache, ttl: ttl}
}

func (s *ProfileStore) GetProfiles(ctx context.Context, userIDs []string) ([]dm.Contact, error) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = profileKeyPrefix + id
	}

	cached, err := s.cache.GetMany(ctx, keys)
	if err != nil {
		log.Warnf("[cache] profile lookup failed: %v", err)
		cached = nil
	}

	out := make([]dm.Contact, 0, len(userIDs))
	missing := make([]string, 0, len(userIDs))
	for i, id := range userIDs {
		raw, ok := cached[keys[i]]
		if !ok {
			missing = append(missing, id)
			continue
		}
		var contact dm.Contact
		if err := json.Unmarshal([]byte(raw), &contact); err != nil {
			missing = append(missing, id)
			continue
		}
		out = append(out, contact)
	}
	if len(missing) == 0 {
		return out, nil
	}

	fetched, err := s.DurableStore.GetProfiles(ctx, missing)
	if err != nil {
		if len(out) > 0 {
			// serve what the cache had; the rest become placeholders upstream
			log.Warnf("[cache] profile fetch failed for %d users: %v", len(missing), err)
			return out, nil
		}
		return nil, err
	}
	for _, contact := range fetched {
		out = append(out, contact)
		payload, err := json.Marshal(contact)
		if err != nil {
			continue
		}
		if err := s.cache.Set(ctx, profileKeyPrefix+contact.UserID, string(payload), s.ttl); err != nil {
			log.Warnf("[cache] profile store failed for %s: %v", contact.UserID, err)
		}
	}
	return out, nil
}

// Invalidate drops cached profiles, for example after a profile update.
func (s *ProfileStore) Invalidate(ctx context.Context, userIDs ...string) error {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = profileKeyPrefix + id
	}
	_, err := s.cache.Del(ctx, keys...)
	return err
}

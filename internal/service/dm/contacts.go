package dm

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/zhouzirui/z-tavern/dmsync/internal/model/dm"
)

// loadContacts fetches profiles in batches. Missing or failed profiles fall back
// to placeholders so message delivery is never blocked on them.
func loadContacts(ctx context.Context, store DurableStore, userIDs []string, batchSize int) map[string]dm.Contact {
	if batchSize <= 0 {
		batchSize = len(userIDs)
	}
	contacts := make(map[string]dm.Contact, len(userIDs))
	for start := 0; start < len(userIDs); start += batchSize {
		end := min(start+batchSize, len(userIDs))
		profiles, err := store.GetProfiles(ctx, userIDs[start:end])
		if err != nil {
			log.Warnf("[dm] profile fetch failed for %d users: %v", end-start, err)
			continue
		}
		for _, p := range profiles {
			if p.DisplayName == "" {
				p.DisplayName = dm.PlaceholderName
			}
			contacts[p.UserID] = p
		}
	}
	for _, id := range userIDs {
		if _, ok := contacts[id]; !ok {
			contacts[id] = dm.PlaceholderContact(id)
		}
	}
	return contacts
}

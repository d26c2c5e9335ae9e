package views

import (
	"time"

	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

// Summary aggregates the unread notifications about one resource.
type Summary struct {
	Key         resources.ResourceKey
	UnreadCount int
	LatestType  resources.NotificationType
	LatestAt    time.Time
}

// SubjectKey returns the resource a notification is about. A ride reference
// wins over a favor reference; notifications with neither have no subject.
func SubjectKey(notification resources.Record) (resources.ResourceKey, bool) {
	switch {
	case notification.RideID != "":
		return resources.ResourceKey{Kind: resources.KindRide, ID: resources.RecordID(notification.RideID)}, true
	case notification.FavorID != "":
		return resources.ResourceKey{Kind: resources.KindFavor, ID: resources.RecordID(notification.FavorID)}, true
	default:
		return resources.ResourceKey{}, false
	}
}

// Summarize groups unread notifications by subject. The latest type and time
// only move forward on a strictly newer timestamp, so ties keep the first
// notification seen.
func Summarize(notifications []resources.Record) map[resources.ResourceKey]Summary {
	summaries := make(map[resources.ResourceKey]Summary)
	for _, notification := range notifications {
		if notification.Kind != resources.KindNotification || notification.Read {
			continue
		}
		key, ok := SubjectKey(notification)
		if !ok {
			continue
		}
		summary, seen := summaries[key]
		summary.Key = key
		summary.UnreadCount++
		if !seen || notification.CreatedAt.After(summary.LatestAt) {
			summary.LatestType = notification.NotificationType()
			summary.LatestAt = notification.CreatedAt
		}
		summaries[key] = summary
	}
	return summaries
}

// TotalUnread sums unread counts across every summary.
func TotalUnread(summaries map[resources.ResourceKey]Summary) int {
	total := 0
	for _, summary := range summaries {
		total += summary.UnreadCount
	}
	return total
}

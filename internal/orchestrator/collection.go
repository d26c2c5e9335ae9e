package orchestrator

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/townsync/internal/remote"
	"github.com/MarcoPoloResearchLab/townsync/internal/resources"
)

// ErrUnknownCollection indicates a collection name that was never registered.
var ErrUnknownCollection = errors.New("orchestrator: unknown collection")

// MirrorMode selects how absence from a remote result is interpreted.
type MirrorMode string

const (
	// MirrorFull fetches every page of the scoped collection; local records in
	// scope that the remote no longer returns are deleted.
	MirrorFull MirrorMode = "full"
	// MirrorPartial fetches a bounded window; absence means nothing.
	MirrorPartial MirrorMode = "partial"
)

const (
	defaultPageSize        = 200
	defaultPartialPageSize = 50
	newestFirst            = "created_at.desc"

	CollectionRides         = "rides"
	CollectionFavors        = "favors"
	CollectionTownHall      = "town_hall"
	CollectionConversations = "conversations"
	CollectionMessages      = "messages"
	CollectionNotifications = "notifications"
)

// Collection is one logical synced resource set.
type Collection struct {
	Name     string
	Kind     resources.Kind
	Mirror   MirrorMode
	Scope    func(user resources.UserID) remote.Filters
	PageSize int
	// Order is the backend ordering used for partial windows.
	Order string
}

func (c Collection) filters(user resources.UserID) remote.Filters {
	if c.Scope == nil {
		return remote.Filters{}
	}
	return c.Scope(user)
}

func (c Collection) validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: empty name", ErrUnknownCollection)
	}
	if c.Kind.Table() == "" {
		return fmt.Errorf("%w: %q has unknown kind %q", ErrUnknownCollection, c.Name, c.Kind)
	}
	if c.Mirror != MirrorFull && c.Mirror != MirrorPartial {
		return fmt.Errorf("%w: %q has unknown mirror mode %q", ErrUnknownCollection, c.Name, c.Mirror)
	}
	return nil
}

// DefaultCollections returns the collections the engine keeps in sync. Pass
// pageSize <= 0 to keep the built-in page sizes.
func DefaultCollections(pageSize int) []Collection {
	full := pageSize
	if full <= 0 {
		full = defaultPageSize
	}
	ownedByUser := func(user resources.UserID) remote.Filters {
		return remote.Filters{OwnerID: user}
	}
	joinedByUser := func(user resources.UserID) remote.Filters {
		return remote.Filters{ParticipantID: user}
	}
	return []Collection{
		{Name: CollectionRides, Kind: resources.KindRide, Mirror: MirrorFull, PageSize: full},
		{Name: CollectionFavors, Kind: resources.KindFavor, Mirror: MirrorFull, PageSize: full},
		{Name: CollectionTownHall, Kind: resources.KindTownHallPost, Mirror: MirrorPartial, PageSize: defaultPartialPageSize, Order: newestFirst},
		{Name: CollectionConversations, Kind: resources.KindConversation, Mirror: MirrorFull, Scope: joinedByUser, PageSize: full},
		{Name: CollectionMessages, Kind: resources.KindMessage, Mirror: MirrorPartial, PageSize: defaultPartialPageSize, Order: newestFirst},
		{Name: CollectionNotifications, Kind: resources.KindNotification, Mirror: MirrorFull, Scope: ownedByUser, PageSize: full},
	}
}

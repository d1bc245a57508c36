package reconcile

import "github.com/example/ride-feeds/internal/models"

// Action is the single list mutation strategy chosen for one event.
type Action string

const (
	ActionNone      Action = "none"
	ActionPatch     Action = "patch"
	ActionRemove    Action = "remove"
	ActionInsert    Action = "insert"
	ActionSwitchTab Action = "switch_tab"
	ActionFlag      Action = "flag"
	ActionRefresh   Action = "refresh"
)

// Causes attached to automatic tab switches.
const (
	CauseBidAccepted = "bid_accepted"
	CauseUser        = "user"
)

// Input is everything Decide looks at for one ride event.
type Input struct {
	Actor models.ActorType
	Event models.EventType
	Tab   models.FeedCategory

	// Old is the ride's category before the event. OldKnown is false when
	// neither the payload's old image nor local state could tell.
	Old      models.FeedCategory
	OldKnown bool
	New      models.FeedCategory

	InList   bool // the ride is in the active tab's local list
	Involved bool // the ride names the actor or the actor bid on it
}

// Decision is the outcome of Decide. Flag is the tab to mark as having new
// data; SwitchTo and Cause are set for ActionSwitchTab.
type Decision struct {
	Action   Action
	Flag     models.FeedCategory
	SwitchTo models.FeedCategory
	Cause    string
}

// Decide picks exactly one action for a ride event.
func Decide(in Input) Decision {
	wasInTab := in.InList || (in.OldKnown && in.Old == in.Tab)

	if in.Actor == models.ActorDriver && in.Tab == models.CategoryMyBids &&
		wasInTab && in.New == models.CategoryInProgress {
		return Decision{Action: ActionSwitchTab, SwitchTo: models.CategoryInProgress, Cause: CauseBidAccepted}
	}

	if in.New != models.CategoryNone && in.New == in.Tab {
		if in.InList {
			return Decision{Action: ActionPatch}
		}
		return Decision{Action: ActionInsert}
	}

	if in.InList {
		return Decision{Action: ActionRemove, Flag: in.New}
	}

	if in.New != models.CategoryNone {
		return Decision{Action: ActionFlag, Flag: in.New}
	}

	// Ours, but unclassifiable and nothing to compare against.
	if in.Event != models.EventInsert && in.Involved && !in.OldKnown {
		return Decision{Action: ActionRefresh}
	}
	return Decision{Action: ActionNone}
}

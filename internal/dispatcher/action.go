package dispatcher

// Action is a capability the backend may invoke.
type Action int

const (
	ActionUnknown Action = iota
	ActionGetSession
	ActionFetchWardrobe
	ActionFetchUsers
	ActionAPICall
	ActionPublishListing
	ActionUpdateListing
	ActionDeleteListing
	ActionBatch
	ActionCheckExtension
)

var actionNames = [...]string{
	ActionUnknown:        "unknown",
	ActionGetSession:     "getSession",
	ActionFetchWardrobe:  "fetchWardrobe",
	ActionFetchUsers:     "fetchUsers",
	ActionAPICall:        "apiCall",
	ActionPublishListing: "publishListing",
	ActionUpdateListing:  "updateListing",
	ActionDeleteListing:  "deleteListing",
	ActionBatch:          "batch",
	ActionCheckExtension: "checkExtension",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		if Action(a) != ActionUnknown {
			m[name] = Action(a)
		}
	}
	return m
}()

func (a Action) String() string {
	if a < 0 || int(a) >= len(actionNames) {
		return actionNames[ActionUnknown]
	}
	return actionNames[a]
}

// ParseAction maps a wire action name to an Action; unrecognised names
// yield ActionUnknown.
func ParseAction(name string) Action {
	if a, ok := actionsByName[name]; ok {
		return a
	}
	return ActionUnknown
}

// Actions lists every known action.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames)-1)
	for a := ActionUnknown + 1; int(a) < len(actionNames); a++ {
		out = append(out, a)
	}
	return out
}

package capability

// Actions the engine gates behind operator capabilities.
const (
	ActionRunDispatch      = "dispatch:run"
	ActionOverrideDispatch = "dispatch:override"
	ActionViewBookStatus   = "book:status"
)

// Checker answers whether an actor may perform an action. Role semantics
// live in configuration, not in business logic.
type Checker interface {
	Allows(role, action string) bool
}

// StaticChecker resolves capabilities from a role -> actions map loaded at
// startup.
type StaticChecker struct {
	grants map[string]map[string]bool
}

// NewStaticChecker builds a checker from configuration. A role granted "*"
// may perform every action.
func NewStaticChecker(roles map[string][]string) *StaticChecker {
	grants := make(map[string]map[string]bool, len(roles))
	for role, actions := range roles {
		set := make(map[string]bool, len(actions))
		for _, a := range actions {
			set[a] = true
		}
		grants[role] = set
	}
	return &StaticChecker{grants: grants}
}

// Allows reports whether the role is granted the action.
func (c *StaticChecker) Allows(role, action string) bool {
	set, ok := c.grants[role]
	if !ok {
		return false
	}
	return set["*"] || set[action]
}

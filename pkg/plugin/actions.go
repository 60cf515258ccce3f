package plugin

// Action is a link offered for a plugin row.
type Action struct {
	Label     string    `json:"label"`
	Operation Operation `json:"operation"`
}

// actionTable maps each known state to the actions rendered for it, in order.
// A state missing here gets no actions; TestActionTableCoversKnownStates keeps
// it in step with KnownStates.
var actionTable = map[State][]Action{
	StateAvailable: {
		{Label: "Install", Operation: OperationInstall},
	},
	StateInstalled: {
		{Label: "Uninstall", Operation: OperationUninstall},
	},
	StateUpdateAvailable: {
		{Label: "Update", Operation: OperationUpdate},
		{Label: "Uninstall", Operation: OperationUninstall},
	},
}

// ActionsFor returns the actions available for a plugin in state s.
func ActionsFor(s State) []Action {
	actions := actionTable[s]
	if len(actions) == 0 {
		return nil
	}
	out := make([]Action, len(actions))
	copy(out, actions)
	return out
}

// Allows reports whether op is offered for a plugin in state s.
func Allows(s State, op Operation) bool {
	for _, action := range actionTable[s] {
		if action.Operation == op {
			return true
		}
	}
	return false
}

package plugin

import "strings"

// State is the server-reported lifecycle position of a plugin release.
type State string

const (
	// StateAvailable plugins can be installed.
	StateAvailable State = "AVAILABLE"
	// StateInstalled plugins can be uninstalled.
	StateInstalled State = "INSTALLED"
	// StateUpdateAvailable plugins are installed and a newer release exists.
	StateUpdateAvailable State = "UPDATE_AVAILABLE"
)

// KnownStates lists every state the console acts upon.
func KnownStates() []State {
	return []State{StateAvailable, StateInstalled, StateUpdateAvailable}
}

// Known reports whether the console offers operations for s. The server may
// report other states; those are carried through untouched.
func (s State) Known() bool {
	switch s {
	case StateAvailable, StateInstalled, StateUpdateAvailable:
		return true
	default:
		return false
	}
}

// Record is a single entry of the plugin overview.
type Record struct {
	GroupID     string `json:"groupId"`
	ArtifactID  string `json:"artifactId"`
	Version     string `json:"version"`
	Name        string `json:"name"`
	Author      string `json:"author,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
	State       State  `json:"state"`
}

// ID returns the identifier used to correlate actions and events for the record.
func (r Record) ID() string {
	return Identify(r)
}

// Identify derives the plugin identifier "groupId:artifactId:version".
// All three coordinates are expected to be present; no validation is done.
func Identify(r Record) string {
	return strings.Join([]string{r.GroupID, r.ArtifactID, r.Version}, ":")
}

// Operation is one of the mutating lifecycle calls a plugin supports.
type Operation string

const (
	OperationInstall   Operation = "install"
	OperationUninstall Operation = "uninstall"
	OperationUpdate    Operation = "update"
)

// Operations lists every lifecycle operation.
func Operations() []Operation {
	return []Operation{OperationInstall, OperationUninstall, OperationUpdate}
}

// ParseOperation converts a path segment into an Operation.
func ParseOperation(raw string) (Operation, bool) {
	op := Operation(strings.ToLower(strings.TrimSpace(raw)))
	switch op {
	case OperationInstall, OperationUninstall, OperationUpdate:
		return op, true
	default:
		return "", false
	}
}

// Endpoint returns the REST endpoint, relative to the server base URL, that
// performs the operation for pluginID.
func (o Operation) Endpoint(pluginID string) string {
	return "plugins/" + string(o) + "/" + pluginID + ".json"
}

// Extended reports whether the operation downloads artifacts and therefore
// runs with the extended timeout.
func (o Operation) Extended() bool {
	return o == OperationInstall || o == OperationUpdate
}

// EventKind returns the specific lifecycle event emitted after success.
func (o Operation) EventKind() EventKind {
	switch o {
	case OperationInstall:
		return EventInstalled
	case OperationUninstall:
		return EventUninstalled
	case OperationUpdate:
		return EventUpdated
	default:
		return EventChanged
	}
}

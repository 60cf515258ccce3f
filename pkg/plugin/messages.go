package plugin

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// OperationMessages holds the texts shown for one lifecycle operation.
type OperationMessages struct {
	Wait    string `yaml:"wait"`
	Success string `yaml:"success"`
	Failed  string `yaml:"failed"`
}

// Messages is the text catalog used by the Center.
type Messages struct {
	WaitTitle  string            `yaml:"waitTitle"`
	ErrorTitle string            `yaml:"errorTitle"`
	Restart    string            `yaml:"restart"`
	Install    OperationMessages `yaml:"install"`
	Uninstall  OperationMessages `yaml:"uninstall"`
	Update     OperationMessages `yaml:"update"`
}

// DefaultMessages returns the built-in English catalog.
func DefaultMessages() Messages {
	return Messages{
		WaitTitle:  "Please wait",
		ErrorTitle: "Error",
		Restart:    "Restart the applicationserver to activate the plugin.",
		Install: OperationMessages{
			Wait:    "Installing Plugin.",
			Success: "Plugin successfully installed",
			Failed:  "Plugin installation failed",
		},
		Uninstall: OperationMessages{
			Wait:    "Uninstalling Plugin.",
			Success: "Plugin successfully uninstalled",
			Failed:  "Plugin uninstallation failed",
		},
		Update: OperationMessages{
			Wait:    "Updating Plugin.",
			Success: "Plugin successfully updated",
			Failed:  "Plugin update failed",
		},
	}
}

// For returns the texts of op.
func (m Messages) For(op Operation) OperationMessages {
	switch op {
	case OperationInstall:
		return m.Install
	case OperationUninstall:
		return m.Uninstall
	case OperationUpdate:
		return m.Update
	default:
		return OperationMessages{}
	}
}

// Merge returns a catalog using values from other where m is empty.
func (m Messages) Merge(other Messages) Messages {
	m.WaitTitle = firstNonEmpty(m.WaitTitle, other.WaitTitle)
	m.ErrorTitle = firstNonEmpty(m.ErrorTitle, other.ErrorTitle)
	m.Restart = firstNonEmpty(m.Restart, other.Restart)
	m.Install = m.Install.merge(other.Install)
	m.Uninstall = m.Uninstall.merge(other.Uninstall)
	m.Update = m.Update.merge(other.Update)
	return m
}

func (o OperationMessages) merge(other OperationMessages) OperationMessages {
	o.Wait = firstNonEmpty(o.Wait, other.Wait)
	o.Success = firstNonEmpty(o.Success, other.Success)
	o.Failed = firstNonEmpty(o.Failed, other.Failed)
	return o
}

// LoadMessages reads a YAML catalog. Keys missing from the file keep their
// default text.
func LoadMessages(path string) (Messages, error) {
	if path == "" {
		return Messages{}, errors.New("messages path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Messages{}, fmt.Errorf("read messages: %w", err)
	}
	var m Messages
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return Messages{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	return m.Merge(DefaultMessages()), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

package plan

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"droidfleet.sh/internal/dferrors"
	"droidfleet.sh/internal/models"
)

// Manifest is a declarative test submission. Plans are the file-based
// way into the queue: checked into a repo, posted by CI, or pasted by
// hand.
type Manifest struct {
	Name       string   `yaml:"name" json:"name"`
	Devices    []string `yaml:"devices" json:"devices"`
	Scenarios  []string `yaml:"scenarios" json:"scenarios"`
	Repeat     int      `yaml:"repeat,omitempty" json:"repeat,omitempty"`
	IntervalMs int      `yaml:"intervalMs,omitempty" json:"intervalMs,omitempty"`
	Priority   int      `yaml:"priority,omitempty" json:"priority,omitempty"`
	Split      bool     `yaml:"split,omitempty" json:"split,omitempty"`
}

// ParseManifest decodes a manifest from YAML, falling back to JSON.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		if jerr := json.Unmarshal(data, &m); jerr != nil {
			return nil, dferrors.Wrapf(dferrors.ErrValidation, "manifest is neither valid YAML nor JSON: %v", err)
		}
	}
	return &m, nil
}

// Validate checks manifest fields before submission.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("plan name is required")
	}
	if len(m.Devices) == 0 {
		return fmt.Errorf("plan %q lists no devices", m.Name)
	}
	if len(m.Scenarios) == 0 {
		return fmt.Errorf("plan %q lists no scenarios", m.Name)
	}
	for _, id := range m.Devices {
		if err := models.ValidateDeviceID(id); err != nil {
			return fmt.Errorf("plan %q: %v", m.Name, err)
		}
	}
	if m.Repeat < 0 {
		return fmt.Errorf("plan %q: repeat must be >= 1", m.Name)
	}
	if m.IntervalMs < 0 {
		return fmt.Errorf("plan %q: intervalMs must be >= 0", m.Name)
	}
	if m.Priority < 0 || m.Priority > 2 {
		return fmt.Errorf("plan %q: priority must be 0..2", m.Name)
	}
	return nil
}

// Request converts the manifest into a queue submission. The userName
// defaults to plan:<name> when the caller carries no identity.
func (m *Manifest) Request(userName string) models.TestRequest {
	if userName == "" {
		userName = "plan:" + m.Name
	}
	repeat := m.Repeat
	if repeat < 1 {
		repeat = 1
	}
	return models.TestRequest{
		DeviceIDs:        m.Devices,
		ScenarioIDs:      m.Scenarios,
		RepeatCount:      repeat,
		ScenarioInterval: m.IntervalMs,
		UserName:         userName,
		Priority:         m.Priority,
		TestName:         m.Name,
		SplitExecution:   m.Split,
	}
}

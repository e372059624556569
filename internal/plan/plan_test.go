package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"droidfleet.sh/internal/dferrors"
)

const yamlManifest = `
name: nightly-smoke
devices:
  - emulator-5554
  - 192.168.1.20:5555
scenarios:
  - login-flow
  - checkout
repeat: 2
intervalMs: 500
priority: 1
split: true
`

func TestParseManifestYAML(t *testing.T) {
	m, err := ParseManifest([]byte(yamlManifest))
	require.NoError(t, err)
	assert.Equal(t, "nightly-smoke", m.Name)
	assert.Equal(t, []string{"emulator-5554", "192.168.1.20:5555"}, m.Devices)
	assert.Equal(t, []string{"login-flow", "checkout"}, m.Scenarios)
	assert.Equal(t, 2, m.Repeat)
	assert.Equal(t, 500, m.IntervalMs)
	assert.Equal(t, 1, m.Priority)
	assert.True(t, m.Split)
}

func TestParseManifestJSONFallback(t *testing.T) {
	data := []byte(`{"name":"ci-run","devices":["emulator-5554"],"scenarios":["s1"]}`)
	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, "ci-run", m.Name)
	assert.Equal(t, []string{"emulator-5554"}, m.Devices)
}

func TestParseManifestGarbage(t *testing.T) {
	_, err := ParseManifest([]byte("::\x00not a manifest"))
	require.Error(t, err)
	assert.True(t, dferrors.Is(err, dferrors.ErrValidation))
}

func TestValidate(t *testing.T) {
	base := func() *Manifest {
		return &Manifest{
			Name:      "plan",
			Devices:   []string{"emulator-5554"},
			Scenarios: []string{"s1"},
		}
	}

	assert.NoError(t, base().Validate())

	tests := []struct {
		name   string
		mutate func(*Manifest)
		want   string
	}{
		{"missing name", func(m *Manifest) { m.Name = "" }, "name is required"},
		{"no devices", func(m *Manifest) { m.Devices = nil }, "no devices"},
		{"no scenarios", func(m *Manifest) { m.Scenarios = nil }, "no scenarios"},
		{"bad device id", func(m *Manifest) { m.Devices = []string{"bad id!"} }, "device"},
		{"negative repeat", func(m *Manifest) { m.Repeat = -1 }, "repeat"},
		{"negative interval", func(m *Manifest) { m.IntervalMs = -5 }, "intervalMs"},
		{"priority out of range", func(m *Manifest) { m.Priority = 3 }, "priority"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := base()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRequestDefaults(t *testing.T) {
	m := &Manifest{
		Name:      "nightly-smoke",
		Devices:   []string{"emulator-5554"},
		Scenarios: []string{"s1"},
	}

	req := m.Request("")
	assert.Equal(t, "plan:nightly-smoke", req.UserName)
	assert.Equal(t, 1, req.RepeatCount, "repeat defaults to one run")
	assert.Equal(t, "nightly-smoke", req.TestName)

	req = m.Request("alice")
	assert.Equal(t, "alice", req.UserName, "caller identity wins over the plan default")
}

func TestRequestCarriesAllFields(t *testing.T) {
	m, err := ParseManifest([]byte(yamlManifest))
	require.NoError(t, err)

	req := m.Request("")
	assert.Equal(t, m.Devices, req.DeviceIDs)
	assert.Equal(t, m.Scenarios, req.ScenarioIDs)
	assert.Equal(t, 2, req.RepeatCount)
	assert.Equal(t, 500, req.ScenarioInterval)
	assert.Equal(t, 1, req.Priority)
	assert.True(t, req.SplitExecution)
}

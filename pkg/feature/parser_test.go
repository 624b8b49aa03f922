package feature

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const deviceFeature = `# comment
@Firmware
Feature: Device connects
  The device should connect to the broker
  after boot.

  Background:
    Given the environment is "{stackName}"

  @Slow
  Scenario: Wait for the job
    Given the Firmware CI job "{env__JOB_ID}" has completed
    Then the Firmware CI device log for job "{env__JOB_ID}" should contain
      """
      aws_iot: Connected
        indented
      """

  Scenario: Table
    * a table
      | name  | value |
      | a     | 1     |
`

func TestParse(t *testing.T) {
	f, err := Parse(strings.NewReader(deviceFeature), "device.feature")
	require.NoError(t, err)

	assert.Equal(t, "Device connects", f.Name)
	assert.Equal(t, "The device should connect to the broker\nafter boot.", f.Description)
	assert.Equal(t, []string{"@Firmware"}, f.Tags)

	require.Len(t, f.Scenarios, 2)
	wait := f.Scenarios[0]
	assert.Equal(t, "Wait for the job", wait.Name)
	assert.Equal(t, 11, wait.Line)
	assert.True(t, HasTag(wait.Tags, "slow"))
	assert.True(t, HasTag(wait.Tags, "Firmware"))
	require.Len(t, wait.Steps, 3)
	assert.Equal(t, `the environment is "{stackName}"`, wait.Steps[0].Text)
	assert.Equal(t, 8, wait.Steps[0].Line)
	assert.Equal(t, "Given", wait.Steps[1].Keyword)
	assert.False(t, wait.Steps[1].HasDocString)
	assert.Equal(t, "Then", wait.Steps[2].Keyword)
	assert.True(t, wait.Steps[2].HasDocString)
	assert.Equal(t, "aws_iot: Connected\n  indented", wait.Steps[2].DocString)
	assert.Equal(t, 13, wait.Steps[2].Line)

	table := f.Scenarios[1]
	require.Len(t, table.Steps, 2)
	assert.Equal(t, "Given", table.Steps[0].Keyword)
	assert.Equal(t, "*", table.Steps[1].Keyword)
	assert.Equal(t, [][]string{{"name", "value"}, {"a", "1"}}, table.Steps[1].Table)
}

const outlineFeature = `Feature: Firmware variants

  Scenario Outline: Flash <board>
    Given the firmware for "<board>" is built
    Then the device log should contain
      """
      booted <board>
      """

    Examples:
      | board   |
      | nrf9160 |
      | thingy91 |

  Rule: Only connected devices report

    Background:
      Given the device is connected

    Scenario: Report state
      Then the shadow is updated
`

func TestParse_OutlinesAndRules(t *testing.T) {
	f, err := Parse(strings.NewReader(outlineFeature), "variants.feature")
	require.NoError(t, err)

	require.Len(t, f.Scenarios, 3)
	first, second := f.Scenarios[0], f.Scenarios[1]
	assert.Equal(t, "Flash nrf9160", first.Name)
	assert.Equal(t, 12, first.Line)
	assert.Equal(t, `the firmware for "nrf9160" is built`, first.Steps[0].Text)
	assert.Equal(t, 4, first.Steps[0].Line)
	assert.Equal(t, "booted nrf9160", first.Steps[1].DocString)
	assert.Equal(t, "Flash thingy91", second.Name)
	assert.Equal(t, 13, second.Line)
	assert.Equal(t, "booted thingy91", second.Steps[1].DocString)

	rule := f.Scenarios[2]
	assert.Equal(t, "Report state", rule.Name)
	require.Len(t, rule.Steps, 2)
	assert.Equal(t, "the device is connected", rule.Steps[0].Text)
	assert.Equal(t, "Then", rule.Steps[1].Keyword)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		msg   string
	}{
		{"no feature", "# nothing\n", "no Feature: found"},
		{"unterminated doc string", "Feature: x\nScenario: y\n  Given a\n  \"\"\"\n  text\n", "unexpected end of file"},
		{"background after step", "Feature: x\nScenario: y\n  Given a\nBackground:\n", "got 'Background:'"},
		{"free text after step", "Feature: x\nScenario: y\n  Given a\nnot a step\n", "got 'not a step'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.input), "bad.feature")
			require.Error(t, err)
			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "bad.feature", pe.File)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.feature"), []byte("Feature: B\nScenario: s\n  Given x\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "a.feature"), []byte("Feature: A\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.md"), []byte("# no"), 0o644))

	paths, err := Discover(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "b.feature"),
		filepath.Join(dir, "nested", "a.feature"),
	}, paths)

	features, err := Load(dir)
	require.NoError(t, err)
	require.Len(t, features, 2)
	assert.Equal(t, "B", features[0].Name)
	assert.Equal(t, "A", features[1].Name)
}

func TestLoad_Empty(t *testing.T) {
	_, err := Load(t.TempDir())
	assert.ErrorContains(t, err, "no .feature files found")
}

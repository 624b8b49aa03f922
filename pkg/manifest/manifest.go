// Package manifest provides loading and validation of fwci CI manifests.
//
// A CI manifest is a YAML or JSON file that overrides the parameters of the
// hardware test job (target board, network mode, log patterns, timeout) and
// of the FOTA update injected while the job runs. Every field is optional;
// unset fields fall back to the built-in defaults.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	job:
//	  target: nrf9160dk_nrf9160ns
//	  network: ltem
//	  timeoutInMinutes: 15
//	  endOn:
//	    - "Version:     {appVersion}-upgraded"
//	    - MQTT_EVT_SUBACK
//	fota:
//	  targetBoard: 9160DK
//
// The placeholder {appVersion} in abortOn/endOn is replaced with the
// application version under test when the manifest is rendered.
package manifest

import (
	"strings"
	"time"
)

// AppVersionPlaceholder is substituted with the application version by Render.
const AppVersionPlaceholder = "{appVersion}"

// Defaults of the firmware CI job.
const (
	DefaultTarget           = "nrf9160dk_nrf9160ns"
	DefaultNetwork          = "ltem"
	DefaultSecTag           = 42
	DefaultTimeoutInMinutes = 10
	DefaultTargetBoard      = "9160DK"
	DefaultVersionSuffix    = "-upgraded"
)

// DefaultAbortOn and DefaultEndOn are the log patterns used when the
// manifest does not set any.
var (
	DefaultAbortOn = []string{
		"aws_fota: Error (-7) when trying to start firmware download",
	}
	DefaultEndOn = []string{
		"Version:     " + AppVersionPlaceholder + DefaultVersionSuffix,
		// shadow update carrying the new version
		`"appV": "` + AppVersionPlaceholder + DefaultVersionSuffix + `"`,
		"MQTT_EVT_SUBACK",
	}
)

// Manifest represents a validated CI manifest.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	Job  JobConfig  `json:"job,omitempty" yaml:"job,omitempty"`
	FOTA FOTAConfig `json:"fota,omitempty" yaml:"fota,omitempty"`
}

// JobConfig configures the primary hardware test job.
type JobConfig struct {
	Target           string   `json:"target,omitempty" yaml:"target,omitempty"`
	Network          string   `json:"network,omitempty" yaml:"network,omitempty"`
	SecTag           *int     `json:"secTag,omitempty" yaml:"secTag,omitempty"`
	TimeoutInMinutes int      `json:"timeoutInMinutes,omitempty" yaml:"timeoutInMinutes,omitempty"`
	AbortOn          []string `json:"abortOn,omitempty" yaml:"abortOn,omitempty"`
	EndOn            []string `json:"endOn,omitempty" yaml:"endOn,omitempty"`
}

// FOTAConfig configures the update injected once the device is online.
type FOTAConfig struct {
	// Enabled toggles the mid-job injector. Nil means enabled.
	Enabled       *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TargetBoard   string `json:"targetBoard,omitempty" yaml:"targetBoard,omitempty"`
	VersionSuffix string `json:"versionSuffix,omitempty" yaml:"versionSuffix,omitempty"`
}

// Default returns the built-in manifest with defaults applied.
func Default() *Manifest {
	m := &Manifest{Version: "1.0"}
	m.ApplyDefaults()
	return m
}

// ApplyDefaults fills unset optional fields with their defaults.
func (m *Manifest) ApplyDefaults() {
	if m.Version == "" {
		m.Version = "1.0"
	}
	if m.Job.Target == "" {
		m.Job.Target = DefaultTarget
	}
	if m.Job.Network == "" {
		m.Job.Network = DefaultNetwork
	}
	if m.Job.SecTag == nil {
		tag := DefaultSecTag
		m.Job.SecTag = &tag
	}
	if m.Job.TimeoutInMinutes == 0 {
		m.Job.TimeoutInMinutes = DefaultTimeoutInMinutes
	}
	if m.Job.AbortOn == nil {
		m.Job.AbortOn = append([]string(nil), DefaultAbortOn...)
	}
	if m.Job.EndOn == nil {
		m.Job.EndOn = append([]string(nil), DefaultEndOn...)
	}
	if m.FOTA.Enabled == nil {
		enabled := true
		m.FOTA.Enabled = &enabled
	}
	if m.FOTA.TargetBoard == "" {
		m.FOTA.TargetBoard = DefaultTargetBoard
	}
	if m.FOTA.VersionSuffix == "" {
		m.FOTA.VersionSuffix = DefaultVersionSuffix
	}
}

// Params are the rendered job parameters for one application version.
type Params struct {
	Target        string
	Network       string
	SecTag        int
	Timeout       time.Duration
	AbortOn       []string
	EndOn         []string
	FOTAEnabled   bool
	TargetBoard   string
	UpgradeTo     string
	VersionSuffix string
}

// TimeoutInMinutes returns the job timeout in whole minutes.
func (p Params) TimeoutInMinutes() int {
	return int(p.Timeout / time.Minute)
}

// Render substitutes appVersion into the log patterns and returns the
// concrete job parameters. Defaults are applied first.
func (m *Manifest) Render(appVersion string) Params {
	m.ApplyDefaults()
	r := strings.NewReplacer(AppVersionPlaceholder, appVersion)
	render := func(in []string) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			out = append(out, r.Replace(s))
		}
		return out
	}
	return Params{
		Target:        m.Job.Target,
		Network:       m.Job.Network,
		SecTag:        *m.Job.SecTag,
		Timeout:       time.Duration(m.Job.TimeoutInMinutes) * time.Minute,
		AbortOn:       render(m.Job.AbortOn),
		EndOn:         render(m.Job.EndOn),
		FOTAEnabled:   *m.FOTA.Enabled,
		TargetBoard:   m.FOTA.TargetBoard,
		UpgradeTo:     appVersion + m.FOTA.VersionSuffix,
		VersionSuffix: m.FOTA.VersionSuffix,
	}
}

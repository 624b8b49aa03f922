// Package config resolves run configuration: the required environment of a
// firmware CI run and the tunables that shape its orchestration.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes tunable overrides in the environment (FWCI_POLL_INTERVAL).
const EnvPrefix = "FWCI"

// Settings holds orchestration tunables.
type Settings struct {
	Workflow WorkflowSettings `mapstructure:"workflow"`
	PKI      PKISettings      `mapstructure:"pki"`
	Report   ReportSettings   `mapstructure:"report"`
	Logging  LoggingSettings  `mapstructure:"logging"`

	// Manifest is an optional CI job manifest path; empty uses built-in defaults.
	Manifest string `mapstructure:"manifest"`
}

type WorkflowSettings struct {
	PollInterval               time.Duration `mapstructure:"poll_interval"`
	PollTimeoutFactor          int           `mapstructure:"poll_timeout_factor"`
	InjectorDelay              time.Duration `mapstructure:"injector_delay"`
	InjectorInterval           time.Duration `mapstructure:"injector_interval"`
	CancelInjectorOnCompletion bool          `mapstructure:"cancel_injector_on_completion"`
	WorkDir                    string        `mapstructure:"work_dir"`
}

type PKISettings struct {
	CertsDir string `mapstructure:"certs_dir"`
	RootCA   string `mapstructure:"root_ca"`
}

type ReportSettings struct {
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
}

type LoggingSettings struct {
	Level string `mapstructure:"level"`
}

// SetDefaults registers default tunables on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workflow.poll_interval", "10s")
	v.SetDefault("workflow.poll_timeout_factor", 2)
	v.SetDefault("workflow.injector_delay", "60s")
	v.SetDefault("workflow.injector_interval", "10s")
	v.SetDefault("workflow.cancel_injector_on_completion", true)
	v.SetDefault("workflow.work_dir", ".")

	v.SetDefault("pki.certs_dir", "certificates")
	v.SetDefault("pki.root_ca", "ci/data/AmazonRootCA1.pem")

	v.SetDefault("report.http_timeout", "30s")

	v.SetDefault("logging.level", "info")

	v.SetDefault("manifest", "")
}

// Load builds Settings from defaults, an optional config file, FWCI_*
// environment variables and runtime overrides, in increasing precedence.
func Load(ctx context.Context, configFile string, overrides ...map[string]any) (*Settings, error) {
	_ = ctx
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindShortEnv(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	// Set has the highest precedence in viper, above env and config files.
	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	return decode(v)
}

// FromViper decodes Settings from an already-populated viper instance.
func FromViper(v *viper.Viper) (*Settings, error) {
	return decode(v)
}

func decode(v *viper.Viper) (*Settings, error) {
	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// bindShortEnv maps the documented short variable names onto nested keys.
func bindShortEnv(v *viper.Viper) {
	_ = v.BindEnv("workflow.poll_interval", EnvPrefix+"_POLL_INTERVAL")
	_ = v.BindEnv("workflow.injector_delay", EnvPrefix+"_INJECTOR_DELAY")
	_ = v.BindEnv("workflow.injector_interval", EnvPrefix+"_INJECTOR_INTERVAL")
	_ = v.BindEnv("workflow.work_dir", EnvPrefix+"_WORK_DIR")
	_ = v.BindEnv("logging.level", EnvPrefix+"_LOG_LEVEL")
	_ = v.BindEnv("manifest", EnvPrefix+"_MANIFEST")
}

// Validate rejects tunables that would stall or spin the polling loops.
func (s *Settings) Validate() error {
	if s.Workflow.PollInterval <= 0 {
		return fmt.Errorf("workflow.poll_interval must be > 0")
	}
	if s.Workflow.InjectorInterval <= 0 {
		return fmt.Errorf("workflow.injector_interval must be > 0")
	}
	if s.Workflow.InjectorDelay < 0 {
		return fmt.Errorf("workflow.injector_delay must be >= 0")
	}
	if s.Workflow.PollTimeoutFactor < 0 {
		return fmt.Errorf("workflow.poll_timeout_factor must be >= 0")
	}
	if s.Report.HTTPTimeout <= 0 {
		return fmt.Errorf("report.http_timeout must be > 0")
	}
	return nil
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	env "github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/3leaps/fwci/pkg/awsenv"
)

// Account holds the credentials of one AWS account used by a run.
type Account struct {
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID,required,notEmpty"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY,required,notEmpty"`
	Region          string `env:"AWS_REGION,required,notEmpty"`
}

// FirmwareCI is the account that owns the hardware-in-the-loop runner.
type FirmwareCI struct {
	Account
	BucketName string `env:"BUCKET_NAME,required,notEmpty"`
	DeviceID   string `env:"DEVICE_ID,required,notEmpty"`
}

// TestEnv is the account that hosts the cloud stack the device connects to.
type TestEnv struct {
	Account
	BrokerHostname string `env:"BROKER_HOSTNAME,required,notEmpty"`
	StackName      string `env:"STACK_NAME,required,notEmpty"`
}

// Environment is the immutable run configuration resolved from the process
// environment. It is built once at startup and passed to every component.
type Environment struct {
	JobID      string     `env:"JOB_ID,required,notEmpty"`
	AppVersion string     `env:"CAT_TRACKER_APP_VERSION,required,notEmpty"`
	HexFile    string     `env:"HEX_FILE"`
	FOTAFile   string     `env:"FOTA_FILE"`
	FirmwareCI FirmwareCI `envPrefix:"FIRMWARECI_"`
	TestEnv    TestEnv    `envPrefix:"TESTENV_"`
}

// Default artifact file names, relative to the working directory.
const (
	DefaultHexFile  = "firmware.hex"
	DefaultFOTAFile = "fota-upgrade.bin"
)

// MissingEnvError lists every required variable that is absent or empty.
type MissingEnvError struct {
	Vars []string
}

// Error implements the error interface.
func (e *MissingEnvError) Error() string {
	return "missing required environment variables: " + strings.Join(e.Vars, ", ")
}

// LoadEnvironment resolves the Environment from the process environment.
//
// A .env file found from the working directory upward is loaded first; values
// already present in the environment take precedence. All missing variables
// are reported at once.
func LoadEnvironment() (*Environment, error) {
	_ = EnsureDotEnv()
	return ParseEnvironment(envMap(os.Environ()))
}

// ParseEnvironment resolves the Environment from an explicit variable map.
func ParseEnvironment(vars map[string]string) (*Environment, error) {
	var e Environment
	if err := env.ParseWithOptions(&e, env.Options{Environment: vars}); err != nil {
		return nil, toMissingEnvError(err)
	}
	cwd, _ := os.Getwd()
	if strings.TrimSpace(e.HexFile) == "" {
		e.HexFile = filepath.Join(cwd, DefaultHexFile)
	}
	if strings.TrimSpace(e.FOTAFile) == "" {
		e.FOTAFile = filepath.Join(cwd, DefaultFOTAFile)
	}
	return &e, nil
}

func toMissingEnvError(err error) error {
	var aggErr env.AggregateError
	if !errors.As(err, &aggErr) {
		return err
	}
	var missing []string
	for _, e := range aggErr.Errors {
		var notSet env.VarIsNotSetError
		var empty env.EmptyVarError
		switch {
		case errors.As(e, &notSet):
			missing = append(missing, notSet.Key)
		case errors.As(e, &empty):
			missing = append(missing, empty.Key)
		default:
			return err
		}
	}
	if len(missing) == 0 {
		return err
	}
	sort.Strings(missing)
	missing = dedupe(missing)
	return &MissingEnvError{Vars: missing}
}

func dedupe(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i > 0 && sorted[i-1] == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		m[k] = v
	}
	return m
}

// HexKey is the object key of the primary firmware image.
func (e *Environment) HexKey() string {
	return e.JobID + ".hex"
}

// FOTAFilename is the object key (and file name) of the update image: the
// first 8 characters of the job id plus ".bin".
func (e *Environment) FOTAFilename() string {
	id := e.JobID
	if len(id) > 8 {
		id = id[:8]
	}
	return id + ".bin"
}

// UpgradedVersion is the version the FOTA image reports once applied.
func (e *Environment) UpgradedVersion(suffix string) string {
	return e.AppVersion + suffix
}

// FirmwareURL is the public URL of the staged primary image.
func (e *Environment) FirmwareURL() string {
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", e.FirmwareCI.BucketName, e.FirmwareCI.Region, e.HexKey())
}

// FirmwareCIAccount returns the SDK account settings of the runner account.
func (e *Environment) FirmwareCIAccount() awsenv.Account {
	return awsenv.Account{
		Region:          e.FirmwareCI.Region,
		AccessKeyID:     e.FirmwareCI.AccessKeyID,
		SecretAccessKey: e.FirmwareCI.SecretAccessKey,
	}
}

// TestEnvAccount returns the SDK account settings of the test stack account.
func (e *Environment) TestEnvAccount() awsenv.Account {
	return awsenv.Account{
		Region:          e.TestEnv.Region,
		AccessKeyID:     e.TestEnv.AccessKeyID,
		SecretAccessKey: e.TestEnv.SecretAccessKey,
	}
}

var (
	dotEnvOnce sync.Once
	dotEnvPath string
	dotEnvErr  error
)

// EnsureDotEnv loads the first .env file found from the working directory up
// to the filesystem root. Subsequent calls are no-ops.
func EnsureDotEnv() error {
	// Keep unit tests hermetic: opt in with GOTEST_LOAD_DOTENV=1.
	if runningUnderGoTest() && os.Getenv("GOTEST_LOAD_DOTENV") != "1" {
		return nil
	}
	dotEnvOnce.Do(func() {
		path, err := findDotEnv()
		if err != nil || path == "" {
			dotEnvErr = err
			return
		}
		if err := godotenv.Load(path); err != nil {
			dotEnvErr = err
			return
		}
		dotEnvPath = path
	})
	return dotEnvErr
}

// DotEnvPath returns the loaded .env path, or "".
func DotEnvPath() string {
	return dotEnvPath
}

func runningUnderGoTest() bool {
	if strings.HasSuffix(os.Args[0], ".test") {
		return true
	}
	for _, arg := range os.Args[1:] {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}
	return false
}

func findDotEnv() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		candidate := filepath.Join(wd, ".env")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		} else if err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(wd)
		if parent == wd {
			return "", nil
		}
		wd = parent
	}
}

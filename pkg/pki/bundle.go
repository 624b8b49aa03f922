package pki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Bundle is the device credential file consumed by the link monitor
// certificate manager.
type Bundle struct {
	CACert         string `json:"caCert"`
	ClientCert     string `json:"clientCert"`
	PrivateKey     string `json:"privateKey"`
	ClientID       string `json:"clientId,omitempty"`
	BrokerHostname string `json:"brokerHostname,omitempty"`
}

// Validate checks that the key material is present.
func (b *Bundle) Validate() error {
	var missing []string
	if strings.TrimSpace(b.CACert) == "" {
		missing = append(missing, "caCert")
	}
	if strings.TrimSpace(b.ClientCert) == "" {
		missing = append(missing, "clientCert")
	}
	if strings.TrimSpace(b.PrivateKey) == "" {
		missing = append(missing, "privateKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("credential bundle is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// WriteBundle writes b as indented JSON to path.
func WriteBundle(path string, b *Bundle) error {
	if b == nil {
		return errors.New("bundle is nil")
	}
	if err := b.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal bundle: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create certificates dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// ReadBundle loads a bundle written by WriteBundle.
func ReadBundle(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bundle %s: %w", path, err)
	}
	return &b, nil
}

// CredentialsSource recovers the credentials a device was scheduled with.
type CredentialsSource interface {
	DeviceCredentials(ctx context.Context, jobID string) (*Bundle, error)
}

// EnsureDeviceCredentials makes sure the bundle of deviceID exists under
// certsDir. When it does not, the credentials are read back from the job
// the device was scheduled with. Reports whether a download happened.
func EnsureDeviceCredentials(ctx context.Context, certsDir, deviceID, brokerHostname string, src CredentialsSource, logger *zap.Logger) (bool, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files := DeviceFiles(certsDir, deviceID)
	if _, err := os.Stat(files.JSON); err == nil {
		logger.Debug("device credentials exist locally", zap.String("path", files.JSON))
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat device credentials: %w", err)
	}
	if src == nil {
		return false, fmt.Errorf("device credentials %s not found and no source configured", files.JSON)
	}

	logger.Info("downloading device credentials from job", zap.String("job_id", deviceID))
	b, err := src.DeviceCredentials(ctx, deviceID)
	if err != nil {
		return false, fmt.Errorf("download device credentials: %w", err)
	}
	if b == nil {
		return false, fmt.Errorf("job %s carries no credentials", deviceID)
	}
	out := *b
	out.ClientID = deviceID
	out.BrokerHostname = brokerHostname
	if err := WriteBundle(files.JSON, &out); err != nil {
		return false, err
	}
	logger.Info("device credentials written", zap.String("path", files.JSON))
	return true, nil
}

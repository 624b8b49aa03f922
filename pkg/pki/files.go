// Package pki issues the CA and per-device certificates used by firmware CI
// devices, and writes the credential bundle the device is provisioned with.
package pki

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// CAFileLocations names the CA files inside a certificates directory.
type CAFileLocations struct {
	ID           string
	Key          string
	Cert         string
	Verification string
}

// CAFiles returns the CA file locations under certsDir.
func CAFiles(certsDir string) CAFileLocations {
	return CAFileLocations{
		ID:           filepath.Join(certsDir, "CA.id"),
		Key:          filepath.Join(certsDir, "CA.key"),
		Cert:         filepath.Join(certsDir, "CA.pem"),
		Verification: filepath.Join(certsDir, "CA.verification.pem"),
	}
}

// DeviceFileLocations names the files issued for one device.
type DeviceFileLocations struct {
	Key        string
	Cert       string
	CertWithCA string
	JSON       string
}

// DeviceFiles returns the file locations of deviceID under certsDir.
func DeviceFiles(certsDir, deviceID string) DeviceFileLocations {
	base := filepath.Join(certsDir, "device-"+deviceID)
	return DeviceFileLocations{
		Key:        base + ".key",
		Cert:       base + ".pem",
		CertWithCA: base + ".bundle.pem",
		JSON:       base + ".json",
	}
}

// All returns every location, in a stable order.
func (d DeviceFileLocations) All() []string {
	return []string{d.Key, d.Cert, d.CertWithCA, d.JSON}
}

var unsafeDirChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// CertsDir returns the certificates directory for one account and IoT
// endpoint, so that CAs of different stacks never mix.
func CertsDir(base, accountID, endpoint string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	endpoint = strings.TrimSpace(endpoint)
	if accountID == "" {
		return "", fmt.Errorf("account id is required")
	}
	if endpoint == "" {
		return "", fmt.Errorf("iot endpoint is required")
	}
	name := unsafeDirChars.ReplaceAllString(accountID+"-"+endpoint, "_")
	return filepath.Join(base, name), nil
}

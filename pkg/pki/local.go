package pki

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	caValidity     = 10 * 365 * 24 * time.Hour
	deviceValidity = 10 * 365 * 24 * time.Hour
)

// Provider issues certificates for firmware CI devices.
type Provider interface {
	// EnsureCA creates the CA unless one exists. Reports whether it was created.
	EnsureCA(ctx context.Context) (bool, error)
	// IssueDevice creates the device certificate and writes its bundle.
	IssueDevice(ctx context.Context, deviceID, brokerHostname string) (*Bundle, error)
	// RemoveDevice deletes every file issued for deviceID.
	RemoveDevice(deviceID string) error
}

// CARegistrar registers a freshly created CA with the device cloud. The
// verification certificate is signed by the CA over the registration code.
type CARegistrar interface {
	RegistrationCode(ctx context.Context) (string, error)
	RegisterCA(ctx context.Context, caPEM, verificationPEM []byte) (id string, err error)
}

// LocalProvider keeps the CA and device keys on disk under CertsDir.
type LocalProvider struct {
	CertsDir string
	// RootCA is the PEM of the broker's trust anchor, embedded in bundles.
	RootCA []byte
	// Registrar is optional; without it the CA id is its fingerprint.
	Registrar CARegistrar
	Logger    *zap.Logger

	now func() time.Time
}

var _ Provider = (*LocalProvider)(nil)

// NewLocalProvider reads the root CA from rootCAPath.
func NewLocalProvider(certsDir, rootCAPath string, registrar CARegistrar, logger *zap.Logger) (*LocalProvider, error) {
	if strings.TrimSpace(certsDir) == "" {
		return nil, errors.New("certificates directory is required")
	}
	rootCA, err := os.ReadFile(rootCAPath)
	if err != nil {
		return nil, fmt.Errorf("read root CA: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalProvider{CertsDir: certsDir, RootCA: rootCA, Registrar: registrar, Logger: logger}, nil
}

func (p *LocalProvider) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

func (p *LocalProvider) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

func (p *LocalProvider) EnsureCA(ctx context.Context) (bool, error) {
	files := CAFiles(p.CertsDir)
	if _, err := os.Stat(files.ID); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("stat CA id: %w", err)
	}
	if err := os.MkdirAll(p.CertsDir, 0o700); err != nil {
		return false, fmt.Errorf("create certificates dir: %w", err)
	}

	subject := "firmware-ci-" + uuid.NewString()
	p.logger().Info("generating CA certificate", zap.String("subject", subject))

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return false, fmt.Errorf("generate CA key: %w", err)
	}
	now := p.clock()
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{CommonName: subject},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(caValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return false, fmt.Errorf("create CA certificate: %w", err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM, err := encodeKey(key)
	if err != nil {
		return false, err
	}
	if err := os.WriteFile(files.Key, keyPEM, 0o600); err != nil {
		return false, fmt.Errorf("write CA key: %w", err)
	}
	if err := os.WriteFile(files.Cert, caPEM, 0o644); err != nil {
		return false, fmt.Errorf("write CA certificate: %w", err)
	}

	id := fingerprint(der)
	if p.Registrar != nil {
		caCert, err := x509.ParseCertificate(der)
		if err != nil {
			return false, fmt.Errorf("parse CA certificate: %w", err)
		}
		code, err := p.Registrar.RegistrationCode(ctx)
		if err != nil {
			return false, fmt.Errorf("get registration code: %w", err)
		}
		verificationPEM, _, err := p.sign(caCert, key, code, time.Hour*24)
		if err != nil {
			return false, fmt.Errorf("create verification certificate: %w", err)
		}
		if err := os.WriteFile(files.Verification, verificationPEM, 0o644); err != nil {
			return false, fmt.Errorf("write verification certificate: %w", err)
		}
		id, err = p.Registrar.RegisterCA(ctx, caPEM, verificationPEM)
		if err != nil {
			return false, fmt.Errorf("register CA: %w", err)
		}
	}

	// CA.id is written last; its presence marks a complete CA.
	if err := os.WriteFile(files.ID, []byte(id), 0o644); err != nil {
		return false, fmt.Errorf("write CA id: %w", err)
	}
	p.logger().Info("CA certificate created", zap.String("ca_id", id))
	return true, nil
}

func (p *LocalProvider) IssueDevice(ctx context.Context, deviceID, brokerHostname string) (*Bundle, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, errors.New("device id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caCert, caKey, err := p.loadCA()
	if err != nil {
		return nil, err
	}

	certPEM, keyPEM, err := p.sign(caCert, caKey, deviceID, deviceValidity)
	if err != nil {
		return nil, fmt.Errorf("create device certificate: %w", err)
	}
	caPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: caCert.Raw})
	withCA := append(append([]byte{}, certPEM...), caPEM...)

	files := DeviceFiles(p.CertsDir, deviceID)
	for path, data := range map[string][]byte{
		files.Key:        keyPEM,
		files.Cert:       certPEM,
		files.CertWithCA: withCA,
	} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return nil, fmt.Errorf("write %s: %w", path, err)
		}
	}

	b := &Bundle{
		CACert:         string(p.RootCA),
		ClientCert:     string(withCA),
		PrivateKey:     string(keyPEM),
		ClientID:       deviceID,
		BrokerHostname: brokerHostname,
	}
	if err := WriteBundle(files.JSON, b); err != nil {
		return nil, err
	}
	p.logger().Info("device certificate created", zap.String("device_id", deviceID), zap.String("bundle", files.JSON))
	return b, nil
}

func (p *LocalProvider) RemoveDevice(deviceID string) error {
	var errs []error
	for _, path := range DeviceFiles(p.CertsDir, deviceID).All() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *LocalProvider) loadCA() (*x509.Certificate, *ecdsa.PrivateKey, error) {
	files := CAFiles(p.CertsDir)
	certPEM, err := os.ReadFile(files.Cert)
	if err != nil {
		return nil, nil, fmt.Errorf("read CA certificate: %w", err)
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("%s holds no PEM certificate", files.Cert)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}

	keyPEM, err := os.ReadFile(files.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("read CA key: %w", err)
	}
	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("%s holds no PEM key", files.Key)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}
	return cert, key, nil
}

// sign issues a leaf certificate for commonName signed by the CA.
func (p *LocalProvider) sign(ca *x509.Certificate, caKey *ecdsa.PrivateKey, commonName string, validity time.Duration) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	now := p.clock()
	tmpl := &x509.Certificate{
		SerialNumber: serial(),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca, &key.PublicKey, caKey)
	if err != nil {
		return nil, nil, err
	}
	keyPEM, err = encodeKey(key)
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), keyPEM, nil
}

func encodeKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func serial() *big.Int {
	n, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return big.NewInt(time.Now().UnixNano())
	}
	return n
}

func fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

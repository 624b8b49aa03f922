package pki

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRootCA = "-----BEGIN CERTIFICATE-----\nROOT\n-----END CERTIFICATE-----\n"

func newTestProvider(t *testing.T, registrar CARegistrar) *LocalProvider {
	t.Helper()
	dir := t.TempDir()
	rootPath := filepath.Join(dir, "AmazonRootCA1.pem")
	require.NoError(t, os.WriteFile(rootPath, []byte(testRootCA), 0o644))
	p, err := NewLocalProvider(filepath.Join(dir, "certs"), rootPath, registrar, nil)
	require.NoError(t, err)
	return p
}

func parseFirstCert(t *testing.T, data []byte) *x509.Certificate {
	t.Helper()
	block, _ := pem.Decode(data)
	require.NotNil(t, block)
	cert, err := x509.ParseCertificate(block.Bytes)
	require.NoError(t, err)
	return cert
}

type fakeRegistrar struct {
	code         string
	verification []byte
	registered   int
	err          error
}

func (f *fakeRegistrar) RegistrationCode(context.Context) (string, error) {
	return f.code, nil
}

func (f *fakeRegistrar) RegisterCA(_ context.Context, _, verificationPEM []byte) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.registered++
	f.verification = verificationPEM
	return "ca-registered-id", nil
}

func TestCertsDir(t *testing.T) {
	dir, err := CertsDir("/tmp/certs", "123456789012", "abc-ats.iot.eu-west-1.amazonaws.com")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/certs/123456789012-abc-ats.iot.eu-west-1.amazonaws.com", dir)

	dir, err = CertsDir("/tmp/certs", "1", "https://host:8883/")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/certs/1-https_host_8883_", dir)

	_, err = CertsDir("/tmp", "", "x")
	assert.Error(t, err)
	_, err = CertsDir("/tmp", "x", " ")
	assert.Error(t, err)
}

func TestDeviceFiles(t *testing.T) {
	f := DeviceFiles("/c", "abc")
	assert.Equal(t, "/c/device-abc.key", f.Key)
	assert.Equal(t, "/c/device-abc.json", f.JSON)
	assert.Len(t, f.All(), 4)
	assert.Equal(t, "/c/CA.id", CAFiles("/c").ID)
}

func TestLocalProvider_EnsureCAOnce(t *testing.T) {
	p := newTestProvider(t, nil)

	created, err := p.EnsureCA(context.Background())
	require.NoError(t, err)
	assert.True(t, created)

	files := CAFiles(p.CertsDir)
	id, err := os.ReadFile(files.ID)
	require.NoError(t, err)
	assert.Len(t, string(id), 64)

	certPEM, err := os.ReadFile(files.Cert)
	require.NoError(t, err)
	ca := parseFirstCert(t, certPEM)
	assert.True(t, ca.IsCA)
	assert.Contains(t, ca.Subject.CommonName, "firmware-ci-")

	created, err = p.EnsureCA(context.Background())
	require.NoError(t, err)
	assert.False(t, created)
}

func TestLocalProvider_EnsureCAWithRegistrar(t *testing.T) {
	reg := &fakeRegistrar{code: "regcode123"}
	p := newTestProvider(t, reg)

	_, err := p.EnsureCA(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.registered)

	v := parseFirstCert(t, reg.verification)
	assert.Equal(t, "regcode123", v.Subject.CommonName)

	id, err := os.ReadFile(CAFiles(p.CertsDir).ID)
	require.NoError(t, err)
	assert.Equal(t, "ca-registered-id", string(id))
}

func TestLocalProvider_RegistrarFailureLeavesNoID(t *testing.T) {
	p := newTestProvider(t, &fakeRegistrar{code: "c", err: errors.New("denied")})

	_, err := p.EnsureCA(context.Background())
	require.ErrorContains(t, err, "register CA")

	_, statErr := os.Stat(CAFiles(p.CertsDir).ID)
	assert.True(t, errors.Is(statErr, os.ErrNotExist))
}

func TestLocalProvider_IssueAndRemoveDevice(t *testing.T) {
	p := newTestProvider(t, nil)
	ctx := context.Background()

	_, err := p.IssueDevice(ctx, "abc123ef", "broker.example.com")
	require.Error(t, err, "no CA yet")

	_, err = p.EnsureCA(ctx)
	require.NoError(t, err)

	b, err := p.IssueDevice(ctx, "abc123ef", "broker.example.com")
	require.NoError(t, err)
	assert.Equal(t, testRootCA, b.CACert)
	assert.Equal(t, "abc123ef", b.ClientID)
	assert.Equal(t, "broker.example.com", b.BrokerHostname)

	leaf := parseFirstCert(t, []byte(b.ClientCert))
	assert.Equal(t, "abc123ef", leaf.Subject.CommonName)

	caPEM, err := os.ReadFile(CAFiles(p.CertsDir).Cert)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(caPEM))
	_, err = leaf.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}})
	require.NoError(t, err)

	files := DeviceFiles(p.CertsDir, "abc123ef")
	stored, err := ReadBundle(files.JSON)
	require.NoError(t, err)
	assert.Equal(t, b, stored)

	require.NoError(t, p.RemoveDevice("abc123ef"))
	for _, path := range files.All() {
		_, err := os.Stat(path)
		assert.True(t, errors.Is(err, os.ErrNotExist), path)
	}
	require.NoError(t, p.RemoveDevice("abc123ef"))
}

type fakeCredentials struct {
	bundle *Bundle
	calls  int
}

func (f *fakeCredentials) DeviceCredentials(context.Context, string) (*Bundle, error) {
	f.calls++
	return f.bundle, nil
}

func TestEnsureDeviceCredentials(t *testing.T) {
	dir := t.TempDir()
	src := &fakeCredentials{bundle: &Bundle{CACert: "ca", ClientCert: "cert", PrivateKey: "key"}}

	downloaded, err := EnsureDeviceCredentials(context.Background(), dir, "job-1", "broker", src, nil)
	require.NoError(t, err)
	assert.True(t, downloaded)

	b, err := ReadBundle(DeviceFiles(dir, "job-1").JSON)
	require.NoError(t, err)
	assert.Equal(t, "job-1", b.ClientID)
	assert.Equal(t, "broker", b.BrokerHostname)
	assert.Equal(t, "cert", b.ClientCert)

	downloaded, err = EnsureDeviceCredentials(context.Background(), dir, "job-1", "broker", src, nil)
	require.NoError(t, err)
	assert.False(t, downloaded)
	assert.Equal(t, 1, src.calls)

	_, err = EnsureDeviceCredentials(context.Background(), dir, "job-2", "broker", nil, nil)
	assert.Error(t, err)

	_, err = EnsureDeviceCredentials(context.Background(), dir, "job-3", "broker", &fakeCredentials{bundle: &Bundle{}}, nil)
	assert.ErrorContains(t, err, "missing caCert, clientCert, privateKey")
}

type fakeIoT struct {
	registerIn *iot.RegisterCACertificateInput
	updateIn   *iot.UpdateCACertificateInput
}

func (f *fakeIoT) GetRegistrationCode(context.Context, *iot.GetRegistrationCodeInput, ...func(*iot.Options)) (*iot.GetRegistrationCodeOutput, error) {
	return &iot.GetRegistrationCodeOutput{RegistrationCode: aws.String("code-1")}, nil
}

func (f *fakeIoT) RegisterCACertificate(_ context.Context, in *iot.RegisterCACertificateInput, _ ...func(*iot.Options)) (*iot.RegisterCACertificateOutput, error) {
	f.registerIn = in
	return &iot.RegisterCACertificateOutput{CertificateId: aws.String("cert-id")}, nil
}

func (f *fakeIoT) UpdateCACertificate(_ context.Context, in *iot.UpdateCACertificateInput, _ ...func(*iot.Options)) (*iot.UpdateCACertificateOutput, error) {
	f.updateIn = in
	return &iot.UpdateCACertificateOutput{}, nil
}

func TestIoTRegistrar(t *testing.T) {
	api := &fakeIoT{}
	r := &IoTRegistrar{API: api, Stack: "asset-tracker"}

	code, err := r.RegistrationCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "code-1", code)

	id, err := r.RegisterCA(context.Background(), []byte("ca"), []byte("verify"))
	require.NoError(t, err)
	assert.Equal(t, "cert-id", id)

	assert.Equal(t, "ca", aws.ToString(api.registerIn.CaCertificate))
	require.Len(t, api.registerIn.Tags, 1)
	assert.Equal(t, StackTagKey, aws.ToString(api.registerIn.Tags[0].Key))
	assert.Equal(t, "asset-tracker", aws.ToString(api.registerIn.Tags[0].Value))
	assert.Equal(t, types.CACertificateStatusActive, api.updateIn.NewStatus)
	assert.Equal(t, types.AutoRegistrationStatusEnable, api.updateIn.NewAutoRegistrationStatus)
}

package pki

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
)

// StackTagKey tags registered CAs with the stack they belong to.
const StackTagKey = "fwci:stack"

// IoTAPI is the subset of the AWS IoT client used for CA registration.
type IoTAPI interface {
	GetRegistrationCode(ctx context.Context, params *iot.GetRegistrationCodeInput, optFns ...func(*iot.Options)) (*iot.GetRegistrationCodeOutput, error)
	RegisterCACertificate(ctx context.Context, params *iot.RegisterCACertificateInput, optFns ...func(*iot.Options)) (*iot.RegisterCACertificateOutput, error)
	UpdateCACertificate(ctx context.Context, params *iot.UpdateCACertificateInput, optFns ...func(*iot.Options)) (*iot.UpdateCACertificateOutput, error)
}

// IoTRegistrar registers CAs with AWS IoT, active and with device
// auto-registration enabled.
type IoTRegistrar struct {
	API   IoTAPI
	Stack string
}

var _ CARegistrar = (*IoTRegistrar)(nil)

func (r *IoTRegistrar) RegistrationCode(ctx context.Context) (string, error) {
	out, err := r.API.GetRegistrationCode(ctx, &iot.GetRegistrationCodeInput{})
	if err != nil {
		return "", err
	}
	code := aws.ToString(out.RegistrationCode)
	if code == "" {
		return "", fmt.Errorf("empty registration code")
	}
	return code, nil
}

func (r *IoTRegistrar) RegisterCA(ctx context.Context, caPEM, verificationPEM []byte) (string, error) {
	in := &iot.RegisterCACertificateInput{
		CaCertificate:           aws.String(string(caPEM)),
		VerificationCertificate: aws.String(string(verificationPEM)),
	}
	if r.Stack != "" {
		in.Tags = []types.Tag{{Key: aws.String(StackTagKey), Value: aws.String(r.Stack)}}
	}
	out, err := r.API.RegisterCACertificate(ctx, in)
	if err != nil {
		return "", err
	}
	id := aws.ToString(out.CertificateId)
	if id == "" {
		return "", fmt.Errorf("register CA returned no certificate id")
	}

	if _, err := r.API.UpdateCACertificate(ctx, &iot.UpdateCACertificateInput{
		CertificateId:             aws.String(id),
		NewStatus:                 types.CACertificateStatusActive,
		NewAutoRegistrationStatus: types.AutoRegistrationStatusEnable,
	}); err != nil {
		return "", fmt.Errorf("activate CA %s: %w", id, err)
	}
	return id, nil
}

package injector

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	iottypes "github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/aws/aws-sdk-go-v2/service/iotdataplane"
	dptypes "github.com/aws/aws-sdk-go-v2/service/iotdataplane/types"
)

// DataPlaneAPI is the subset of the IoT data plane client used for shadows.
type DataPlaneAPI interface {
	GetThingShadow(ctx context.Context, params *iotdataplane.GetThingShadowInput, optFns ...func(*iotdataplane.Options)) (*iotdataplane.GetThingShadowOutput, error)
}

// IoTAPI is the subset of the IoT control plane client used for FOTA jobs.
type IoTAPI interface {
	DescribeThing(ctx context.Context, params *iot.DescribeThingInput, optFns ...func(*iot.Options)) (*iot.DescribeThingOutput, error)
	CreateJob(ctx context.Context, params *iot.CreateJobInput, optFns ...func(*iot.Options)) (*iot.CreateJobOutput, error)
}

// AWSDevice reaches the device under test through AWS IoT in the test
// environment account.
type AWSDevice struct {
	Data DataPlaneAPI
	IoT  IoTAPI
}

var _ Device = (*AWSDevice)(nil)

func (d *AWSDevice) Shadow(ctx context.Context, thingName string) ([]byte, error) {
	out, err := d.Data.GetThingShadow(ctx, &iotdataplane.GetThingShadowInput{ThingName: aws.String(thingName)})
	if err != nil {
		var nf *dptypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s", ErrNotConnected, thingName)
		}
		return nil, err
	}
	return out.Payload, nil
}

func (d *AWSDevice) ThingARN(ctx context.Context, thingName string) (string, error) {
	out, err := d.IoT.DescribeThing(ctx, &iot.DescribeThingInput{ThingName: aws.String(thingName)})
	if err != nil {
		return "", err
	}
	return aws.ToString(out.ThingArn), nil
}

func (d *AWSDevice) CreateJob(ctx context.Context, job Job) error {
	_, err := d.IoT.CreateJob(ctx, &iot.CreateJobInput{
		JobId:           aws.String(job.ID),
		Targets:         []string{job.TargetARN},
		Document:        aws.String(string(job.Document)),
		Description:     aws.String(job.Description),
		TargetSelection: iottypes.TargetSelectionSnapshot,
	})
	var exists *iottypes.ResourceAlreadyExistsException
	if errors.As(err, &exists) {
		return nil
	}
	return err
}

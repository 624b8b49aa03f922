package firmwareci

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/fwci/pkg/pki"
)

const deviceARN = "arn:aws:iot:eu-west-1:123456789012:thing/ci-runner-1"

type fakeIoT struct {
	createIn  *iot.CreateJobInput
	createErr error
	cancelIn  *iot.CancelJobInput

	jobs      map[string]string // job id -> document
	jobStatus types.JobStatus
	execution *types.JobExecution
	execThing string
	execErr   error
}

func notFound() error {
	return &types.ResourceNotFoundException{Message: aws.String("not found")}
}

func (f *fakeIoT) CreateJob(_ context.Context, in *iot.CreateJobInput, _ ...func(*iot.Options)) (*iot.CreateJobOutput, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createIn = in
	if f.jobs == nil {
		f.jobs = map[string]string{}
	}
	f.jobs[aws.ToString(in.JobId)] = aws.ToString(in.Document)
	return &iot.CreateJobOutput{JobId: in.JobId}, nil
}

func (f *fakeIoT) DescribeJob(_ context.Context, in *iot.DescribeJobInput, _ ...func(*iot.Options)) (*iot.DescribeJobOutput, error) {
	if _, ok := f.jobs[aws.ToString(in.JobId)]; !ok {
		return nil, notFound()
	}
	return &iot.DescribeJobOutput{Job: &types.Job{JobId: in.JobId, Status: f.jobStatus}}, nil
}

func (f *fakeIoT) DescribeJobExecution(_ context.Context, in *iot.DescribeJobExecutionInput, _ ...func(*iot.Options)) (*iot.DescribeJobExecutionOutput, error) {
	f.execThing = aws.ToString(in.ThingName)
	if f.execErr != nil {
		return nil, f.execErr
	}
	if f.execution == nil {
		return nil, notFound()
	}
	return &iot.DescribeJobExecutionOutput{Execution: f.execution}, nil
}

func (f *fakeIoT) GetJobDocument(_ context.Context, in *iot.GetJobDocumentInput, _ ...func(*iot.Options)) (*iot.GetJobDocumentOutput, error) {
	doc, ok := f.jobs[aws.ToString(in.JobId)]
	if !ok {
		return nil, notFound()
	}
	return &iot.GetJobDocumentOutput{Document: aws.String(doc)}, nil
}

func (f *fakeIoT) CancelJob(_ context.Context, in *iot.CancelJobInput, _ ...func(*iot.Options)) (*iot.CancelJobOutput, error) {
	if _, ok := f.jobs[aws.ToString(in.JobId)]; !ok {
		return nil, notFound()
	}
	f.cancelIn = in
	return &iot.CancelJobOutput{JobId: in.JobId}, nil
}

type fakePresign struct {
	expires time.Duration
}

func (f *fakePresign) PresignGetObject(_ context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	var o s3.PresignOptions
	for _, fn := range optFns {
		fn(&o)
	}
	f.expires = o.Expires
	return &v4.PresignedHTTPRequest{URL: "https://get/" + aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key), Method: http.MethodGet}, nil
}

func (f *fakePresign) PresignPutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	return &v4.PresignedHTTPRequest{URL: "https://put/" + aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key), Method: http.MethodPut}, nil
}

func validRequest() ScheduleRequest {
	return ScheduleRequest{
		JobID:       "abc123ef-0000",
		FirmwareURL: "https://bucket.s3.eu-west-1.amazonaws.com/abc123ef-0000.hex",
		Target:      "nrf9160dk_nrf9160ns",
		Network:     "ltem",
		SecTag:      42,
		Timeout:     10 * time.Minute,
		AbortOn:     []string{"abort"},
		EndOn:       []string{"end"},
		Credentials: &pki.Bundle{CACert: "ca", ClientCert: "cert", PrivateKey: "key", ClientID: "abc123ef-0000", BrokerHostname: "broker"},
	}
}

func newService(api *fakeIoT) (*IoTService, *fakePresign) {
	p := &fakePresign{}
	return &IoTService{API: api, Presign: p, Bucket: "bucket", DeviceARN: deviceARN}, p
}

func TestIoTService_Schedule(t *testing.T) {
	api := &fakeIoT{}
	svc, presign := newService(api)

	doc, err := svc.Schedule(context.Background(), validRequest())
	require.NoError(t, err)
	assert.Equal(t, "https://get/bucket/abc123ef-0000/report.json", doc.ReportURL)
	assert.Equal(t, "https://put/bucket/abc123ef-0000/report.json", doc.ReportPublishURL)
	assert.Equal(t, 10, doc.TimeoutInMinutes)
	assert.Equal(t, DefaultReportURLExpiry, presign.expires)

	in := api.createIn
	require.NotNil(t, in)
	assert.Equal(t, []string{deviceARN}, in.Targets)
	assert.Equal(t, types.TargetSelectionSnapshot, in.TargetSelection)
	assert.Equal(t, int64(10), aws.ToInt64(in.TimeoutConfig.InProgressTimeoutInMinutes))

	var sent map[string]any
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.Document)), &sent))
	assert.Equal(t, "ltem", sent["network"])
	assert.InDelta(t, 42, sent["secTag"], 0)
	creds := sent["credentials"].(map[string]any)
	assert.Equal(t, "cert", creds["clientCert"])
	assert.NotContains(t, creds, "clientId")
	assert.NotContains(t, creds, "brokerHostname")
}

func TestIoTService_ScheduleErrors(t *testing.T) {
	req := validRequest()
	req.Credentials = nil
	svc, _ := newService(&fakeIoT{})
	_, err := svc.Schedule(context.Background(), req)
	assert.ErrorContains(t, err, "credentials")

	boom := errors.New("limit exceeded")
	svc, _ = newService(&fakeIoT{createErr: boom})
	_, err = svc.Schedule(context.Background(), validRequest())
	var subErr *SubmissionError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "abc123ef-0000", subErr.JobID)
	assert.ErrorIs(t, err, boom)
}

func TestIoTService_Describe(t *testing.T) {
	api := &fakeIoT{}
	svc, _ := newService(api)

	_, err := svc.Describe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	_, err = svc.Schedule(context.Background(), validRequest())
	require.NoError(t, err)

	job, err := svc.Describe(context.Background(), "abc123ef-0000")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "ci-runner-1", api.execThing)
	require.NotNil(t, job.Document)
	assert.Equal(t, "https://get/bucket/abc123ef-0000/report.json", job.Document.ReportURL)

	api.execution = &types.JobExecution{
		Status:        types.JobExecutionStatusSucceeded,
		StatusDetails: &types.JobExecutionStatusDetails{DetailsMap: map[string]string{"result": "ok"}},
	}
	job, err = svc.Describe(context.Background(), "abc123ef-0000")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, job.Status)
	assert.Equal(t, "ok", job.Details["result"])

	api.execution = nil
	api.jobStatus = types.JobStatusCanceled
	job, err = svc.Describe(context.Background(), "abc123ef-0000")
	require.NoError(t, err)
	assert.Equal(t, StatusCanceled, job.Status)

	api.execErr = errors.New("throttled")
	_, err = svc.Describe(context.Background(), "abc123ef-0000")
	assert.ErrorContains(t, err, "throttled")
}

func TestIoTService_CancelAndCredentials(t *testing.T) {
	api := &fakeIoT{}
	svc, _ := newService(api)

	assert.ErrorIs(t, svc.Cancel(context.Background(), "missing", "timeout"), ErrJobNotFound)

	_, err := svc.Schedule(context.Background(), validRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Cancel(context.Background(), "abc123ef-0000", "poll timeout"))
	assert.Equal(t, "poll timeout", aws.ToString(api.cancelIn.Comment))

	b, err := svc.DeviceCredentials(context.Background(), "abc123ef-0000")
	require.NoError(t, err)
	assert.Equal(t, "key", b.PrivateKey)
}

func TestExecutionStatusMapping(t *testing.T) {
	tests := map[types.JobExecutionStatus]JobStatus{
		types.JobExecutionStatusQueued:     StatusPending,
		types.JobExecutionStatusInProgress: StatusInProgress,
		types.JobExecutionStatusSucceeded:  StatusSucceeded,
		types.JobExecutionStatusFailed:     StatusFailed,
		types.JobExecutionStatusRejected:   StatusFailed,
		types.JobExecutionStatusTimedOut:   StatusTimedOut,
		types.JobExecutionStatusCanceled:   StatusCanceled,
		types.JobExecutionStatusRemoved:    StatusCanceled,
	}
	for in, want := range tests {
		assert.Equal(t, want, executionStatus(in), string(in))
	}
}

func TestJobStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusInProgress.IsTerminal())
	for _, s := range []JobStatus{StatusSucceeded, StatusFailed, StatusTimedOut, StatusCanceled} {
		assert.True(t, s.IsTerminal(), string(s))
	}
}

func TestScheduleRequest_Validate(t *testing.T) {
	req := validRequest()
	req.Timeout = 30 * time.Second
	assert.ErrorContains(t, req.Validate(), "at least one minute")

	assert.EqualError(t, ScheduleRequest{Credentials: &pki.Bundle{}}.Validate(),
		"schedule request is missing job id, firmware url, target, network")
}

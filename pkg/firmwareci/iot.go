package firmwareci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/iot"
	"github.com/aws/aws-sdk-go-v2/service/iot/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"

	"github.com/3leaps/fwci/pkg/pki"
)

// DefaultReportURLExpiry is the lifetime of the presigned report URLs.
// Seven days is the longest S3 allows for SigV4.
const DefaultReportURLExpiry = 7 * 24 * time.Hour

// IoTAPI is the subset of the AWS IoT client used for jobs.
type IoTAPI interface {
	CreateJob(ctx context.Context, params *iot.CreateJobInput, optFns ...func(*iot.Options)) (*iot.CreateJobOutput, error)
	DescribeJob(ctx context.Context, params *iot.DescribeJobInput, optFns ...func(*iot.Options)) (*iot.DescribeJobOutput, error)
	DescribeJobExecution(ctx context.Context, params *iot.DescribeJobExecutionInput, optFns ...func(*iot.Options)) (*iot.DescribeJobExecutionOutput, error)
	GetJobDocument(ctx context.Context, params *iot.GetJobDocumentInput, optFns ...func(*iot.Options)) (*iot.GetJobDocumentOutput, error)
	CancelJob(ctx context.Context, params *iot.CancelJobInput, optFns ...func(*iot.Options)) (*iot.CancelJobOutput, error)
}

// PresignAPI is implemented by *s3.PresignClient.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// IoTService runs firmware CI jobs as AWS IoT jobs targeting the CI runner
// device. The runner publishes the report to the presigned PUT URL.
type IoTService struct {
	API     IoTAPI
	Presign PresignAPI
	Bucket  string
	// DeviceARN is the thing ARN of the CI runner device.
	DeviceARN string
	Expiry    time.Duration
	Logger    *zap.Logger
}

var (
	_ Service               = (*IoTService)(nil)
	_ pki.CredentialsSource = (*IoTService)(nil)
)

// ReportKey is the object key the report of jobID is published under.
func ReportKey(jobID string) string {
	return path.Join(jobID, "report.json")
}

func (s *IoTService) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

func (s *IoTService) expiry() time.Duration {
	if s.Expiry <= 0 {
		return DefaultReportURLExpiry
	}
	return s.Expiry
}

func (s *IoTService) Schedule(ctx context.Context, req ScheduleRequest) (*JobDocument, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if s.DeviceARN == "" {
		return nil, errors.New("ci device arn is required")
	}

	key := ReportKey(req.JobID)
	withExpiry := func(o *s3.PresignOptions) { o.Expires = s.expiry() }
	get, err := s.Presign.PresignGetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.Bucket), Key: aws.String(key)}, withExpiry)
	if err != nil {
		return nil, &SubmissionError{JobID: req.JobID, Err: fmt.Errorf("presign report url: %w", err)}
	}
	put, err := s.Presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/json"),
	}, withExpiry)
	if err != nil {
		return nil, &SubmissionError{JobID: req.JobID, Err: fmt.Errorf("presign report publish url: %w", err)}
	}

	creds := *req.Credentials
	creds.ClientID = ""
	creds.BrokerHostname = ""
	doc := &JobDocument{
		ReportURL:        get.URL,
		ReportPublishURL: put.URL,
		FW:               req.FirmwareURL,
		Target:           req.Target,
		Network:          req.Network,
		SecTag:           req.SecTag,
		TimeoutInMinutes: int(req.Timeout / time.Minute),
		AbortOn:          req.AbortOn,
		EndOn:            req.EndOn,
		Credentials:      &creds,
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal job document: %w", err)
	}

	_, err = s.API.CreateJob(ctx, &iot.CreateJobInput{
		JobId:           aws.String(req.JobID),
		Targets:         []string{s.DeviceARN},
		Document:        aws.String(string(body)),
		Description:     aws.String(fmt.Sprintf("Firmware CI job %s for %s.", req.JobID, req.Target)),
		TargetSelection: types.TargetSelectionSnapshot,
		TimeoutConfig: &types.TimeoutConfig{
			InProgressTimeoutInMinutes: aws.Int64(int64(doc.TimeoutInMinutes)),
		},
	})
	if err != nil {
		return nil, &SubmissionError{JobID: req.JobID, Err: err}
	}
	s.logger().Info("job scheduled", zap.String("job_id", req.JobID), zap.String("device_arn", s.DeviceARN))
	return doc, nil
}

func (s *IoTService) Describe(ctx context.Context, jobID string) (*Job, error) {
	out, err := s.API.DescribeJob(ctx, &iot.DescribeJobInput{JobId: aws.String(jobID)})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("describe job %s: %w", jobID, err)
	}
	var jobStatus types.JobStatus
	if out.Job != nil {
		jobStatus = out.Job.Status
	}

	job := &Job{ID: jobID, Status: StatusPending}
	exec, err := s.API.DescribeJobExecution(ctx, &iot.DescribeJobExecutionInput{
		JobId:     aws.String(jobID),
		ThingName: aws.String(thingName(s.DeviceARN)),
	})
	switch {
	case err == nil && exec.Execution != nil:
		job.Status = executionStatus(exec.Execution.Status)
		if exec.Execution.StatusDetails != nil {
			job.Details = exec.Execution.StatusDetails.DetailsMap
		}
	case err != nil && !isNotFound(err):
		return nil, fmt.Errorf("describe job execution %s: %w", jobID, err)
	}
	if !job.Status.IsTerminal() && jobStatus == types.JobStatusCanceled {
		job.Status = StatusCanceled
	}

	doc, err := s.document(ctx, jobID)
	if err != nil {
		return nil, err
	}
	job.Document = doc
	return job, nil
}

func (s *IoTService) Cancel(ctx context.Context, jobID, reason string) error {
	in := &iot.CancelJobInput{JobId: aws.String(jobID), ReasonCode: aws.String("FWCI_CANCELED")}
	if reason != "" {
		in.Comment = aws.String(truncate(reason, 2028))
	}
	if _, err := s.API.CancelJob(ctx, in); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	s.logger().Info("job canceled", zap.String("job_id", jobID), zap.String("reason", reason))
	return nil
}

// DeviceCredentials reads the credentials section of the job document.
func (s *IoTService) DeviceCredentials(ctx context.Context, jobID string) (*pki.Bundle, error) {
	doc, err := s.document(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if doc.Credentials == nil {
		return nil, fmt.Errorf("job %s carries no credentials", jobID)
	}
	return doc.Credentials, nil
}

func (s *IoTService) document(ctx context.Context, jobID string) (*JobDocument, error) {
	out, err := s.API.GetJobDocument(ctx, &iot.GetJobDocumentInput{JobId: aws.String(jobID)})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, fmt.Errorf("get job document %s: %w", jobID, err)
	}
	var doc JobDocument
	if err := json.Unmarshal([]byte(aws.ToString(out.Document)), &doc); err != nil {
		return nil, fmt.Errorf("parse job document %s: %w", jobID, err)
	}
	return &doc, nil
}

func executionStatus(s types.JobExecutionStatus) JobStatus {
	switch s {
	case types.JobExecutionStatusInProgress:
		return StatusInProgress
	case types.JobExecutionStatusSucceeded:
		return StatusSucceeded
	case types.JobExecutionStatusFailed, types.JobExecutionStatusRejected:
		return StatusFailed
	case types.JobExecutionStatusTimedOut:
		return StatusTimedOut
	case types.JobExecutionStatusCanceled, types.JobExecutionStatusRemoved:
		return StatusCanceled
	}
	return StatusPending
}

func isNotFound(err error) bool {
	var nf *types.ResourceNotFoundException
	return errors.As(err, &nf)
}

// thingName extracts the thing name from "arn:aws:iot:<region>:<account>:thing/<name>".
func thingName(arn string) string {
	if i := strings.LastIndex(arn, "/"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

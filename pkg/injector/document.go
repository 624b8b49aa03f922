package injector

import "fmt"

// OperationAppFWUpdate is the FOTA job operation understood by the device.
const OperationAppFWUpdate = "app_fw_update"

// FOTADocument is the job document of the update sent to the device.
type FOTADocument struct {
	Operation   string   `json:"operation"`
	Size        int64    `json:"size"`
	Filename    string   `json:"filename"`
	Location    Location `json:"location"`
	FWVersion   string   `json:"fwversion"`
	TargetBoard string   `json:"targetBoard"`
}

// Location is where the device downloads the update image from.
type Location struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Path     string `json:"path"`
}

// BucketHost returns the legacy dash-style S3 host the device firmware
// expects, e.g. "bucket.s3-eu-west-1.amazonaws.com".
func BucketHost(bucket, region string) string {
	return fmt.Sprintf("%s.s3-%s.amazonaws.com", bucket, region)
}

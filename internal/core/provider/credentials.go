package provider

import "errors"

var (
	ErrAWSAccessKeyRequired = errors.New("AWS access key ID is required")
	ErrAWSSecretKeyRequired = errors.New("AWS secret access key is required")
)

// AWSCredentials represents static AWS access credentials.
// When both fields are empty the SDK default credential chain is used instead.
type AWSCredentials struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token,omitempty"`
}

// IsStatic reports whether any static credential material is set.
func (c AWSCredentials) IsStatic() bool {
	return c.AccessKeyID != "" || c.SecretAccessKey != ""
}

// ValidateAWSCredentials validates static credential fields.
// Empty credentials are valid and select the default chain.
func ValidateAWSCredentials(creds AWSCredentials) error {
	if !creds.IsStatic() {
		return nil
	}
	if creds.AccessKeyID == "" {
		return ErrAWSAccessKeyRequired
	}
	if creds.SecretAccessKey == "" {
		return ErrAWSSecretKeyRequired
	}
	return nil
}

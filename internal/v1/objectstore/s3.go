package objectstore

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/clipboardpush/signal-coordinator/internal/v1/metrics"
	"github.com/clipboardpush/signal-coordinator/internal/v1/registry"
)

const backendS3 = "s3"

// S3Store issues presigned PUT/GET URLs against an S3-compatible bucket
// (e.g. Cloudflare R2) using SigV4 query-string signing. No SDK is used:
// the signing algorithm is a handful of HMAC-SHA256 passes over a fixed
// canonical request, cheap enough to hand-roll and avoid an unneeded
// dependency on a feature surface (multipart, lifecycle rules, etc.) this
// coordinator never touches.
type S3Store struct {
	accountID string
	accessKey string
	secretKey string
	bucket    string
	region    string
	endpoint  string
}

// NewS3Store builds an S3Store targeting an R2-style account endpoint
// (`https://<accountID>.r2.cloudflarestorage.com`).
func NewS3Store(accountID, accessKey, secretKey, bucket string) *S3Store {
	return &S3Store{
		accountID: accountID,
		accessKey: accessKey,
		secretKey: secretKey,
		bucket:    bucket,
		region:    "auto",
		endpoint:  fmt.Sprintf("https://%s.r2.cloudflarestorage.com", accountID),
	}
}

func (s *S3Store) IssueUploadSlot(ctx context.Context, filename, contentType string) (UploadSlot, error) {
	now := time.Now().UTC()
	fileKey := fmt.Sprintf("%d_%s", registry.NowMs(), sanitizeFilename(filename))

	uploadURL, err := s.presign("PUT", fileKey, now, putURLValiditySeconds)
	if err != nil {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendS3, "issue_upload_slot", "error").Inc()
		return UploadSlot{}, err
	}
	downloadURL, err := s.presign("GET", fileKey, now, getURLValiditySeconds)
	if err != nil {
		metrics.ObjectStoreOperationsTotal.WithLabelValues(backendS3, "issue_upload_slot", "error").Inc()
		return UploadSlot{}, err
	}

	metrics.ObjectStoreOperationsTotal.WithLabelValues(backendS3, "issue_upload_slot", "ok").Inc()
	return UploadSlot{
		UploadURL:   uploadURL,
		DownloadURL: downloadURL,
		FileKey:     fileKey,
		ExpiresInS:  putURLValiditySeconds,
	}, nil
}

// Read/Write are not meaningful for the S3-compatible backend: clients talk
// to the bucket directly with the presigned URLs this issues.
func (s *S3Store) Read(ctx context.Context, fileKey string) ([]byte, string, error) {
	return nil, "", fmt.Errorf("objectstore: direct read unsupported on the s3 backend, use the presigned download_url")
}

func (s *S3Store) Write(ctx context.Context, fileKey string, data []byte, contentType string) error {
	return fmt.Errorf("objectstore: direct write unsupported on the s3 backend, use the presigned upload_url")
}

// Check reports "unhealthy" when the account ID or bucket name is empty and
// "healthy" otherwise. It makes no request to the provider, so readiness for
// this backend confirms configuration only, not connectivity.
func (s *S3Store) Check(ctx context.Context) string {
	if s.accountID == "" || s.bucket == "" {
		return "unhealthy"
	}
	return "healthy"
}

func (s *S3Store) presign(method, fileKey string, now time.Time, expiresInS int) (string, error) {
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, s.region)
	credential := fmt.Sprintf("%s/%s", s.accessKey, credentialScope)

	host := strings.TrimPrefix(s.endpoint, "https://")
	canonicalURI := "/" + s.bucket + "/" + url.PathEscape(fileKey)

	query := url.Values{}
	query.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	query.Set("X-Amz-Credential", credential)
	query.Set("X-Amz-Date", amzDate)
	query.Set("X-Amz-Expires", fmt.Sprintf("%d", expiresInS))
	query.Set("X-Amz-SignedHeaders", "host")
	canonicalQuery := query.Encode()

	canonicalHeaders := "host:" + host + "\n"
	canonicalRequest := strings.Join([]string{
		method,
		canonicalURI,
		canonicalQuery,
		canonicalHeaders,
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex(canonicalRequest),
	}, "\n")

	signingKey := s.deriveSigningKey(dateStamp)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	return fmt.Sprintf("%s%s?%s&X-Amz-Signature=%s", s.endpoint, canonicalURI, canonicalQuery, signature), nil
}

func (s *S3Store) deriveSigningKey(dateStamp string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+s.secretKey), dateStamp)
	kRegion := hmacSHA256(kDate, s.region)
	kService := hmacSHA256(kRegion, "s3")
	return hmacSHA256(kService, "aws4_request")
}

func hmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

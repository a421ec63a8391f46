package artifacts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"go.engram.dev/scm/go/emerr"
	"go.engram.dev/scm/go/emlog"
	"go.engram.dev/scm/go/emutil"
)

const (
	// DefaultMultipartThreshold switches Put to the multipart path.
	DefaultMultipartThreshold = 8 << 20
	// DefaultMultipartChunkSize is the per-part size; S3 requires >= 5 MiB.
	DefaultMultipartChunkSize = 5 << 20

	metaSHA256 = "sha256"
)

// s3API is the slice of the S3 client the store calls, pulled behind an
// interface so tests can fake it.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, in *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// ObjectConfig configures the S3-compatible backend.
type ObjectConfig struct {
	Bucket string
	// Prefix is prepended to every relative key.
	Prefix string
	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string
	Region   string
	// AccessKey/SecretKey use static credentials when set; otherwise the
	// default AWS chain applies.
	AccessKey string
	SecretKey string

	// SSE is the server-side encryption algorithm, e.g. "AES256".
	SSE string
	// StorageClass, e.g. "STANDARD_IA".
	StorageClass string
	// ACL, e.g. "private".
	ACL string

	Policy             OverwritePolicy
	MaxSizeBytes       int64
	MultipartThreshold int64
	MultipartChunkSize int64
}

func (c ObjectConfig) withDefaults() ObjectConfig {
	if c.Policy == "" {
		c.Policy = OverwriteAllow
	}
	if c.MultipartThreshold <= 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.MultipartChunkSize <= 0 {
		c.MultipartChunkSize = DefaultMultipartChunkSize
	}
	return c
}

// ObjectStore implements Store on an S3-compatible service.
type ObjectStore struct {
	cfg    ObjectConfig
	client s3API
}

// NewObjectStore builds the S3 client from the config and the ambient AWS
// environment.
func NewObjectStore(ctx context.Context, cfg ObjectConfig) (*ObjectStore, error) {
	cfg = cfg.withDefaults()
	if cfg.Bucket == "" {
		return nil, emerr.Fmt("object store requires a bucket")
	}
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, emerr.Wrapf(err, "loading AWS config")
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &ObjectStore{cfg: cfg, client: client}, nil
}

// NewObjectStoreWithClient injects a client, for tests.
func NewObjectStoreWithClient(cfg ObjectConfig, client s3API) *ObjectStore {
	return &ObjectStore{cfg: cfg.withDefaults(), client: client}
}

var _ Store = (*ObjectStore)(nil)

// key maps a URI onto the object key. Both relative paths and
// s3://<bucket>/<key> URIs are accepted.
func (s *ObjectStore) key(uri string) (string, error) {
	if rest, ok := strings.CutPrefix(uri, "s3://"); ok {
		bucket, key, found := strings.Cut(rest, "/")
		if !found || bucket != s.cfg.Bucket {
			return "", emerr.Fmt("URI %q does not address bucket %q", uri, s.cfg.Bucket)
		}
		return key, nil
	}
	rel, err := NormalizePath(uri)
	if err != nil {
		return "", err
	}
	if s.cfg.Prefix != "" {
		return strings.TrimSuffix(s.cfg.Prefix, "/") + "/" + rel, nil
	}
	return rel, nil
}

// Resolve implements Store.
func (s *ObjectStore) Resolve(uri string) (string, error) {
	key, err := s.key(uri)
	if err != nil {
		return "", err
	}
	return "s3://" + s.cfg.Bucket + "/" + key, nil
}

// Put implements Store. Content up to the multipart threshold goes through a
// single PutObject carrying metadata.sha256; larger content streams through a
// multipart upload that is aborted on any part failure.
func (s *ObjectStore) Put(ctx context.Context, uri string, r io.Reader) (Info, error) {
	key, err := s.key(uri)
	if err != nil {
		return Info{}, err
	}
	canonical := "s3://" + s.cfg.Bucket + "/" + key

	if s.cfg.Policy != OverwriteAllow {
		existing, err := s.headInfo(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return Info{}, err
		}
		if err == nil {
			switch s.cfg.Policy {
			case OverwriteDeny:
				return Info{}, ErrOverwriteDenied
			case OverwriteAllowSameHash:
				// Decided after hashing the head chunk below.
				_ = existing
			}
		}
	}

	// Buffer up to threshold+1 bytes to decide between the two paths.
	head := make([]byte, s.cfg.MultipartThreshold+1)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return Info{}, emerr.Wrap(err)
	}
	head = head[:n]
	if int64(n) <= s.cfg.MultipartThreshold {
		return s.putSingle(ctx, key, canonical, head)
	}
	return s.putMultipart(ctx, key, canonical, head, r)
}

func (s *ObjectStore) putSingle(ctx context.Context, key, canonical string, content []byte) (Info, error) {
	if s.cfg.MaxSizeBytes > 0 && int64(len(content)) > s.cfg.MaxSizeBytes {
		return Info{}, ErrTooLarge
	}
	sha := HashBytes(content)
	if s.cfg.Policy == OverwriteAllowSameHash {
		if existing, err := s.headInfo(ctx, key); err == nil {
			if existing.SHA256 == sha {
				return Info{URI: canonical, SHA256: sha, Size: existing.Size}, nil
			}
			if existing.SHA256 != "" {
				return Info{}, ErrHashMismatch
			}
		}
	}
	in := &s3.PutObjectInput{
		Bucket:   aws.String(s.cfg.Bucket),
		Key:      aws.String(key),
		Body:     bytes.NewReader(content),
		Metadata: map[string]string{metaSHA256: sha},
	}
	s.applyWriteOptions(in)
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return Info{}, s.classify(err)
	}
	return Info{URI: canonical, SHA256: sha, Size: int64(len(content))}, nil
}

func (s *ObjectStore) applyWriteOptions(in *s3.PutObjectInput) {
	if s.cfg.SSE != "" {
		in.ServerSideEncryption = s3types.ServerSideEncryption(s.cfg.SSE)
	}
	if s.cfg.StorageClass != "" {
		in.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}
	if s.cfg.ACL != "" {
		in.ACL = s3types.ObjectCannedACL(s.cfg.ACL)
	}
}

func (s *ObjectStore) putMultipart(ctx context.Context, key, canonical string, head []byte, rest io.Reader) (Info, error) {
	createIn := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	}
	if s.cfg.SSE != "" {
		createIn.ServerSideEncryption = s3types.ServerSideEncryption(s.cfg.SSE)
	}
	if s.cfg.StorageClass != "" {
		createIn.StorageClass = s3types.StorageClass(s.cfg.StorageClass)
	}
	if s.cfg.ACL != "" {
		createIn.ACL = s3types.ObjectCannedACL(s.cfg.ACL)
	}
	created, err := s.client.CreateMultipartUpload(ctx, createIn)
	if err != nil {
		return Info{}, s.classify(err)
	}
	uploadID := created.UploadId

	h := sha256.New()
	var size int64
	var parts []s3types.CompletedPart
	full := io.MultiReader(bytes.NewReader(head), rest)
	buf := make([]byte, s.cfg.MultipartChunkSize)
	partNum := int32(0)
	abort := func() {
		_, abortErr := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.cfg.Bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if abortErr != nil {
			emlog.Errorf("aborting multipart upload of %s: %s", key, abortErr)
		}
	}
	for {
		n, readErr := io.ReadFull(full, buf)
		if n > 0 {
			partNum++
			size += int64(n)
			if s.cfg.MaxSizeBytes > 0 && size > s.cfg.MaxSizeBytes {
				abort()
				return Info{}, ErrTooLarge
			}
			h.Write(buf[:n])
			out, upErr := s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(s.cfg.Bucket),
				Key:        aws.String(key),
				UploadId:   uploadID,
				PartNumber: aws.Int32(partNum),
				Body:       bytes.NewReader(buf[:n]),
			})
			if upErr != nil {
				abort()
				return Info{}, s.classify(upErr)
			}
			parts = append(parts, s3types.CompletedPart{
				ETag:       out.ETag,
				PartNumber: aws.Int32(partNum),
			})
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			abort()
			return Info{}, emerr.Wrap(readErr)
		}
	}
	_, err = s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		abort()
		return Info{}, s.classify(err)
	}
	return Info{URI: canonical, SHA256: hex.EncodeToString(h.Sum(nil)), Size: size}, nil
}

// Get implements Store.
func (s *ObjectStore) Get(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.GetStream(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer emutil.Close(rc)
	b, err := io.ReadAll(rc)
	return b, emerr.Wrap(err)
}

// GetStream implements Store.
func (s *ObjectStore) GetStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := s.key(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, s.classify(err)
	}
	return out.Body, nil
}

// GetInfo implements Store: metadata.sha256 answers without a download when
// present, otherwise the object is streamed and hashed.
func (s *ObjectStore) GetInfo(ctx context.Context, uri string) (Info, error) {
	key, err := s.key(uri)
	if err != nil {
		return Info{}, err
	}
	canonical := "s3://" + s.cfg.Bucket + "/" + key
	info, err := s.headInfo(ctx, key)
	if err != nil {
		return Info{}, err
	}
	if info.SHA256 != "" {
		info.URI = canonical
		return info, nil
	}
	rc, err := s.GetStream(ctx, uri)
	if err != nil {
		return Info{}, err
	}
	defer emutil.Close(rc)
	h := sha256.New()
	size, err := io.Copy(h, rc)
	if err != nil {
		return Info{}, emerr.Wrap(err)
	}
	return Info{URI: canonical, SHA256: hex.EncodeToString(h.Sum(nil)), Size: size}, nil
}

func (s *ObjectStore) headInfo(ctx context.Context, key string) (Info, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return Info{}, s.classify(err)
	}
	info := Info{Size: aws.ToInt64(out.ContentLength)}
	if sha, ok := out.Metadata[metaSHA256]; ok {
		info.SHA256 = sha
	}
	return info, nil
}

// Exists implements Store.
func (s *ObjectStore) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.key(uri)
	if err != nil {
		return false, err
	}
	_, err = s.headInfo(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// classify maps raw S3 failures onto the store's typed errors.
func (s *ObjectStore) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return ErrNotFound
		case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return ErrThrottled
		case "RequestTimeout":
			return ErrTimeout
		}
	}
	return emerr.Wrap(err)
}

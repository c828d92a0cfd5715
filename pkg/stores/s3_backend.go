package stores

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/openfroyo/devstate/pkg/engine"
)

// BackendS3 is the name of the S3 backend.
const BackendS3 = "s3"

// S3API is the part of the S3 client the backend uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates the state object.
type S3Config struct {
	Bucket  string
	Key     string
	Region  string
	Profile string
}

// S3Backend stores state as one S3 object, encrypted at rest with AES256.
type S3Backend struct {
	bucket string
	key    string
	client S3API
}

// NewS3Backend creates an S3 backend using the default AWS credential chain.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}

	return NewS3BackendWithClient(s3.NewFromConfig(awsCfg), cfg.Bucket, cfg.Key)
}

// NewS3BackendWithClient creates an S3 backend around an existing client.
func NewS3BackendWithClient(client S3API, bucket, key string) (*S3Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires a bucket")
	}
	if key == "" {
		key = "devstate/state.json"
	}
	return &S3Backend{bucket: bucket, key: key, client: client}, nil
}

// Location returns the s3:// URL of the state object.
func (b *S3Backend) Location() string {
	return fmt.Sprintf("s3://%s/%s", b.bucket, b.key)
}

// Load implements engine.StateBackend. A missing object is the empty state.
func (b *S3Backend) Load(ctx context.Context) (*engine.PersistedState, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		if isNoSuchKey(err) {
			return engine.NewPersistedState(), nil
		}
		return nil, engine.NewTransientError("failed to read state", err).
			WithResource(b.Location()).
			WithOperation("load")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, engine.NewTransientError("failed to read state body", err).
			WithResource(b.Location()).
			WithOperation("load")
	}
	return DecodeState(data, b.Location())
}

// Write implements engine.StateBackend.
func (b *S3Backend) Write(ctx context.Context, state *engine.PersistedState) error {
	data, err := EncodeState(state)
	if err != nil {
		return err
	}

	_, err = b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:               aws.String(b.bucket),
		Key:                  aws.String(b.key),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/json"),
		ServerSideEncryption: s3types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return engine.NewTransientError("failed to write state", err).
			WithResource(b.Location()).
			WithOperation("write")
	}
	return nil
}

// Name implements engine.StateBackend.
func (b *S3Backend) Name() string {
	return BackendS3
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

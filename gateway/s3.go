package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	drawsync "github.com/drawbase/drawsync"
)

// S3Config configures an S3-compatible object store gateway. BaseEndpoint
// and static credentials support MinIO and other S3-compatible stores.
type S3Config struct {
	Bucket       string
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
}

// s3API is the subset of the S3 client the gateway uses.
type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Gateway persists canvases as JSON envelopes in an object store, one
// object per entity at canvases/{id}.json.
type S3Gateway struct {
	client s3API
	bucket string
	now    func() time.Time
}

// NewS3 creates a gateway against the configured bucket.
func NewS3(ctx context.Context, cfg S3Config) (*S3Gateway, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}

	loadOpts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.BaseEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.BaseEndpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Gateway{
		client: client,
		bucket: cfg.Bucket,
		now:    time.Now,
	}, nil
}

func canvasObjectKey(entityID string) string {
	return "canvases/" + entityID + ".json"
}

// Fetch retrieves the remote record for the entity.
func (g *S3Gateway) Fetch(ctx context.Context, entityID string) (*RemoteCanvas, error) {
	out, err := g.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(canvasObjectKey(entityID)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("getting object: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object: %w", err)
	}

	var env canvasEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding object: %w", err)
	}
	if env.Content == nil {
		env.Content = &drawsync.CanvasContent{}
	}

	return &RemoteCanvas{
		Content: env.Content,
		Metadata: RemoteMetadata{
			Version:   env.Version,
			UpdatedAt: env.UpdatedAt,
		},
	}, nil
}

// Save writes content for the entity, replacing the stored object.
func (g *S3Gateway) Save(ctx context.Context, entityID string, content *drawsync.CanvasContent, patch MetadataPatch) (*RemoteMetadata, error) {
	meta := RemoteMetadata{
		Version:   patch.Version + 1,
		UpdatedAt: g.now(),
	}

	body, err := json.Marshal(canvasEnvelope{
		Version:   meta.Version,
		UpdatedAt: meta.UpdatedAt,
		Content:   content,
		Patch:     &patch,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding object: %w", err)
	}

	_, err = g.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(g.bucket),
		Key:         aws.String(canvasObjectKey(entityID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("putting object: %w", err)
	}

	return &meta, nil
}

// DeleteContent removes the stored object. Deleting an absent object is a
// no-op in S3, matching the interface contract.
func (g *S3Gateway) DeleteContent(ctx context.Context, entityID string) error {
	_, err := g.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(g.bucket),
		Key:    aws.String(canvasObjectKey(entityID)),
	})
	if err != nil {
		return fmt.Errorf("deleting object: %w", err)
	}
	return nil
}

var _ Gateway = (*S3Gateway)(nil)

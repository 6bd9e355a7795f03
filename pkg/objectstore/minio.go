// Package objectstore keeps datasets, prediction results and model artifacts
// in an S3-compatible object store.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/psantana5/ml-orchestrator/pkg/logging"
	"github.com/psantana5/ml-orchestrator/pkg/models"
)

const jsonlContentType = "application/x-ndjson"

// Config holds MinIO connection configuration
type Config struct {
	Endpoint       string
	AccessKey      string
	SecretKey      string
	UseSSL         bool
	Region         string
	ArtifactBucket string
}

// Client stores JSON Lines datasets and model artifacts. Locations are
// written "bucket/key"; a key ending in "/" loads every object under it.
type Client struct {
	client         *minio.Client
	artifactBucket string
	logger         *logging.Logger
	now            func() time.Time
}

// New creates a MinIO-backed client
func New(cfg Config, logger *logging.Logger) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("%w: object store endpoint is required", models.ErrInvalidArgument)
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.ArtifactBucket == "" {
		cfg.ArtifactBucket = "models"
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Client{
		client:         mc,
		artifactBucket: cfg.ArtifactBucket,
		logger:         logger.WithField("component", "objectstore"),
		now:            time.Now,
	}, nil
}

// EnsureBucket creates a bucket if it doesn't exist
func (c *Client) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := c.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("%w: failed to check bucket %s: %v", models.ErrTransientInfra, bucket, err)
	}
	if exists {
		return nil
	}
	if err := c.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	c.logger.Info("Bucket created", map[string]interface{}{"bucket": bucket})
	return nil
}

// HealthCheck verifies the artifact bucket is reachable
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.BucketExists(ctx, c.artifactBucket)
	return err
}

// Load reads the records at sourceID. Object sources have no query language,
// so a non-empty query is rejected.
func (c *Client) Load(ctx context.Context, sourceID, query string) ([]models.Record, error) {
	if strings.TrimSpace(query) != "" {
		return nil, fmt.Errorf("%w: object store sources do not support queries", models.ErrUnsupported)
	}
	bucket, key, err := SplitLocation(sourceID)
	if err != nil {
		return nil, err
	}

	if key == "" || strings.HasSuffix(key, "/") {
		return c.loadPrefix(ctx, bucket, key)
	}
	return c.loadObject(ctx, bucket, key)
}

func (c *Client) loadPrefix(ctx context.Context, bucket, prefix string) ([]models.Record, error) {
	var records []models.Record
	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, translate(obj.Err, bucket+"/"+prefix)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		recs, err := c.loadObject(ctx, bucket, obj.Key)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}
	return records, nil
}

func (c *Client) loadObject(ctx context.Context, bucket, key string) ([]models.Record, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, bucket+"/"+key)
	}
	defer obj.Close()

	records, err := ReadJSONL(obj)
	if err != nil {
		return nil, translate(err, bucket+"/"+key)
	}
	return records, nil
}

// Save writes records as one JSON Lines object. location is a bucket with an
// optional key prefix; an empty path gets a timestamped name.
func (c *Client) Save(ctx context.Context, records []models.Record, location, objectPath string) (string, error) {
	bucket, prefix, err := SplitLocation(location)
	if err != nil {
		return "", err
	}
	if objectPath == "" {
		objectPath = fmt.Sprintf("predictions/%s.jsonl", c.now().UTC().Format("20060102T150405.000000000"))
	}
	key := path.Join(prefix, objectPath)

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, records); err != nil {
		return "", err
	}
	if err := c.put(ctx, bucket, key, buf.Bytes(), jsonlContentType); err != nil {
		return "", err
	}

	c.logger.Info("Records saved", map[string]interface{}{
		"location": bucket + "/" + key,
		"records":  len(records),
		"bytes":    buf.Len(),
	})
	return bucket + "/" + key, nil
}

// PutArtifact stores model bytes under models/<name>/<run>/ and returns their location
func (c *Client) PutArtifact(ctx context.Context, modelName, runID string, data []byte) (string, error) {
	if runID == "" {
		runID = c.now().UTC().Format("20060102T150405")
	}
	key := path.Join(modelName, runID, "model.json")
	if err := c.put(ctx, c.artifactBucket, key, data, "application/json"); err != nil {
		return "", err
	}
	return c.artifactBucket + "/" + key, nil
}

// GetArtifact reads the artifact at location
func (c *Client) GetArtifact(ctx context.Context, location string) ([]byte, error) {
	bucket, key, err := SplitLocation(location)
	if err != nil {
		return nil, err
	}
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(err, location)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, translate(err, location)
	}
	return data, nil
}

func (c *Client) put(ctx context.Context, bucket, key string, data []byte, contentType string) error {
	if err := c.EnsureBucket(ctx, bucket); err != nil {
		return err
	}
	_, err := c.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("%w: failed to upload %s/%s: %v", models.ErrTransientInfra, bucket, key, err)
	}
	return nil
}

// SplitLocation splits "bucket/key/parts" into bucket and key
func SplitLocation(location string) (bucket, key string, err error) {
	location = strings.TrimPrefix(strings.TrimSpace(location), "s3://")
	bucket, key, _ = strings.Cut(location, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("%w: location %q has no bucket", models.ErrInvalidArgument, location)
	}
	return bucket, key, nil
}

func translate(err error, location string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: %s", models.ErrNotFound, location)
	}
	return fmt.Errorf("failed to read %s: %w", location, err)
}

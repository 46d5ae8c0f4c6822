package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/TheMichaelB/parksync/internal/events"
)

// S3Config holds S3 store construction parameters.
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional; enables S3-compatible services such as MinIO
	PathStyle bool

	// HTTPClient overrides the SDK transport. Used by tests.
	HTTPClient *http.Client
	// Options are applied to the AWS config loader.
	Options []func(*awsconfig.LoadOptions) error
}

// S3Store persists values as objects in an S3 bucket. Writes are
// last-write-wins; a short read cache avoids a round trip per Get.
type S3Store struct {
	client       *s3.Client
	bucket       string
	prefix       string
	logger       *events.Logger
	timeout      time.Duration
	cacheTimeout time.Duration

	mu    sync.Mutex
	cache map[string]cachedObject
}

type cachedObject struct {
	value    []byte
	cachedAt time.Time
}

// NewS3Store creates an S3-backed store.
func NewS3Store(ctx context.Context, cfg S3Config, logger *events.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	loadOpts := append([]func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}, cfg.Options...)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.HTTPClient != nil {
			o.HTTPClient = cfg.HTTPClient
		}
	})

	return &S3Store{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       prefix,
		logger:       logger.WithField("component", "s3_state_store"),
		timeout:      30 * time.Second,
		cacheTimeout: 5 * time.Second,
		cache:        make(map[string]cachedObject),
	}, nil
}

// Get reads an object, served from the local cache when fresh.
func (s *S3Store) Get(key string) ([]byte, error) {
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		if time.Since(cached.cachedAt) < s.cacheTimeout {
			s.mu.Unlock()
			return append([]byte(nil), cached.value...), nil
		}
		delete(s.cache, key)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("s3 get %s: %w", key, err)
	}
	defer result.Body.Close()

	value, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	if !json.Valid(value) {
		return nil, ErrStateCorrupt
	}

	s.remember(key, value)

	s.logger.WithField("key", key).Debug("Loaded value from S3")
	return value, nil
}

// Set writes an object.
func (s *S3Store) Set(key string, value []byte) error {
	if !json.Valid(value) {
		return ErrInvalidValue
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"updated-at":     time.Now().UTC().Format(time.RFC3339),
			"schema-version": fmt.Sprintf("%d", CurrentSchemaVersion),
		},
	})
	if err != nil {
		return fmt.Errorf("s3 put %s: %w", key, err)
	}

	s.remember(key, value)

	s.logger.WithFields(map[string]interface{}{
		"key":   key,
		"bytes": len(value),
	}).Debug("Saved value to S3")
	return nil
}

// Remove deletes an object.
func (s *S3Store) Remove(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3 delete %s: %w", key, err)
	}

	s.mu.Lock()
	delete(s.cache, key)
	s.mu.Unlock()

	return nil
}

// Keys lists objects under the store prefix.
func (s *S3Store) Keys(prefix string) ([]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.timeout)
	defer cancel()

	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(s.prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}

		for _, obj := range page.Contents {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(obj.Key), s.prefix), ".json")
			key, err := url.PathUnescape(name)
			if err != nil || key == "" {
				continue
			}
			if hasPrefix(key, prefix) {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)

	return keys, nil
}

// Close drops the read cache.
func (s *S3Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = make(map[string]cachedObject)
	return nil
}

func (s *S3Store) objectKey(key string) string {
	return s.prefix + url.PathEscape(key) + ".json"
}

func (s *S3Store) remember(key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[key] = cachedObject{value: append([]byte(nil), value...), cachedAt: time.Now()}
}

func isNotFound(err error) bool {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return strings.Contains(err.Error(), "NoSuchKey")
}

package phishing

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
)

// S3Config locates the blocklist object.
type S3Config struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Key    string `yaml:"key"`
}

// objectGetter is the slice of the S3 API the source needs.
type objectGetter interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Source reads the blocklist from an S3 object holding either a JSON array
// of hostnames or one hostname per line.
type S3Source struct {
	client objectGetter
	bucket string
	key    string
}

// NewS3Source creates a source using the default AWS credential chain.
func NewS3Source(ctx context.Context, cfg S3Config) (*S3Source, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Source{
		client: s3.NewFromConfig(awsCfg),
		bucket: cfg.Bucket,
		key:    cfg.Key,
	}, nil
}

// Fetch downloads and parses the blocklist object.
func (s *S3Source) Fetch(ctx context.Context) ([]string, error) {
	log.Debug().
		Str("bucket", s.bucket).
		Str("key", s.key).
		Msg("S3 GET blocklist")

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	if err != nil {
		return nil, fmt.Errorf("S3 GetObject failed: %w", err)
	}
	defer result.Body.Close()

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object: %w", err)
	}
	return parseHostList(data)
}

func parseHostList(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var hosts []string
		if err := json.Unmarshal(trimmed, &hosts); err != nil {
			return nil, fmt.Errorf("failed to parse blocklist: %w", err)
		}
		return hosts, nil
	}

	var hosts []string
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		hosts = append(hosts, line)
	}
	return hosts, sc.Err()
}

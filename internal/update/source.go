package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"formbridge/internal/models"
)

// ErrNoReleases is returned by a source that has nothing published.
var ErrNoReleases = errors.New("no releases published")

const metadataFile = "metadata.json"

// ReleaseSource supplies the newest published plugin release.
type ReleaseSource interface {
	Latest(ctx context.Context) (*models.PluginRelease, error)
	// DownloadURL returns a URL for the release package valid for at least
	// ttl. Sources whose URLs are not signed carry token in the query.
	DownloadURL(ctx context.Context, rel *models.PluginRelease, token string, ttl time.Duration) (string, error)
}

// StaticSource serves releases listed in configuration.
type StaticSource struct {
	releases []models.PluginRelease
}

func NewStaticSource(releases []models.PluginRelease) *StaticSource {
	return &StaticSource{releases: releases}
}

func (s *StaticSource) Latest(_ context.Context) (*models.PluginRelease, error) {
	var best *models.PluginRelease
	var bestVer *semver.Version
	for i := range s.releases {
		v, err := semver.NewVersion(s.releases[i].Version)
		if err != nil || v.Prerelease() != "" {
			continue
		}
		if bestVer == nil || v.GreaterThan(bestVer) {
			rel := s.releases[i]
			best, bestVer = &rel, v
		}
	}
	if best == nil {
		return nil, ErrNoReleases
	}
	return best, nil
}

func (s *StaticSource) DownloadURL(_ context.Context, rel *models.PluginRelease, token string, _ time.Duration) (string, error) {
	if rel.DownloadURL == "" {
		return "", fmt.Errorf("release %s has no download URL", rel.Version)
	}
	u, err := url.Parse(rel.DownloadURL)
	if err != nil {
		return "", fmt.Errorf("release %s download URL: %w", rel.Version, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// S3API is the subset of the S3 client the release source calls.
type S3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Presigner is satisfied by *s3.PresignClient.
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Source reads releases laid out as {prefix}{version}/metadata.json with
// the package beside it, and hands out presigned download URLs.
type S3Source struct {
	client    S3API
	presigner Presigner
	bucket    string
	prefix    string
	pkg       string
}

// NewS3Source builds the S3 client from cfg. An endpoint override switches
// to path-style addressing for S3-compatible stores.
func NewS3Source(ctx context.Context, cfg models.S3Config) (*S3Source, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket name is required")
	}
	if cfg.Region == "" {
		return nil, errors.New("s3 region is required")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsCfg, s3Opts...)
	return NewS3SourceWithClient(client, s3.NewPresignClient(client), cfg), nil
}

func NewS3SourceWithClient(client S3API, presigner Presigner, cfg models.S3Config) *S3Source {
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &S3Source{client: client, presigner: presigner, bucket: cfg.Bucket, prefix: prefix, pkg: cfg.PackageName}
}

// Latest lists version folders under the prefix and loads the metadata of
// the highest stable one. Folders that are not semantic versions are ignored.
func (s *S3Source) Latest(ctx context.Context) (*models.PluginRelease, error) {
	var best string
	var bestVer *semver.Version

	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket:    aws.String(s.bucket),
		Prefix:    aws.String(s.prefix),
		Delimiter: aws.String("/"),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list releases: %w", err)
		}
		for _, cp := range page.CommonPrefixes {
			name := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), s.prefix), "/")
			v, err := semver.NewVersion(name)
			if err != nil || v.Prerelease() != "" {
				continue
			}
			if bestVer == nil || v.GreaterThan(bestVer) {
				best, bestVer = name, v
			}
		}
	}
	if bestVer == nil {
		return nil, ErrNoReleases
	}

	key := s.prefix + best + "/" + metadataFile
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(s.bucket), Key: aws.String(key)})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer out.Body.Close()

	var rel models.PluginRelease
	if err := json.NewDecoder(out.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if rel.Version == "" {
		rel.Version = best
	}
	rel.ObjectKey = s.prefix + best + "/" + s.pkg
	return &rel, nil
}

// DownloadURL presigns a GetObject for the package. The token is not added
// to the URL because any extra query parameter breaks the SigV4 signature.
func (s *S3Source) DownloadURL(ctx context.Context, rel *models.PluginRelease, _ string, ttl time.Duration) (string, error) {
	if rel.ObjectKey == "" {
		return "", fmt.Errorf("release %s has no object key", rel.Version)
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(rel.ObjectKey),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", rel.ObjectKey, err)
	}
	return req.URL, nil
}

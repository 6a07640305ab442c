// Package archive implements the Object-Store Archiver: compressing and
// uploading a project directory to S3-compatible storage on hibernation,
// and restoring it on wake, using aws-sdk-go-v2's s3 client and
// feature/s3/manager uploader/downloader. Retry/backoff is configured via
// the AWS SDK's own retryer (aws.Config.Retryer) rather than a bespoke
// retry loop.
package archive

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/pkg/errors"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
)

// excludedNames are always skipped when zipping a project directory,
// regardless of the exclude_node_modules flag.
var excludedNames = map[string]bool{
	".git":         true,
	"__pycache__":  true,
	".DS_Store":    true,
}

var excludedSuffixes = []string{".pyc", ".log"}

// connectTimeout/readTimeout bound the HTTP client every S3 request goes
// through: connectTimeout caps TCP+TLS handshake time, readTimeout caps how
// long a response's headers may take to arrive once the request is sent.
const (
	connectTimeout = 10 * time.Second
	readTimeout    = 120 * time.Second
)

const nodeModulesDir = "node_modules"

// Archiver wraps an S3-API-compatible client configured from
// config.ObjectStoreConfig.
type Archiver struct {
	client         *s3.Client
	uploader       *manager.Uploader
	downloader     *manager.Downloader
	bucket         string
	projectsPrefix string
}

// New builds an Archiver against an S3-compatible endpoint (AWS S3, or any
// compatible provider reachable via cfg.Endpoint), wiring a 3-attempt
// adaptive-backoff retryer and an HTTP client with a 10s connect timeout and
// a 120s response-header (read) timeout.
func New(ctx context.Context, cfg config.ObjectStoreConfig) (*Archiver, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: connectTimeout,
			}).DialContext,
			ResponseHeaderTimeout: readTimeout,
		},
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxAttempts(retry.NewAdaptiveMode(), 3)
		}),
		awsconfig.WithHTTPClient(httpClient),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load object store client config")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return &Archiver{
		client:         client,
		uploader:       manager.NewUploader(client),
		downloader:     manager.NewDownloader(client),
		bucket:         cfg.Bucket,
		projectsPrefix: cfg.ProjectsPrefix,
	}, nil
}

func (a *Archiver) key(userID, projectID string) string {
	return strings.Join([]string{a.projectsPrefix, userID, projectID, "latest.zip"}, "/")
}

func (a *Archiver) deletedKey(userID, projectID string) string {
	return strings.Join([]string{"deleted", userID, projectID, "latest.zip"}, "/")
}

// Exists reports whether an archive is present for the given project.
func (a *Archiver) Exists(ctx context.Context, userID, projectID string) (bool, error) {
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, apierr.Wrap(apierr.BackendTransient, err, "failed to check archive existence for project %s", projectID)
	}
	return true, nil
}

// Size returns the archived object's content length in bytes.
func (a *Archiver) Size(ctx context.Context, userID, projectID string) (int64, error) {
	out, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, apierr.New(apierr.NotFound, "no archive found for project %s", projectID)
		}
		return 0, apierr.Wrap(apierr.BackendTransient, err, "failed to stat archive for project %s", projectID)
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Upload zips localPath (a project directory) and streams it to the
// project's object key. excludeNodeModules additionally skips
// node_modules directories; .git, __pycache__, *.pyc, *.log and .DS_Store
// are always excluded.
func (a *Archiver) Upload(ctx context.Context, userID, projectID, localPath string, excludeNodeModules bool) error {
	tmp, err := os.CreateTemp("", "archive-*.zip")
	if err != nil {
		return errors.Wrap(err, "failed to create temp archive file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := zipDirectory(tmp, localPath, excludeNodeModules); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "failed to zip project directory %q", localPath)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize temp archive file")
	}

	f, err := os.Open(tmpPath)
	if err != nil {
		return errors.Wrap(err, "failed to reopen temp archive file")
	}
	defer f.Close()

	_, err = a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
		Body:   f,
	})
	if err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to upload archive for project %s", projectID)
	}
	return nil
}

// UploadZip streams an already-zipped file straight to the project's
// object key, without re-zipping it first. Used by the Kubernetes backend,
// which receives its zip pre-built from inside the file-manager pod (§5:
// the pod never holds S3 credentials, so the backend process is the only
// thing that ever touches this client).
func (a *Archiver) UploadZip(ctx context.Context, userID, projectID string, zipContents io.Reader) error {
	_, err := a.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
		Body:   zipContents,
	})
	if err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to upload archive for project %s", projectID)
	}
	return nil
}

// DownloadZip streams the project's zipped archive into w, without
// extracting it — the caller (the Kubernetes backend) streams the raw
// bytes into the file-manager pod, which unzips it locally.
func (a *Archiver) DownloadZip(ctx context.Context, userID, projectID string, w io.WriterAt) error {
	_, err := a.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
	})
	if err != nil {
		if isNotFound(err) {
			return apierr.New(apierr.NotFound, "no archive found for project %s", projectID)
		}
		return apierr.Wrap(apierr.BackendTransient, err, "failed to download archive for project %s", projectID)
	}
	return nil
}

// Download fetches and extracts the project archive into destPath.
func (a *Archiver) Download(ctx context.Context, userID, projectID, destPath string) error {
	tmp, err := os.CreateTemp("", "archive-*.zip")
	if err != nil {
		return errors.Wrap(err, "failed to create temp archive file")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := a.downloader.Download(ctx, tmp, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
	}); err != nil {
		tmp.Close()
		if isNotFound(err) {
			return apierr.New(apierr.NotFound, "no archive found for project %s", projectID)
		}
		return apierr.Wrap(apierr.BackendTransient, err, "failed to download archive for project %s", projectID)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to finalize temp archive file")
	}

	return unzipDirectory(tmpPath, destPath)
}

// Delete removes the project's archive.
func (a *Archiver) Delete(ctx context.Context, userID, projectID string) error {
	_, err := a.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
	})
	if err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to delete archive for project %s", projectID)
	}
	return nil
}

// CopyToDeleted duplicates the project's archive under the deleted/
// prefix, which carries its own independent retention policy.
func (a *Archiver) CopyToDeleted(ctx context.Context, userID, projectID string) error {
	source := a.bucket + "/" + a.key(userID, projectID)
	_, err := a.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(a.bucket),
		Key:        aws.String(a.deletedKey(userID, projectID)),
		CopySource: aws.String(source),
	})
	if err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to copy archive to deleted prefix for project %s", projectID)
	}
	return nil
}

// PresignedURL returns a time-limited direct-download URL for the
// project's archive.
func (a *Archiver) PresignedURL(ctx context.Context, userID, projectID string, ttl time.Duration) (string, error) {
	presignClient := s3.NewPresignClient(a.client)
	req, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.key(userID, projectID)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", apierr.Wrap(apierr.BackendTransient, err, "failed to presign archive URL for project %s", projectID)
	}
	return req.URL, nil
}

func isNotFound(err error) bool {
	var nf interface{ ErrorCode() string }
	if errors.As(err, &nf) {
		code := nf.ErrorCode()
		return code == "NotFound" || code == "NoSuchKey"
	}
	return false
}

func zipDirectory(w io.Writer, root string, excludeNodeModules bool) error {
	zw := zip.NewWriter(w)
	defer zw.Close()

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.Base(path)
		if d.IsDir() {
			if excludedNames[name] || (excludeNodeModules && name == nodeModulesDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if excludedNames[name] {
			return nil
		}
		for _, suffix := range excludedSuffixes {
			if strings.HasSuffix(name, suffix) {
				return nil
			}
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()

		fw, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		_, err = io.Copy(fw, f)
		return err
	})
}

func unzipDirectory(archivePath, destPath string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrap(err, "failed to open downloaded archive")
	}
	defer r.Close()

	for _, f := range r.File {
		targetPath := filepath.Join(destPath, f.Name)
		if !strings.HasPrefix(targetPath, filepath.Clean(destPath)+string(os.PathSeparator)) {
			return errors.Errorf("archive entry %q escapes destination directory", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return err
		}
		if err := extractFile(f, targetPath); err != nil {
			return err
		}
	}
	return nil
}

func extractFile(f *zip.File, targetPath string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, rc)
	return err
}

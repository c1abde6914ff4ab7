// Package s3storage implements internal/encrepo.Storage over an
// S3-compatible object store: single PutObject for small files,
// multipart upload (backed by a one-slot background uploader) once an
// object's buffered size crosses MultipartThreshold, and ETag-gated
// overwrite via If-Match/If-None-Match so a racing writer is rejected
// the same way internal/encrepo/localstorage rejects one with a
// stale content hash.
package s3storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/coldvault/bupstore/internal/bkerrors"
	"github.com/coldvault/bupstore/internal/encrepo"
)

// defaultMultipartThreshold is the object size past which Storage
// switches from a single PutObject to a multipart upload. The spec's
// floor is S3's own 5 MiB minimum part size; 8 MiB leaves headroom so
// a final, undersized trailing part is never required to carry more
// than one threshold's worth of buffered data.
const defaultMultipartThreshold = 8 << 20

// minPartSize is S3's minimum part size for every part but the last.
const minPartSize = 5 << 20

// Options configures a Storage.
type Options struct {
	Bucket             string
	Region             string
	Endpoint           string // non-empty selects an S3-compatible endpoint instead of AWS
	AccessKeyID        string
	SecretAccessKey    string
	UsePathStyle       bool
	MultipartThreshold int64
	// StorageClass optionally overrides the storage class used for a
	// given Kind's objects (e.g. cheaper infrequent-access storage for
	// KindIdx mirrors, which are rebuilt locally on demand).
	StorageClass map[encrepo.Kind]types.StorageClass
}

// Storage is an S3-compatible encrepo.Storage.
type Storage struct {
	client             *s3.Client
	bucket             string
	multipartThreshold int64
	storageClass       map[encrepo.Kind]types.StorageClass
}

var _ encrepo.Storage = (*Storage)(nil)

// New builds a Storage from opts, loading AWS credentials from the
// default provider chain unless AccessKeyID/SecretAccessKey are set.
func New(ctx context.Context, opts Options) (*Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, bkerrors.Wrap(bkerrors.IoError, err, "load aws config")
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.UsePathStyle = opts.UsePathStyle
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	threshold := opts.MultipartThreshold
	if threshold == 0 {
		threshold = defaultMultipartThreshold
	}

	return &Storage{
		client:             client,
		bucket:             opts.Bucket,
		multipartThreshold: threshold,
		storageClass:       opts.StorageClass,
	}, nil
}

func kindPrefix(kind encrepo.Kind) string {
	return kind.String() + "/"
}

func (s *Storage) key(name string, kind encrepo.Kind) string {
	return kindPrefix(kind) + name
}

func (s *Storage) GetReader(name string, kind encrepo.Kind) (io.ReadCloser, encrepo.Version, error) {
	ctx := context.Background()
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(name, kind)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, "", bkerrors.New(bkerrors.NotFound, "%s %s not found", kind, name)
		}
		return nil, "", bkerrors.Wrap(bkerrors.IoError, err, "get %s %s", kind, name)
	}
	version := encrepo.Version(aws.ToString(out.ETag))
	return out.Body, version, nil
}

func (s *Storage) GetWriter(name string, kind encrepo.Kind, overwrite encrepo.Version) (io.WriteCloser, error) {
	return &writer{
		s:         s,
		kind:      kind,
		key:       s.key(name, kind),
		overwrite: overwrite,
	}, nil
}

func (s *Storage) List(kind encrepo.Kind, pattern string) ([]string, error) {
	ctx := context.Background()
	prefix := kindPrefix(kind)

	var out []string
	var token *string
	for {
		resp, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, bkerrors.Wrap(bkerrors.IoError, err, "list %s", kind)
		}
		for _, obj := range resp.Contents {
			name := strings.TrimPrefix(aws.ToString(obj.Key), prefix)
			if pattern != "" {
				ok, err := matchPattern(pattern, name)
				if err != nil {
					return nil, err
				}
				if !ok {
					continue
				}
			}
			out = append(out, name)
		}
		if !aws.ToBool(resp.IsTruncated) {
			break
		}
		token = resp.NextContinuationToken
	}
	return out, nil
}

func matchPattern(pattern, name string) (bool, error) {
	ok, err := path.Match(pattern, name)
	if err != nil {
		return false, bkerrors.Wrap(bkerrors.ConfigError, err, "bad pattern %q", pattern)
	}
	return ok, nil
}

func (s *Storage) Close() error { return nil }

func isNotFound(err error) bool {
	var nf *types.NoSuchKey
	return errors.As(err, &nf)
}

// writer buffers an object's content and decides between a single
// PutObject and a multipart upload once s.multipartThreshold is
// crossed. Multipart parts are handed off to a one-slot background
// uploader so the caller's Write calls keep streaming while the
// previous part is still in flight on the wire.
type writer struct {
	s         *Storage
	kind      encrepo.Kind
	key       string
	overwrite encrepo.Version

	buf []byte

	// multipart state, initialized lazily on first crossing of
	// multipartThreshold.
	uploadID   string
	partNumber int32
	queue      chan uploadJob
	eg         *errgroup.Group
	mu         sync.Mutex
	parts      []types.CompletedPart

	closed bool
}

type uploadJob struct {
	partNumber int32
	data       []byte
}

func (w *writer) storageClass() types.StorageClass {
	if w.s.storageClass == nil {
		return ""
	}
	return w.s.storageClass[w.kind]
}

func (w *writer) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if w.uploadID == "" && int64(len(w.buf)) >= w.s.multipartThreshold {
		if err := w.startMultipart(); err != nil {
			return 0, err
		}
	}
	if w.uploadID != "" {
		for int64(len(w.buf)) >= minPartSize {
			if err := w.flushPart(w.buf[:minPartSize]); err != nil {
				return 0, err
			}
			w.buf = append([]byte(nil), w.buf[minPartSize:]...)
		}
	}
	return len(p), nil
}

func (w *writer) startMultipart() error {
	ctx := context.Background()
	out, err := w.s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       aws.String(w.s.bucket),
		Key:          aws.String(w.key),
		StorageClass: w.storageClass(),
	})
	if err != nil {
		return bkerrors.Wrap(bkerrors.IoError, err, "create multipart upload for %s", w.key)
	}
	w.uploadID = aws.ToString(out.UploadId)
	w.queue = make(chan uploadJob, 1) // one-slot producer/consumer queue (spec.md §5)
	eg := &errgroup.Group{}
	w.eg = eg
	eg.Go(func() error {
		var firstErr error
		for job := range w.queue {
			// Once a part upload fails, later jobs are drained
			// without being sent to S3 — the queue must keep being
			// consumed so a Write/Close still blocked on a full slot
			// doesn't hang forever waiting for a goroutine that
			// already gave up.
			if firstErr != nil {
				continue
			}
			uo, err := w.s.client.UploadPart(ctx, &s3.UploadPartInput{
				Bucket:     aws.String(w.s.bucket),
				Key:        aws.String(w.key),
				UploadId:   aws.String(w.uploadID),
				PartNumber: aws.Int32(job.partNumber),
				Body:       newBytesReader(job.data),
			})
			if err != nil {
				firstErr = bkerrors.Wrap(bkerrors.IoError, err, "upload part %d of %s", job.partNumber, w.key)
				continue
			}
			w.mu.Lock()
			w.parts = append(w.parts, types.CompletedPart{ETag: uo.ETag, PartNumber: aws.Int32(job.partNumber)})
			w.mu.Unlock()
		}
		return firstErr
	})
	return nil
}

func (w *writer) flushPart(data []byte) error {
	w.partNumber++
	job := uploadJob{partNumber: w.partNumber, data: append([]byte(nil), data...)}
	w.queue <- job // blocks here once the one slot is occupied by an in-flight upload
	return nil
}

func (w *writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	ctx := context.Background()

	if w.uploadID == "" {
		// Small enough to have never crossed the threshold: one plain
		// PutObject carries the whole buffered object.
		input := &s3.PutObjectInput{
			Bucket:       aws.String(w.s.bucket),
			Key:          aws.String(w.key),
			Body:         newBytesReader(w.buf),
			StorageClass: w.storageClass(),
		}
		applyPrecondition(input, w.overwrite)
		if _, err := w.s.client.PutObject(ctx, input); err != nil {
			if isPreconditionFailed(err) {
				return bkerrors.Wrap(bkerrors.CASFailure, err, "%s changed since read", w.key)
			}
			return bkerrors.Wrap(bkerrors.IoError, err, "put %s", w.key)
		}
		return nil
	}

	if len(w.buf) > 0 {
		if err := w.flushPart(w.buf); err != nil {
			w.abort(ctx)
			return err
		}
	}
	close(w.queue)
	if err := w.eg.Wait(); err != nil {
		w.abort(ctx)
		return err
	}

	sort.Slice(w.parts, func(i, j int) bool { return aws.ToInt32(w.parts[i].PartNumber) < aws.ToInt32(w.parts[j].PartNumber) })
	input := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(w.s.bucket),
		Key:             aws.String(w.key),
		UploadId:        aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: w.parts},
	}
	applyCompletePrecondition(input, w.overwrite)
	if _, err := w.s.client.CompleteMultipartUpload(ctx, input); err != nil {
		w.abort(ctx)
		if isPreconditionFailed(err) {
			return bkerrors.Wrap(bkerrors.CASFailure, err, "%s changed since read", w.key)
		}
		return bkerrors.Wrap(bkerrors.IoError, err, "complete multipart upload for %s", w.key)
	}
	return nil
}

func (w *writer) abort(ctx context.Context) {
	if w.uploadID == "" {
		return
	}
	w.s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.s.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
}

func applyPrecondition(input *s3.PutObjectInput, overwrite encrepo.Version) {
	if overwrite == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(overwrite))
	}
}

func applyCompletePrecondition(input *s3.CompleteMultipartUploadInput, overwrite encrepo.Version) {
	if overwrite == "" {
		input.IfNoneMatch = aws.String("*")
	} else {
		input.IfMatch = aws.String(string(overwrite))
	}
}

func isPreconditionFailed(err error) bool {
	return strings.Contains(err.Error(), "PreconditionFailed") || strings.Contains(err.Error(), "412")
}

// newBytesReader gives the SDK an io.ReadSeeker, which it needs to
// compute Content-Length up front and to rewind on a retried request.
func newBytesReader(b []byte) io.ReadSeeker {
	return bytes.NewReader(b)
}

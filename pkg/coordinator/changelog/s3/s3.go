// Package s3 is a changelog.Log backed by S3: one object per entry
// under a fixed prefix, keyed by zero-padded change ID so a
// ListObjectsV2 page comes back in ID order. Stands in for "remote
// document cache synced via object storage" (SPEC_FULL.md §3),
// exercising aws-sdk-go-v2/s3 the way the teacher's
// pkg/content/store/s3 content store does.
package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/marmos91/dittofs/pkg/coordinator/changelog"
)

// Log is an S3-backed changelog.Log.
type Log struct {
	client *s3.Client
	bucket string
	prefix string
}

// New returns a Log that stores entries under bucket/prefix.
func New(client *s3.Client, bucket, prefix string) *Log {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Log{client: client, bucket: bucket, prefix: prefix}
}

func (l *Log) key(id int64) string {
	return fmt.Sprintf("%s%020d.json", l.prefix, id)
}

func (l *Log) idFromKey(key string) (int64, bool) {
	name := strings.TrimPrefix(key, l.prefix)
	name = strings.TrimSuffix(name, ".json")
	id, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "SlowDown":
			return true
		case "InternalError", "ServiceUnavailable":
			return true
		case "NoSuchKey", "NotFound", "AccessDenied":
			return false
		}
	}
	return false
}

// Append writes one entry object keyed by the next sequential ID. ID
// assignment is derived from the highest existing key plus one, so
// concurrent appends from multiple primaries are not safe; the
// coordinator only ever has one primary appending at a time by
// construction (spec.md invariant 1), which this backend relies on.
func (l *Log) Append(ctx context.Context, documentKey string) (changelog.Entry, error) {
	entries, err := l.Entries(ctx)
	if err != nil {
		return changelog.Entry{}, err
	}

	var nextID int64 = 1
	if len(entries) > 0 {
		nextID = entries[len(entries)-1].ID + 1
	}

	e := changelog.Entry{ID: nextID, DocumentKey: documentKey}
	data, err := json.Marshal(e)
	if err != nil {
		return changelog.Entry{}, err
	}

	_, err = l.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(l.bucket),
		Key:    aws.String(l.key(nextID)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return changelog.Entry{}, fmt.Errorf("put changelog entry: %w", err)
	}
	return e, nil
}

// TruncateThrough deletes every entry object with ID <= changeID.
func (l *Log) TruncateThrough(ctx context.Context, changeID int64) error {
	page := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: &l.bucket,
		Prefix: &l.prefix,
	})

	var toDelete []types.ObjectIdentifier
	for page.HasMorePages() {
		out, err := page.NextPage(ctx)
		if err != nil {
			if isRetryableError(err) {
				continue
			}
			return fmt.Errorf("list changelog entries: %w", err)
		}
		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			id, ok := l.idFromKey(*obj.Key)
			if !ok || id > changeID {
				continue
			}
			toDelete = append(toDelete, types.ObjectIdentifier{Key: obj.Key})
		}
	}

	if len(toDelete) == 0 {
		return nil
	}

	_, err := l.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: &l.bucket,
		Delete: &types.Delete{Objects: toDelete},
	})
	if err != nil {
		return fmt.Errorf("delete changelog entries: %w", err)
	}
	return nil
}

// Entries returns every entry currently stored, in ascending ID order.
func (l *Log) Entries(ctx context.Context) ([]changelog.Entry, error) {
	page := s3.NewListObjectsV2Paginator(l.client, &s3.ListObjectsV2Input{
		Bucket: &l.bucket,
		Prefix: &l.prefix,
	})

	var out []changelog.Entry
	for page.HasMorePages() {
		pg, err := page.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list changelog entries: %w", err)
		}
		for _, obj := range pg.Contents {
			if obj.Key == nil {
				continue
			}
			id, ok := l.idFromKey(*obj.Key)
			if !ok {
				continue
			}
			getOut, err := l.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &l.bucket, Key: obj.Key})
			if err != nil {
				return nil, fmt.Errorf("get changelog entry %d: %w", id, err)
			}
			var e changelog.Entry
			dec := json.NewDecoder(getOut.Body)
			err = dec.Decode(&e)
			getOut.Body.Close()
			if err != nil {
				return nil, fmt.Errorf("decode changelog entry %d: %w", id, err)
			}
			out = append(out, e)
		}
	}
	return out, nil
}

var _ changelog.Log = (*Log)(nil)

package queue

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrNotFound is returned by Get for an unknown record.
var ErrNotFound = errors.New("queue: record not found")

// Store persists queued records.
type Store interface {
	Put(ctx context.Context, r *Record) error
}

// SpoolStore keeps one file per record in a directory.
type SpoolStore struct {
	Dir string
}

// NewSpoolStore creates dir if needed.
func NewSpoolStore(dir string) (*SpoolStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("queue: creating spool: %w", err)
	}
	return &SpoolStore{Dir: dir}, nil
}

func (s *SpoolStore) path(id string) string {
	return filepath.Join(s.Dir, id+".msgp")
}

// Put writes r to a temporary file and renames it into place, so readers
// of the spool never see a partial record.
func (s *SpoolStore) Put(_ context.Context, r *Record) error {
	data, err := r.MarshalMsg(nil)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.Dir, ".tmp-"+r.ID+"-*")
	if err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: writing %s: %w", r.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("queue: syncing %s: %w", r.ID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path(r.ID)); err != nil {
		return fmt.Errorf("queue: %w", err)
	}
	return nil
}

// Get reads the record with the given ID.
func (s *SpoolStore) Get(id string) (*Record, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: %w", err)
	}
	r := new(Record)
	if _, err := r.UnmarshalMsg(data); err != nil {
		return nil, fmt.Errorf("queue: decoding %s: %w", id, err)
	}
	return r, nil
}

// S3API is the part of the S3 client S3Store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Store uploads records to a bucket, one object per record.
type S3Store struct {
	Client S3API
	Bucket string
	Prefix string
}

// Key returns the object key for a record ID.
func (s *S3Store) Key(id string) string {
	return s.Prefix + id + ".msgp"
}

func (s *S3Store) Put(ctx context.Context, r *Record) error {
	data, err := r.MarshalMsg(nil)
	if err != nil {
		return err
	}
	_, err = s.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.Bucket),
		Key:           aws.String(s.Key(r.ID)),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String("application/vnd.msgpack"),
		Metadata: map[string]string{
			"sender":     r.Sender,
			"connection": r.ConnectionID,
		},
	})
	if err != nil {
		return fmt.Errorf("queue: uploading %s: %w", r.ID, err)
	}
	return nil
}

// Package queue accepts messages at the queue hook by storing them as
// MessagePack records, in a spool directory or in an S3 bucket.
//
//	queue/spool dir /var/spool/rook
//	queue/s3 bucket mail-in prefix incoming/ region eu-west-1 endpoint http://minio:9000
//
// S3 credentials come from the access_key and secret_key arguments or
// the AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
	"github.com/synqronlabs/rook/utils"
)

// Factory names used in the plugins configuration.
const (
	SpoolName = "queue/spool"
	S3Name    = "queue/s3"
)

// NoteQueueID is the transaction note holding the queue ID.
const NoteQueueID = "queue.id"

func init() {
	plugin.RegisterFactory(SpoolName, NewSpool)
	plugin.RegisterFactory(S3Name, NewS3)
}

// Queue is the queue plugin over a Store.
type Queue struct {
	plugin.Base
	Store   Store
	timeout time.Duration
}

// New returns a queue plugin storing into store.
func New(base plugin.Base, store Store) (*Queue, error) {
	timeout, err := base.Args.Duration("timeout", 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &Queue{Base: base, Store: store, timeout: timeout}, nil
}

func NewSpool(l *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	dir := base.Args.Get("dir", "")
	if dir == "" {
		return nil, fmt.Errorf("%w: dir is required", plugin.ErrArgs)
	}
	store, err := NewSpoolStore(l.Path(dir))
	if err != nil {
		return nil, err
	}
	return New(base, store)
}

func NewS3(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	bucket := base.Args.Get("bucket", "")
	if bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", plugin.ErrArgs)
	}
	opts := s3.Options{
		Region: base.Args.Get("region", "us-east-1"),
		Credentials: credentials.NewStaticCredentialsProvider(
			base.Args.Get("access_key", os.Getenv("AWS_ACCESS_KEY_ID")),
			base.Args.Get("secret_key", os.Getenv("AWS_SECRET_ACCESS_KEY")),
			"",
		),
	}
	if endpoint := base.Args.Get("endpoint", ""); endpoint != "" {
		opts.BaseEndpoint = aws.String(endpoint)
		opts.UsePathStyle = true
	}
	return New(base, &S3Store{
		Client: s3.New(opts),
		Bucket: bucket,
		Prefix: base.Args.Get("prefix", ""),
	})
}

func (q *Queue) Register(reg *rook.Registry) error {
	return q.Hook(reg, rook.HookQueue, q.queue)
}

// NewRecord captures the transaction and its session for storage.
func NewRecord(conn *rook.Connection, txn *rook.Transaction) *Record {
	r := &Record{
		ID:           utils.NewID(),
		ConnectionID: conn.ID(),
		ReceivedAt:   time.Now().UTC(),
		RemoteHost:   conn.RemoteHost(),
		Helo:         conn.HeloHost(),
		AuthUser:     conn.AuthIdentity(),
		TLS:          conn.IsTLS(),
		Message:      txn.Message(),
	}
	if ip := conn.RemoteIP(); ip != nil {
		r.RemoteIP = ip.String()
	}
	if s := txn.Sender(); s != nil {
		r.Sender = s.String()
	}
	for _, rcpt := range txn.Recipients() {
		r.Recipients = append(r.Recipients, rcpt.String())
	}
	return r
}

func (q *Queue) queue(ctx *rook.Context) rook.Result {
	if ctx.Transaction == nil {
		return rook.Decline()
	}
	r := NewRecord(ctx.Connection, ctx.Transaction)

	sctx, cancel := context.WithTimeout(ctx.Context(), q.timeout)
	defer cancel()
	if err := q.Store.Put(sctx, r); err != nil {
		ctx.Logger.Error("queueing failed", slog.String("id", r.ID), slog.Any("error", err))
		return rook.Reject(rook.DenySoft, "Queueing failed, please try again later")
	}
	ctx.TxnNotes().Set(NoteQueueID, r.ID)
	ctx.Logger.Info("queued",
		slog.String("id", r.ID),
		slog.String("from", r.Sender),
		slog.Int("rcpts", len(r.Recipients)),
		slog.Int("size", len(r.Message)),
	)
	return rook.Accept("Queued as " + r.ID)
}

// Package sqldb implements the storage backend on a SQL database. Object
// payloads are BLOB columns, metadata and multipart records are JSON
// documents, and all state for one bucket is tied together by foreign keys
// so dropping the bucket row cascades. The driver is the pure-Go sqlite
// build, so the backend runs without cgo.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite" // register the "sqlite" database driver

	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

const dbDriver = "sqlite"

func init() {
	sqlx.BindDriver(dbDriver, sqlx.QUESTION)
}

var pragmas = []string{
	"journal_mode = WAL",
	"foreign_keys = ON",
	"busy_timeout = 10000",
	"synchronous = NORMAL",
}

const schema = `
CREATE TABLE IF NOT EXISTS buckets (
	name          TEXT NOT NULL PRIMARY KEY,
	creation_date INTEGER NOT NULL,
	bucket_type   TEXT NOT NULL,
	storage_class TEXT NOT NULL DEFAULT '',
	tags          TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS objects (
	bucket        TEXT NOT NULL REFERENCES buckets (name) ON DELETE CASCADE,
	object_key    TEXT NOT NULL,
	payload       BLOB NOT NULL,
	size          INTEGER NOT NULL,
	etag          TEXT NOT NULL,
	last_modified INTEGER NOT NULL,
	PRIMARY KEY (bucket, object_key)
);

CREATE TABLE IF NOT EXISTS object_meta (
	bucket     TEXT NOT NULL REFERENCES buckets (name) ON DELETE CASCADE,
	object_key TEXT NOT NULL,
	document   TEXT NOT NULL,
	PRIMARY KEY (bucket, object_key)
);

CREATE TABLE IF NOT EXISTS uploads (
	bucket     TEXT NOT NULL REFERENCES buckets (name) ON DELETE CASCADE,
	upload_id  TEXT NOT NULL,
	object_key TEXT NOT NULL,
	document   TEXT NOT NULL,
	PRIMARY KEY (bucket, upload_id)
);

CREATE TABLE IF NOT EXISTS upload_parts (
	bucket      TEXT NOT NULL REFERENCES buckets (name) ON DELETE CASCADE,
	upload_id   TEXT NOT NULL,
	part_number INTEGER NOT NULL,
	object_key  TEXT NOT NULL,
	payload     BLOB NOT NULL,
	document    TEXT NOT NULL,
	PRIMARY KEY (bucket, upload_id, part_number)
);
`

// Backend stores all bucket, object and multipart state in a SQL database.
type Backend struct {
	db     *sqlx.DB
	logger *logrus.Entry
}

var _ storage.Backend = (*Backend)(nil)

// New opens the database at dsn, retrying the initial ping with exponential
// backoff, and applies the schema. A plain file path and ":memory:" are both
// accepted as dsn.
func New(ctx context.Context, dsn string, logger *logrus.Logger) (*Backend, error) {
	db, err := sqlx.Open(dbDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		// every new connection to :memory: would get its own empty database
		db.SetMaxOpenConns(1)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	if err := backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(bo, ctx)); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, "PRAGMA "+pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("PRAGMA %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	b := &Backend{
		db:     db,
		logger: logger.WithField("component", "sql-backend"),
	}
	b.logger.WithField("dsn", dsn).Info("Database backend ready")
	return b, nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

func (b *Backend) requireBucket(ctx context.Context, bucket string) error {
	var one int
	err := b.db.GetContext(ctx, &one, `SELECT 1 FROM buckets WHERE name = ?`, bucket)
	if err == nil {
		return nil
	}
	if isNoRows(err) {
		return s3err.ErrNoSuchBucket
	}
	return fmt.Errorf("checking bucket %q: %w", bucket, err)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

type bucketRow struct {
	Name         string `db:"name"`
	CreationDate int64  `db:"creation_date"`
	BucketType   string `db:"bucket_type"`
	StorageClass string `db:"storage_class"`
	Tags         string `db:"tags"`
}

func (r *bucketRow) info() (*storage.BucketInfo, error) {
	info := &storage.BucketInfo{
		Name:         r.Name,
		CreationDate: time.Unix(0, r.CreationDate).UTC(),
		Type:         storage.BucketType(r.BucketType),
		StorageClass: r.StorageClass,
	}
	if r.Tags != "" && r.Tags != "{}" {
		if err := json.Unmarshal([]byte(r.Tags), &info.Tags); err != nil {
			return nil, fmt.Errorf("decoding bucket tags: %w", err)
		}
	}
	return info, nil
}

func (b *Backend) CreateBucket(ctx context.Context, info *storage.BucketInfo) error {
	tags, err := json.Marshal(info.Tags)
	if err != nil {
		return fmt.Errorf("encoding bucket tags: %w", err)
	}
	if info.Tags == nil {
		tags = []byte("{}")
	}

	res, err := b.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO buckets (name, creation_date, bucket_type, storage_class, tags)
		VALUES (?, ?, ?, ?, ?)
	`, info.Name, info.CreationDate.UnixNano(), string(info.Type), info.StorageClass, string(tags))
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("creating bucket: %w", err)
	}
	if n == 0 {
		return s3err.ErrBucketAlreadyExists
	}

	b.logger.WithFields(logrus.Fields{
		"bucket": info.Name,
		"type":   info.Type,
	}).Debug("Bucket created")
	return nil
}

func (b *Backend) GetBucket(ctx context.Context, name string) (*storage.BucketInfo, error) {
	var row bucketRow
	err := b.db.GetContext(ctx, &row, `
		SELECT name, creation_date, bucket_type, storage_class, tags
		FROM buckets WHERE name = ?
	`, name)
	if err != nil {
		if isNoRows(err) {
			return nil, s3err.ErrNoSuchBucket
		}
		return nil, fmt.Errorf("loading bucket: %w", err)
	}
	return row.info()
}

func (b *Backend) ListBuckets(ctx context.Context) ([]*storage.BucketInfo, error) {
	var rows []bucketRow
	err := b.db.SelectContext(ctx, &rows, `
		SELECT name, creation_date, bucket_type, storage_class, tags
		FROM buckets ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("listing buckets: %w", err)
	}
	out := make([]*storage.BucketInfo, 0, len(rows))
	for i := range rows {
		info, err := rows[i].info()
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (b *Backend) DeleteBucket(ctx context.Context, name string) error {
	res, err := b.db.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("deleting bucket: %w", err)
	}
	if n == 0 {
		return s3err.ErrNoSuchBucket
	}
	b.logger.WithField("bucket", name).Debug("Bucket deleted")
	return nil
}

func (b *Backend) UpdateBucketTags(ctx context.Context, name string, tags map[string]string) error {
	doc, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("encoding bucket tags: %w", err)
	}
	if tags == nil {
		doc = []byte("{}")
	}
	res, err := b.db.ExecContext(ctx, `UPDATE buckets SET tags = ? WHERE name = ?`, string(doc), name)
	if err != nil {
		return fmt.Errorf("updating bucket tags: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("updating bucket tags: %w", err)
	}
	if n == 0 {
		return s3err.ErrNoSuchBucket
	}
	return nil
}

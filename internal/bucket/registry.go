// Package bucket implements the bucket registry: name validation, creation
// with configured defaults, listing, deletion with an emptiness check, and
// tagging. The bucket type is fixed at creation and governs listing
// semantics for the lifetime of the bucket.
package bucket

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lamina-storage/lamina/internal/s3err"
	"github.com/lamina-storage/lamina/internal/storage"
)

// DefaultStorageClass is recorded on buckets created without an explicit
// storage class and no configured default.
const DefaultStorageClass = "STANDARD"

// Defaults supplies the bucket attributes applied when a creation request
// leaves them unset.
type Defaults struct {
	Type         storage.BucketType
	StorageClass string
}

// Registry manages the bucket namespace over a storage backend. Bucket names
// are globally unique across all principals.
type Registry struct {
	backend  storage.Backend
	defaults Defaults
	logger   *logrus.Entry
}

// NewRegistry wires a Registry over the given backend.
func NewRegistry(backend storage.Backend, defaults Defaults, logger *logrus.Logger) *Registry {
	if defaults.Type == "" {
		defaults.Type = storage.BucketTypeGeneralPurpose
	}
	if defaults.StorageClass == "" {
		defaults.StorageClass = DefaultStorageClass
	}
	return &Registry{
		backend:  backend,
		defaults: defaults,
		logger:   logger.WithField("component", "bucket-registry"),
	}
}

var ipShaped = regexp.MustCompile(`^(\d+\.){3}\d+$`)

// reservedPrefixes cannot start a bucket name.
var reservedPrefixes = []string{"xn--", "sthree-", "amzn-s3-demo-"}

// ValidateName checks a bucket name against the naming rules: 3-63
// characters from [a-z0-9.-], starting and ending with a letter or digit,
// no "..", ".-" or "-." sequences, not shaped like an IPv4 address, and not
// carrying a reserved prefix.
func ValidateName(name string) error {
	if len(name) < 3 || len(name) > 63 {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must be between 3 and 63 characters long")
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '-' {
			return s3err.ErrInvalidBucketName.WithMessage("bucket name contains invalid character %q", c)
		}
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must begin and end with a letter or digit")
	}
	if strings.Contains(name, "..") || strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must not contain adjacent dots or dot-hyphen sequences")
	}
	if ipShaped.MatchString(name) {
		return s3err.ErrInvalidBucketName.WithMessage("bucket name must not be formatted like an IP address")
	}
	for _, p := range reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return s3err.ErrInvalidBucketName.WithMessage("bucket name must not start with the reserved prefix %q", p)
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

// CreateRequest creates one bucket. Zero-valued fields fall back to the
// registry defaults.
type CreateRequest struct {
	Name         string
	Type         storage.BucketType
	StorageClass string
}

// Create validates the name, applies defaults, and registers the bucket.
// Name collisions fail with BucketAlreadyExists regardless of who owns the
// existing bucket.
func (r *Registry) Create(ctx context.Context, req *CreateRequest) (*storage.BucketInfo, error) {
	if err := ValidateName(req.Name); err != nil {
		return nil, err
	}

	info := &storage.BucketInfo{
		Name:         req.Name,
		CreationDate: time.Now().UTC(),
		Type:         req.Type,
		StorageClass: req.StorageClass,
	}
	if info.Type == "" {
		info.Type = r.defaults.Type
	}
	if info.StorageClass == "" {
		info.StorageClass = r.defaults.StorageClass
	}

	if err := r.backend.CreateBucket(ctx, info); err != nil {
		return nil, err
	}
	r.logger.WithFields(logrus.Fields{
		"bucket": info.Name,
		"type":   info.Type,
	}).Info("Created bucket")
	return info, nil
}

// Get returns the bucket record.
func (r *Registry) Get(ctx context.Context, name string) (*storage.BucketInfo, error) {
	return r.backend.GetBucket(ctx, name)
}

// List returns all buckets sorted by name.
func (r *Registry) List(ctx context.Context) ([]*storage.BucketInfo, error) {
	return r.backend.ListBuckets(ctx)
}

// Delete removes a bucket. Without force the bucket must hold no object
// data and no in-progress uploads; with force everything it contains is
// cascaded away.
func (r *Registry) Delete(ctx context.Context, name string, force bool) error {
	info, err := r.backend.GetBucket(ctx, name)
	if err != nil {
		return err
	}

	if !force {
		empty, err := r.isEmpty(ctx, name, info.Type)
		if err != nil {
			return err
		}
		if !empty {
			return s3err.ErrBucketNotEmpty
		}
	}

	if err := r.backend.DeleteBucket(ctx, name); err != nil {
		return err
	}
	r.logger.WithFields(logrus.Fields{
		"bucket": name,
		"force":  force,
	}).Info("Deleted bucket")
	return nil
}

func (r *Registry) isEmpty(ctx context.Context, name string, bt storage.BucketType) (bool, error) {
	res, err := r.backend.ListDataKeys(ctx, name, bt, storage.ListOptions{MaxKeys: 1})
	if err != nil {
		return false, err
	}
	if len(res.Keys) > 0 {
		return false, nil
	}
	uploads, err := r.backend.ListUploads(ctx, name)
	if err != nil {
		return false, err
	}
	return len(uploads) == 0, nil
}

// GetTags returns the bucket's tag set, empty when none are stored.
func (r *Registry) GetTags(ctx context.Context, name string) (map[string]string, error) {
	info, err := r.backend.GetBucket(ctx, name)
	if err != nil {
		return nil, err
	}
	return info.Tags, nil
}

// SetTags replaces the bucket's tag set.
func (r *Registry) SetTags(ctx context.Context, name string, tags map[string]string) error {
	return r.backend.UpdateBucketTags(ctx, name, tags)
}

// DeleteTags removes every tag from the bucket.
func (r *Registry) DeleteTags(ctx context.Context, name string) error {
	return r.backend.UpdateBucketTags(ctx, name, nil)
}

package auth

import "strings"

// Permission is one of the four coarse access rights a user holds on a
// bucket pattern.
type Permission string

const (
	PermissionList   Permission = "list"
	PermissionRead   Permission = "read"
	PermissionWrite  Permission = "write"
	PermissionDelete Permission = "delete"
)

// BucketPermission grants a permission set on buckets matching Pattern.
// Pattern is "*" for all buckets, "prefix*" for a prefix match, or an exact
// bucket name.
type BucketPermission struct {
	BucketPattern string
	Permissions   []Permission
}

// User is a configured S3 credential pair with its grants.
type User struct {
	AccessKeyID     string
	SecretAccessKey string
	DisplayName     string
	Permissions     []BucketPermission
}

// Principal is an authenticated caller. A nil principal means authentication
// is disabled and every operation is allowed.
type Principal struct {
	AccessKeyID string
	DisplayName string
	permissions []BucketPermission
}

// Allowed reports whether the principal holds perm on bucket.
func (p *Principal) Allowed(bucket string, perm Permission) bool {
	if p == nil {
		return true
	}
	for _, bp := range p.permissions {
		if !matchBucketPattern(bp.BucketPattern, bucket) {
			continue
		}
		for _, granted := range bp.Permissions {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

func matchBucketPattern(pattern, bucket string) bool {
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(bucket, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == bucket
}

// CredentialStore resolves access keys to users in O(1).
type CredentialStore struct {
	users map[string]*User
}

// NewCredentialStore indexes the configured users by access key.
func NewCredentialStore(users []User) *CredentialStore {
	s := &CredentialStore{users: make(map[string]*User, len(users))}
	for i := range users {
		u := users[i]
		s.users[u.AccessKeyID] = &u
	}
	return s
}

// Empty reports whether the store holds no users. An empty store puts the
// server in open mode where every request is accepted anonymously.
func (s *CredentialStore) Empty() bool {
	return s == nil || len(s.users) == 0
}

// Lookup returns the user for an access key.
func (s *CredentialStore) Lookup(accessKeyID string) (*User, bool) {
	u, ok := s.users[accessKeyID]
	return u, ok
}

// principal builds the Principal view of a user.
func (u *User) principal() *Principal {
	return &Principal{
		AccessKeyID: u.AccessKeyID,
		DisplayName: u.DisplayName,
		permissions: u.Permissions,
	}
}

package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrincipalAllowed(t *testing.T) {
	readOnly := &Principal{
		AccessKeyID: "AKID",
		permissions: []BucketPermission{
			{BucketPattern: "logs-*", Permissions: []Permission{PermissionList, PermissionRead}},
			{BucketPattern: "scratch", Permissions: []Permission{PermissionList, PermissionRead, PermissionWrite, PermissionDelete}},
		},
	}

	tests := []struct {
		name     string
		p        *Principal
		bucket   string
		perm     Permission
		expected bool
	}{
		{"nil principal allows everything", nil, "any-bucket", PermissionDelete, true},
		{"prefix pattern grants read", readOnly, "logs-app", PermissionRead, true},
		{"prefix pattern denies write", readOnly, "logs-app", PermissionWrite, false},
		{"prefix pattern misses other bucket", readOnly, "data", PermissionRead, false},
		{"exact pattern grants all", readOnly, "scratch", PermissionDelete, true},
		{"exact pattern is not a prefix", readOnly, "scratch-2", PermissionRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.p.Allowed(tt.bucket, tt.perm))
		})
	}
}

func TestMatchBucketPattern(t *testing.T) {
	assert.True(t, matchBucketPattern("*", "anything"))
	assert.True(t, matchBucketPattern("logs-*", "logs-"))
	assert.True(t, matchBucketPattern("logs-*", "logs-2026"))
	assert.False(t, matchBucketPattern("logs-*", "logs"))
	assert.True(t, matchBucketPattern("exact", "exact"))
	assert.False(t, matchBucketPattern("exact", "exact2"))
}

func TestCredentialStoreLookup(t *testing.T) {
	store := NewCredentialStore([]User{
		{AccessKeyID: "AKID1", SecretAccessKey: "secret1", DisplayName: "alpha"},
		{AccessKeyID: "AKID2", SecretAccessKey: "secret2", DisplayName: "beta"},
	})

	u, ok := store.Lookup("AKID2")
	require.True(t, ok)
	assert.Equal(t, "beta", u.DisplayName)
	assert.Equal(t, "secret2", u.SecretAccessKey)

	_, ok = store.Lookup("missing")
	assert.False(t, ok)

	assert.False(t, store.Empty())
	assert.True(t, NewCredentialStore(nil).Empty())

	var nilStore *CredentialStore
	assert.True(t, nilStore.Empty())
}

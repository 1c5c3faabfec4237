package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/storage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedUser(t *testing.T, db *DB, username string) *storage.User {
	t.Helper()
	user := &storage.User{
		ID:       uuid.New().String(),
		Username: username,
		Status:   storage.UserStatusActive,
	}
	require.NoError(t, db.Users().Create(context.Background(), user))
	return user
}

func seedProfile(t *testing.T, db *DB, name string, allow, deny []string, parentID *string) *storage.ToolProfile {
	t.Helper()
	profile := &storage.ToolProfile{
		ID:            uuid.New().String(),
		Name:          name,
		AllowPatterns: allow,
		DenyPatterns:  deny,
		ParentID:      parentID,
	}
	require.NoError(t, db.Profiles().Create(context.Background(), profile))
	return profile
}

func TestMigrationsSeedAllUsersGroup(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)

	group, err := db.Groups().GetByName(context.Background(), storage.AllUsersGroup)
	require.NoError(t, err)
	assert.Equal(t, storage.AllUsersGroup, group.Name)
}

func TestUserRoundTrip(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "alice")
	got, err := db.Users().GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)

	require.NoError(t, db.Users().SetVaultSalt(ctx, user.ID, []byte("salt-bytes")))
	got, err = db.Users().GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("salt-bytes"), got.VaultSalt)

	// Duplicate usernames are rejected.
	err = db.Users().Create(ctx, &storage.User{ID: uuid.New().String(), Username: "alice"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)
}

func TestClientCascadeOnUserDelete(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "bob")
	profile := seedProfile(t, db, "default", []string{"*"}, nil, nil)
	client := &storage.Client{
		ID:        uuid.New().String(),
		UserID:    user.ID,
		KeyPrefix: "amb_abcdef123456",
		KeyHash:   "hash",
		ProfileID: profile.ID,
	}
	require.NoError(t, db.Clients().Create(ctx, client))

	// Deleting the user cascades to the client.
	_, err := db.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, user.ID)
	require.NoError(t, err)

	_, err = db.Clients().GetByID(ctx, client.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionReplaceForUser(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "carol")
	now := time.Now()
	session := &storage.Session{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		ClientID:       "client-old",
		TokenHash:      "old-hash",
		TokenNonce:     "nonce-1",
		ProfileID:      "profile-old",
		CreatedAt:      now,
		LastActivityAt: now,
		ExpiresAt:      now.Add(24 * time.Hour),
		IdleTimeout:    5 * time.Minute,
		SpindownDelay:  10 * time.Minute,
	}
	require.NoError(t, db.Sessions().Create(ctx, session))
	require.NoError(t, db.Sessions().UpdateStatus(ctx, session.ID, storage.SessionStatusSuspended, now))

	replaced, err := db.Sessions().ReplaceForUser(ctx,
		user.ID, "client-new", "profile-new", "new-hash", "nonce-2", now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, session.ID, replaced.ID, "session row is reused")
	assert.Equal(t, storage.SessionStatusActive, replaced.Status)
	assert.Equal(t, "client-new", replaced.ClientID, "client binding follows the new registration")
	assert.Equal(t, "profile-new", replaced.ProfileID, "profile binding follows the new registration")

	// The old token no longer resolves.
	_, err = db.Sessions().GetByTokenHash(ctx, "old-hash")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := db.Sessions().GetByTokenHash(ctx, "new-hash")
	require.NoError(t, err)
	assert.Equal(t, session.ID, got.ID)
}

func TestSessionSweep(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "dave")
	now := time.Now()
	session := &storage.Session{
		ID: uuid.New().String(), UserID: user.ID, TokenHash: "h", TokenNonce: "n",
		CreatedAt: now, LastActivityAt: now, ExpiresAt: now,
	}
	require.NoError(t, db.Sessions().Create(ctx, session))
	require.NoError(t, db.Sessions().UpdateStatus(ctx, session.ID, storage.SessionStatusExpired, now.Add(-25*time.Hour)))

	deleted, err := db.Sessions().DeleteExpiredBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = db.Sessions().GetByID(ctx, session.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCatalogVisibilityThroughGroups(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "erin")
	allUsers, err := db.Groups().GetByName(ctx, storage.AllUsersGroup)
	require.NoError(t, err)

	public := &storage.CatalogEntry{
		ID: uuid.New().String(), Name: "echo", Transport: storage.TransportStdio,
		Isolation: storage.IsolationPerUser, PublicationStatus: storage.PublicationPublished,
	}
	require.NoError(t, db.Catalog().Create(ctx, public))
	require.NoError(t, db.Groups().GrantCatalogAccess(ctx, allUsers.ID, public.ID))

	draft := &storage.CatalogEntry{
		ID: uuid.New().String(), Name: "wip", Transport: storage.TransportStdio,
		PublicationStatus: storage.PublicationDraft,
	}
	require.NoError(t, db.Catalog().Create(ctx, draft))
	require.NoError(t, db.Groups().GrantCatalogAccess(ctx, allUsers.ID, draft.ID))

	private := &storage.CatalogEntry{
		ID: uuid.New().String(), Name: "internal", Transport: storage.TransportHTTP,
		PublicationStatus: storage.PublicationPublished,
	}
	require.NoError(t, db.Catalog().Create(ctx, private))
	team := &storage.Group{ID: uuid.New().String(), Name: "team-x"}
	require.NoError(t, db.Groups().Create(ctx, team))
	require.NoError(t, db.Groups().GrantCatalogAccess(ctx, team.ID, private.ID))

	// erin sees the all-users entry only.
	entries, err := db.Catalog().ListPublishedForUser(ctx, user.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "echo", entries[0].Name)

	// Joining team-x exposes the private entry too.
	require.NoError(t, db.Groups().AddUser(ctx, team.ID, user.ID))
	entries, err = db.Catalog().ListPublishedForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCredentialUpsert(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "frank")
	entry := &storage.CatalogEntry{
		ID: uuid.New().String(), Name: "github", Transport: storage.TransportStdio,
		PublicationStatus: storage.PublicationPublished,
	}
	require.NoError(t, db.Catalog().Create(ctx, entry))

	cred := &storage.UserCredential{
		ID: uuid.New().String(), UserID: user.ID, CatalogID: entry.ID,
		Ciphertext: []byte{1, 2, 3}, IV: []byte{4, 5, 6},
		CredentialType: storage.CredentialTypeStatic,
	}
	require.NoError(t, db.Credentials().Upsert(ctx, cred))

	cred.Ciphertext = []byte{7, 8, 9}
	cred.CredentialType = storage.CredentialTypeOAuth2
	cred.OAuthStatus = "success"
	require.NoError(t, db.Credentials().Upsert(ctx, cred))

	got, err := db.Credentials().Get(ctx, user.ID, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 9}, got.Ciphertext)
	assert.Equal(t, "success", got.OAuthStatus)

	require.NoError(t, db.Credentials().Delete(ctx, user.ID, entry.ID))
	_, err = db.Credentials().Get(ctx, user.ID, entry.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOAuthStateConsumeIsSingleUse(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "grace")
	entry := &storage.CatalogEntry{
		ID: uuid.New().String(), Name: "drive", Transport: storage.TransportHTTP,
		PublicationStatus: storage.PublicationPublished,
	}
	require.NoError(t, db.Catalog().Create(ctx, entry))

	now := time.Now()
	state := &storage.OAuthState{
		State: "state-123", UserID: user.ID, CatalogID: entry.ID,
		CodeVerifier: "verifier", RedirectURI: "https://portal/callback",
		CreatedAt: now, ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, db.OAuthStates().Create(ctx, state))

	got, err := db.OAuthStates().Consume(ctx, "state-123")
	require.NoError(t, err)
	assert.Equal(t, "verifier", got.CodeVerifier)

	// Second consume finds nothing.
	_, err = db.OAuthStates().Consume(ctx, "state-123")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOAuthStateDeleteExpired(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	user := seedUser(t, db, "heidi")
	entry := &storage.CatalogEntry{
		ID: uuid.New().String(), Name: "cal", Transport: storage.TransportHTTP,
		PublicationStatus: storage.PublicationPublished,
	}
	require.NoError(t, db.Catalog().Create(ctx, entry))

	now := time.Now()
	for i, exp := range []time.Time{now.Add(-time.Minute), now.Add(10 * time.Minute)} {
		require.NoError(t, db.OAuthStates().Create(ctx, &storage.OAuthState{
			State: uuid.New().String(), UserID: user.ID, CatalogID: entry.ID,
			CodeVerifier: "v", RedirectURI: "r",
			CreatedAt: now.Add(time.Duration(i) * time.Second), ExpiresAt: exp,
		}))
	}

	deleted, err := db.OAuthStates().DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestAdminKeyRotate(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()

	_, err := db.AdminKeys().Get(ctx)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, db.AdminKeys().Rotate(ctx, "key-hash-1", "recovery-hash-1"))
	require.NoError(t, db.AdminKeys().Rotate(ctx, "key-hash-2", "recovery-hash-2"))

	key, err := db.AdminKeys().Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, "key-hash-2", key.KeyHash)
}

func TestAuditSinkEmitAndQuery(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	ctx := context.Background()
	sink := db.AuditSink()

	deny := audit.NewEvent(audit.EventTypeAuthZDeny,
		audit.EventSource{Type: "network", Value: "10.0.0.1"},
		audit.OutcomeDenied,
		map[string]string{audit.SubjectKeyUserID: "u1", audit.SubjectKeyClientID: "c1"},
		"authz")
	invoke := audit.NewEvent(audit.EventTypeToolInvocation,
		audit.EventSource{Type: "network", Value: "10.0.0.1"},
		audit.OutcomeSuccess,
		map[string]string{audit.SubjectKeyUserID: "u2"},
		"pipeline")

	require.NoError(t, sink.EmitBatch(ctx, []*audit.Event{deny, invoke}))

	events, err := sink.Query(ctx, audit.Filter{Types: []string{audit.EventTypeAuthZDeny}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "u1", events[0].Subjects[audit.SubjectKeyUserID])

	events, err = sink.Query(ctx, audit.Filter{UserID: "u2"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, audit.EventTypeToolInvocation, events[0].Type)
}

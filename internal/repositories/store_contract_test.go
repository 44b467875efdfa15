package repositories

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeSet is one backend's implementation of every repository
type storeSet struct {
	principals interface {
		GetByID(ctx context.Context, id string) (*models.Principal, error)
		GetByUsername(ctx context.Context, username string) (*models.Principal, error)
		Create(ctx context.Context, principal *models.Principal) (*models.Principal, error)
		CreateWithCredential(ctx context.Context, principal *models.Principal, credential *models.Credential) (*models.Principal, error)
		UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
		SetRecoveryCodes(ctx context.Context, id string, hashes []string) error
		RemoveRecoveryCode(ctx context.Context, id, hash string) (bool, error)
	}
	credentials interface {
		GetByID(ctx context.Context, id string) (*models.Credential, error)
		GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error)
		ListByPrincipal(ctx context.Context, principalID string) ([]*models.Credential, error)
		Create(ctx context.Context, credential *models.Credential) (*models.Credential, error)
		Delete(ctx context.Context, principalID, id string) error
		ConfirmTOTP(ctx context.Context, id string, step int64, confirmedAt time.Time) error
		UpdateSignCount(ctx context.Context, id string, expected, next uint32, usedAt time.Time) (bool, error)
		UpdateTOTPStep(ctx context.Context, id string, previous, step int64, usedAt time.Time) (bool, error)
	}
	challenges interface {
		SaveChallenge(ctx context.Context, challenge *models.Challenge) error
		ConsumeChallenge(ctx context.Context, value []byte) (*models.Challenge, error)
		DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	}
	recoveryTokens interface {
		GetByPrincipal(ctx context.Context, principalID string) (*models.RecoveryToken, error)
		Replace(ctx context.Context, token *models.RecoveryToken) error
		Consume(ctx context.Context, principalID, tokenHash string) (bool, error)
		DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	}
	rateLimits interface {
		GetBucket(ctx context.Context, action, key string) (*models.RateLimitBucket, error)
		HitBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error)
		ReleaseBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error
		ResetBucket(ctx context.Context, action, key string) error
		DeleteStale(ctx context.Context, now time.Time, maxWindow time.Duration) (int64, error)
	}
	sudoSessions interface {
		Get(ctx context.Context, sessionID string) (*models.SudoModeSession, error)
		Save(ctx context.Context, session *models.SudoModeSession) error
		Delete(ctx context.Context, sessionID string) error
		DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error)
	}
	events interface {
		Create(ctx context.Context, ev *models.Event) error
		ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error)
	}
}

func memoryStoreSet() storeSet {
	m := NewMemoryStore()
	return storeSet{
		principals:     m.Principals(),
		credentials:    m.Credentials(),
		challenges:     m.Challenges(),
		recoveryTokens: m.RecoveryTokens(),
		rateLimits:     m.RateLimits(),
		sudoSessions:   m.SudoSessions(),
		events:         m.Events(),
	}
}

func newTestPrincipal(username string) *models.Principal {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Principal{
		ID:           uuid.NewString(),
		Email:        username,
		Name:         "Test",
		PasswordHash: "$2a$04$hash",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestPasskey(principalID string, credentialID []byte) *models.Credential {
	return &models.Credential{
		ID:           uuid.NewString(),
		PrincipalID:  principalID,
		Type:         models.CredentialTypePublicKey,
		Name:         "Laptop",
		CredentialID: credentialID,
		PublicKey:    []byte{0xa5, 0x01, 0x02},
		SignCount:    5,
		Transports:   []string{"internal", "hybrid"},
		Attachment:   "platform",
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
	}
}

const contenders = 16

// race runs fn from contenders goroutines released together and returns how
// many reported success
func race(t *testing.T, fn func() (bool, error)) int {
	t.Helper()

	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			ok, err := fn()
			if err != nil {
				errs <- err
				return
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	return int(wins.Load())
}

// runStoreContract checks the behavior every storage backend must share.
// newSet must return an empty backend.
func runStoreContract(t *testing.T, newSet func(t *testing.T) storeSet) {
	ctx := context.Background()

	t.Run("principal lifecycle", func(t *testing.T) {
		s := newSet(t)

		created, err := s.principals.Create(ctx, newTestPrincipal("alice@example.com"))
		require.NoError(t, err)
		assert.True(t, created.HasPassword())
		assert.Nil(t, created.RecoveryCodeHashes)

		byName, err := s.principals.GetByUsername(ctx, "alice@example.com")
		require.NoError(t, err)
		assert.Equal(t, created.ID, byName.ID)

		_, err = s.principals.Create(ctx, newTestPrincipal("alice@example.com"))
		assert.ErrorIs(t, err, models.ErrConflict)

		_, err = s.principals.GetByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, models.ErrNotFound)

		changedAt := time.Now().UTC().Truncate(time.Microsecond)
		require.NoError(t, s.principals.UpdatePassword(ctx, created.ID, "new-hash", changedAt))
		updated, err := s.principals.GetByID(ctx, created.ID)
		require.NoError(t, err)
		assert.Equal(t, "new-hash", updated.PasswordHash)
		require.NotNil(t, updated.PasswordChangedAt)
		assert.WithinDuration(t, changedAt, *updated.PasswordChangedAt, time.Millisecond)

		assert.ErrorIs(t, s.principals.UpdatePassword(ctx, uuid.NewString(), "x", changedAt), models.ErrNotFound)
	})

	t.Run("recovery codes are single use", func(t *testing.T) {
		s := newSet(t)
		p, err := s.principals.Create(ctx, newTestPrincipal("bob@example.com"))
		require.NoError(t, err)

		require.NoError(t, s.principals.SetRecoveryCodes(ctx, p.ID, []string{"h1", "h2"}))

		removed, err := s.principals.RemoveRecoveryCode(ctx, p.ID, "h1")
		require.NoError(t, err)
		assert.True(t, removed)

		removed, err = s.principals.RemoveRecoveryCode(ctx, p.ID, "h1")
		require.NoError(t, err)
		assert.False(t, removed)

		got, err := s.principals.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{"h2"}, got.RecoveryCodeHashes)

		require.NoError(t, s.principals.SetRecoveryCodes(ctx, p.ID, nil))
		got, err = s.principals.GetByID(ctx, p.ID)
		require.NoError(t, err)
		assert.Nil(t, got.RecoveryCodeHashes)
	})

	t.Run("principal with passkey is created atomically", func(t *testing.T) {
		s := newSet(t)
		existing, err := s.principals.Create(ctx, newTestPrincipal("carol@example.com"))
		require.NoError(t, err)
		_, err = s.credentials.Create(ctx, newTestPasskey(existing.ID, []byte("taken")))
		require.NoError(t, err)

		_, err = s.principals.CreateWithCredential(ctx, newTestPrincipal("dave@example.com"), newTestPasskey("", []byte("taken")))
		assert.ErrorIs(t, err, models.ErrConflict)
		_, err = s.principals.GetByUsername(ctx, "dave@example.com")
		assert.ErrorIs(t, err, models.ErrNotFound, "no principal without its credential")

		passkey := newTestPasskey("", []byte("fresh"))
		created, err := s.principals.CreateWithCredential(ctx, newTestPrincipal("dave@example.com"), passkey)
		require.NoError(t, err)

		cred, err := s.credentials.GetByCredentialID(ctx, []byte("fresh"))
		require.NoError(t, err)
		assert.Equal(t, created.ID, cred.PrincipalID)
	})

	t.Run("credential lifecycle", func(t *testing.T) {
		s := newSet(t)
		p, err := s.principals.Create(ctx, newTestPrincipal("erin@example.com"))
		require.NoError(t, err)

		passkey, err := s.credentials.Create(ctx, newTestPasskey(p.ID, []byte("cred-1")))
		require.NoError(t, err)
		assert.Equal(t, []string{"internal", "hybrid"}, passkey.Transports)
		assert.Equal(t, uint32(5), passkey.SignCount)

		totp, err := s.credentials.Create(ctx, &models.Credential{
			ID:              uuid.NewString(),
			PrincipalID:     p.ID,
			Type:            models.CredentialTypeTOTP,
			SecretEncrypted: []byte("sealed"),
			SecretNonce:     []byte("nonce"),
			CreatedAt:       passkey.CreatedAt.Add(time.Second),
		})
		require.NoError(t, err)
		assert.False(t, totp.IsEnabled())

		_, err = s.credentials.Create(ctx, newTestPasskey(uuid.NewString(), []byte("orphan")))
		assert.ErrorIs(t, err, models.ErrBadRequest)

		list, err := s.credentials.ListByPrincipal(ctx, p.ID)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, passkey.ID, list[0].ID)

		now := time.Now().UTC()
		require.NoError(t, s.credentials.ConfirmTOTP(ctx, totp.ID, 100, now))
		assert.ErrorIs(t, s.credentials.ConfirmTOTP(ctx, passkey.ID, 100, now), models.ErrNotFound)

		ok, err := s.credentials.UpdateTOTPStep(ctx, totp.ID, 100, 101, now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.credentials.UpdateTOTPStep(ctx, totp.ID, 101, 101, now)
		require.NoError(t, err)
		assert.False(t, ok, "a step is accepted once")
		ok, err = s.credentials.UpdateTOTPStep(ctx, totp.ID, 100, 102, now)
		require.NoError(t, err)
		assert.False(t, ok, "stale previous step")

		ok, err = s.credentials.UpdateSignCount(ctx, passkey.ID, 5, 6, now)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.credentials.UpdateSignCount(ctx, passkey.ID, 5, 7, now)
		require.NoError(t, err)
		assert.False(t, ok, "counter moved underneath")

		got, err := s.credentials.GetByID(ctx, totp.ID)
		require.NoError(t, err)
		assert.True(t, got.Confirmed)
		assert.Equal(t, int64(101), got.LastUsedStep)

		assert.ErrorIs(t, s.credentials.Delete(ctx, uuid.NewString(), passkey.ID), models.ErrNotFound)
		require.NoError(t, s.credentials.Delete(ctx, p.ID, passkey.ID))
		_, err = s.credentials.GetByID(ctx, passkey.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("challenges are consumed once", func(t *testing.T) {
		s := newSet(t)
		now := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, s.challenges.SaveChallenge(ctx, &models.Challenge{
			Value:                    []byte("live"),
			Purpose:                  models.ChallengePurposeAssertion,
			UserVerificationRequired: true,
			CreatedAt:                now,
			ExpiresAt:                now.Add(time.Minute),
		}))
		require.NoError(t, s.challenges.SaveChallenge(ctx, &models.Challenge{
			Value:     []byte("stale"),
			Purpose:   models.ChallengePurposeRegistration,
			Username:  "frank@example.com",
			CreatedAt: now.Add(-time.Hour),
			ExpiresAt: now.Add(-time.Minute),
		}))

		got, err := s.challenges.ConsumeChallenge(ctx, []byte("live"))
		require.NoError(t, err)
		assert.Equal(t, models.ChallengePurposeAssertion, got.Purpose)
		assert.True(t, got.UserVerificationRequired)

		_, err = s.challenges.ConsumeChallenge(ctx, []byte("live"))
		assert.ErrorIs(t, err, models.ErrNotFound)

		n, err := s.challenges.DeleteExpired(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("recovery tokens", func(t *testing.T) {
		s := newSet(t)
		p, err := s.principals.Create(ctx, newTestPrincipal("grace@example.com"))
		require.NoError(t, err)
		now := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, s.recoveryTokens.Replace(ctx, &models.RecoveryToken{PrincipalID: p.ID, TokenHash: "first", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
		require.NoError(t, s.recoveryTokens.Replace(ctx, &models.RecoveryToken{PrincipalID: p.ID, TokenHash: "second", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

		ok, err := s.recoveryTokens.Consume(ctx, p.ID, "first")
		require.NoError(t, err)
		assert.False(t, ok, "replaced tokens are invalid")

		got, err := s.recoveryTokens.GetByPrincipal(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "second", got.TokenHash)

		ok, err = s.recoveryTokens.Consume(ctx, p.ID, "second")
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.recoveryTokens.Consume(ctx, p.ID, "second")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.recoveryTokens.Replace(ctx, &models.RecoveryToken{PrincipalID: p.ID, TokenHash: "third", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))
		n, err := s.recoveryTokens.DeleteExpired(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
		_, err = s.recoveryTokens.GetByPrincipal(ctx, p.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("rate limit buckets", func(t *testing.T) {
		s := newSet(t)
		rule := models.RateLimitRule{MaxAttempts: 2, Window: time.Minute, Lockout: 5 * time.Minute}
		now := time.Now().UTC().Truncate(time.Microsecond)

		_, err := s.rateLimits.GetBucket(ctx, "login", "identity:a")
		assert.ErrorIs(t, err, models.ErrNotFound)

		locked, _, err := s.rateLimits.HitBucket(ctx, "login", "identity:a", rule, now)
		require.NoError(t, err)
		assert.False(t, locked)

		locked, bucket, err := s.rateLimits.HitBucket(ctx, "login", "identity:a", rule, now.Add(time.Second))
		require.NoError(t, err)
		assert.True(t, locked)
		assert.True(t, bucket.IsLocked(now.Add(time.Minute)))

		locked, _, err = s.rateLimits.HitBucket(ctx, "login", "identity:a", rule, now.Add(2*time.Second))
		require.NoError(t, err)
		assert.False(t, locked, "lockout is reported once")

		_, _, err = s.rateLimits.HitBucket(ctx, "sudo-mode", "identity:a", rule, now)
		require.NoError(t, err)
		require.NoError(t, s.rateLimits.ResetBucket(ctx, "sudo-mode", "identity:a"))
		_, err = s.rateLimits.GetBucket(ctx, "sudo-mode", "identity:a")
		assert.ErrorIs(t, err, models.ErrNotFound)

		n, err := s.rateLimits.DeleteStale(ctx, now.Add(time.Minute), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n, "locked bucket is kept")

		n, err = s.rateLimits.DeleteStale(ctx, now.Add(10*time.Minute), time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})

	t.Run("rate limit release", func(t *testing.T) {
		s := newSet(t)
		rule := models.RateLimitRule{MaxAttempts: 2, Window: time.Minute, Lockout: 5 * time.Minute}
		now := time.Now().UTC().Truncate(time.Microsecond)

		_, _, err := s.rateLimits.HitBucket(ctx, "login", "identity:a", rule, now)
		require.NoError(t, err)
		require.NoError(t, s.rateLimits.ReleaseBucket(ctx, "login", "identity:a", rule, now, false))
		bucket, err := s.rateLimits.GetBucket(ctx, "login", "identity:a")
		require.NoError(t, err)
		assert.Equal(t, 0, bucket.Attempts)

		require.NoError(t, s.rateLimits.ReleaseBucket(ctx, "login", "identity:a", rule, now, false))
		bucket, err = s.rateLimits.GetBucket(ctx, "login", "identity:a")
		require.NoError(t, err)
		assert.Equal(t, 0, bucket.Attempts, "never below zero")

		_, _, err = s.rateLimits.HitBucket(ctx, "login", "identity:a", rule, now)
		require.NoError(t, err)
		locked, _, err := s.rateLimits.HitBucket(ctx, "login", "identity:a", rule, now)
		require.NoError(t, err)
		require.True(t, locked)

		require.NoError(t, s.rateLimits.ReleaseBucket(ctx, "login", "identity:a", rule, now, false))
		bucket, err = s.rateLimits.GetBucket(ctx, "login", "identity:a")
		require.NoError(t, err)
		assert.True(t, bucket.IsLocked(now), "a lockout started elsewhere stays")

		require.NoError(t, s.rateLimits.ReleaseBucket(ctx, "login", "identity:a", rule, now, true))
		bucket, err = s.rateLimits.GetBucket(ctx, "login", "identity:a")
		require.NoError(t, err)
		assert.False(t, bucket.IsLocked(now))
		assert.Equal(t, 1, bucket.Attempts)
	})

	t.Run("single use under contention", func(t *testing.T) {
		s := newSet(t)
		now := time.Now().UTC().Truncate(time.Microsecond)
		p, err := s.principals.Create(ctx, newTestPrincipal("judy@example.com"))
		require.NoError(t, err)

		t.Run("challenge", func(t *testing.T) {
			require.NoError(t, s.challenges.SaveChallenge(ctx, &models.Challenge{
				Value:     []byte("contended"),
				Purpose:   models.ChallengePurposeAssertion,
				CreatedAt: now,
				ExpiresAt: now.Add(time.Minute),
			}))

			wins := race(t, func() (bool, error) {
				_, err := s.challenges.ConsumeChallenge(ctx, []byte("contended"))
				if errors.Is(err, models.ErrNotFound) {
					return false, nil
				}
				return err == nil, err
			})
			assert.Equal(t, 1, wins)
		})

		t.Run("recovery token", func(t *testing.T) {
			require.NoError(t, s.recoveryTokens.Replace(ctx, &models.RecoveryToken{PrincipalID: p.ID, TokenHash: "contended", CreatedAt: now, ExpiresAt: now.Add(time.Hour)}))

			wins := race(t, func() (bool, error) {
				return s.recoveryTokens.Consume(ctx, p.ID, "contended")
			})
			assert.Equal(t, 1, wins)
		})

		t.Run("recovery code", func(t *testing.T) {
			require.NoError(t, s.principals.SetRecoveryCodes(ctx, p.ID, []string{"h1", "h2"}))

			wins := race(t, func() (bool, error) {
				return s.principals.RemoveRecoveryCode(ctx, p.ID, "h1")
			})
			assert.Equal(t, 1, wins)

			got, err := s.principals.GetByID(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, []string{"h2"}, got.RecoveryCodeHashes)
		})

		t.Run("sign count", func(t *testing.T) {
			passkey, err := s.credentials.Create(ctx, newTestPasskey(p.ID, []byte("contended")))
			require.NoError(t, err)

			wins := race(t, func() (bool, error) {
				return s.credentials.UpdateSignCount(ctx, passkey.ID, 5, 6, now)
			})
			assert.Equal(t, 1, wins)

			got, err := s.credentials.GetByID(ctx, passkey.ID)
			require.NoError(t, err)
			assert.Equal(t, uint32(6), got.SignCount)
		})

		t.Run("lockout", func(t *testing.T) {
			rule := models.RateLimitRule{MaxAttempts: 5, Window: time.Minute, Lockout: 5 * time.Minute}

			wins := race(t, func() (bool, error) {
				locked, _, err := s.rateLimits.HitBucket(ctx, "login", "identity:judy", rule, now)
				return locked, err
			})
			assert.Equal(t, 1, wins, "one attempt starts the lockout")

			bucket, err := s.rateLimits.GetBucket(ctx, "login", "identity:judy")
			require.NoError(t, err)
			assert.True(t, bucket.IsLocked(now))
		})
	})

	t.Run("sudo sessions", func(t *testing.T) {
		s := newSet(t)
		p, err := s.principals.Create(ctx, newTestPrincipal("heidi@example.com"))
		require.NoError(t, err)
		confirmed := time.Now().UTC().Truncate(time.Microsecond)

		require.NoError(t, s.sudoSessions.Save(ctx, &models.SudoModeSession{SessionID: "s1", PrincipalID: p.ID, ConfirmedAt: &confirmed}))
		got, err := s.sudoSessions.Get(ctx, "s1")
		require.NoError(t, err)
		require.NotNil(t, got.ConfirmedAt)
		assert.WithinDuration(t, confirmed, *got.ConfirmedAt, time.Millisecond)
		assert.Nil(t, got.RequiredAt)

		n, err := s.sudoSessions.DeleteIdle(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)

		require.NoError(t, s.sudoSessions.Delete(ctx, "s1"))
		_, err = s.sudoSessions.Get(ctx, "s1")
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("events newest first", func(t *testing.T) {
		s := newSet(t)
		principalID := uuid.NewString()
		base := time.Now().UTC().Truncate(time.Microsecond)

		for i, typ := range []models.EventType{models.EventRegistered, models.EventAuthenticationFailed, models.EventAuthenticated} {
			ev := &models.Event{
				Type:        typ,
				PrincipalID: principalID,
				Username:    "ivan@example.com",
				Request:     models.RequestContext{IPAddress: "192.0.2.1"},
				OccurredAt:  base.Add(time.Duration(i) * time.Second),
			}
			require.NoError(t, s.events.Create(ctx, ev))
			assert.NotEmpty(t, ev.ID)
		}
		require.NoError(t, s.events.Create(ctx, &models.Event{Type: models.EventAuthenticationFailed, OccurredAt: base}))

		events, err := s.events.ListByPrincipal(ctx, principalID, 2, 0)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, models.EventAuthenticated, events[0].Type)
		assert.Equal(t, models.EventAuthenticationFailed, events[1].Type)
		assert.Equal(t, "192.0.2.1", events[0].Request.IPAddress)

		events, err = s.events.ListByPrincipal(ctx, principalID, 10, 2)
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, models.EventRegistered, events[0].Type)
	})
}

package repositories

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/google/uuid"
)

// MemoryStore keeps every repository in process memory behind one lock. It
// backs the "memory" storage driver and the service tests.
type MemoryStore struct {
	mu             sync.Mutex
	principals     map[string]*models.Principal
	credentials    map[string]*models.Credential
	challenges     map[string]*models.Challenge
	recoveryTokens map[string]*models.RecoveryToken
	buckets        map[string]*models.RateLimitBucket
	sudoSessions   map[string]*sudoEntry
	events         []*models.Event
}

type sudoEntry struct {
	session   models.SudoModeSession
	updatedAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:     make(map[string]*models.Principal),
		credentials:    make(map[string]*models.Credential),
		challenges:     make(map[string]*models.Challenge),
		recoveryTokens: make(map[string]*models.RecoveryToken),
		buckets:        make(map[string]*models.RateLimitBucket),
		sudoSessions:   make(map[string]*sudoEntry),
	}
}

func (s *MemoryStore) Principals() *MemoryPrincipalRepository {
	return &MemoryPrincipalRepository{s}
}

func (s *MemoryStore) Credentials() *MemoryCredentialRepository {
	return &MemoryCredentialRepository{s}
}

func (s *MemoryStore) Challenges() *MemoryChallengeRepository {
	return &MemoryChallengeRepository{s}
}

func (s *MemoryStore) RecoveryTokens() *MemoryRecoveryTokenRepository {
	return &MemoryRecoveryTokenRepository{s}
}

func (s *MemoryStore) RateLimits() *MemoryRateLimitRepository {
	return &MemoryRateLimitRepository{s}
}

func (s *MemoryStore) SudoSessions() *MemorySudoSessionRepository {
	return &MemorySudoSessionRepository{s}
}

func (s *MemoryStore) Events() *MemoryEventRepository {
	return &MemoryEventRepository{s}
}

func copyPrincipal(p *models.Principal) *models.Principal {
	cp := *p
	if p.RecoveryCodeHashes != nil {
		cp.RecoveryCodeHashes = append([]string(nil), p.RecoveryCodeHashes...)
	}
	return &cp
}

func copyCredential(c *models.Credential) *models.Credential {
	cp := *c
	if c.Transports != nil {
		cp.Transports = append([]string(nil), c.Transports...)
	}
	return &cp
}

// ============================================================================
// Principals
// ============================================================================

type MemoryPrincipalRepository struct{ s *MemoryStore }

func (r *MemoryPrincipalRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.principals[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyPrincipal(p), nil
}

func (r *MemoryPrincipalRepository) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.principals {
		if p.Email == username {
			return copyPrincipal(p), nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryPrincipalRepository) insert(principal *models.Principal) (*models.Principal, error) {
	for _, p := range r.s.principals {
		if p.Email == principal.Email {
			return nil, fmt.Errorf("%w: principals_username_key", models.ErrConflict)
		}
	}
	if _, ok := r.s.principals[principal.ID]; ok {
		return nil, fmt.Errorf("%w: principals_pkey", models.ErrConflict)
	}
	stored := copyPrincipal(principal)
	r.s.principals[stored.ID] = stored
	return copyPrincipal(stored), nil
}

func (r *MemoryPrincipalRepository) Create(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.insert(principal)
}

func (r *MemoryPrincipalRepository) CreateWithCredential(ctx context.Context, principal *models.Principal, credential *models.Credential) (*models.Principal, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if err := r.s.credentialConflict(credential); err != nil {
		return nil, err
	}
	created, err := r.insert(principal)
	if err != nil {
		return nil, err
	}

	credential.PrincipalID = created.ID
	r.s.credentials[credential.ID] = copyCredential(credential)
	return created, nil
}

func (r *MemoryPrincipalRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.principals[id]
	if !ok {
		return models.ErrNotFound
	}
	p.PasswordHash = passwordHash
	p.PasswordChangedAt = &changedAt
	p.UpdatedAt = changedAt
	return nil
}

func (r *MemoryPrincipalRepository) SetRecoveryCodes(ctx context.Context, id string, hashes []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.principals[id]
	if !ok {
		return models.ErrNotFound
	}
	if len(hashes) == 0 {
		p.RecoveryCodeHashes = nil
	} else {
		p.RecoveryCodeHashes = append([]string(nil), hashes...)
	}
	return nil
}

func (r *MemoryPrincipalRepository) RemoveRecoveryCode(ctx context.Context, id, hash string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	p, ok := r.s.principals[id]
	if !ok {
		return false, nil
	}
	for i, c := range p.RecoveryCodeHashes {
		if c == hash {
			p.RecoveryCodeHashes = append(p.RecoveryCodeHashes[:i:i], p.RecoveryCodeHashes[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

// ============================================================================
// Credentials
// ============================================================================

type MemoryCredentialRepository struct{ s *MemoryStore }

func (s *MemoryStore) credentialConflict(credential *models.Credential) error {
	if _, ok := s.credentials[credential.ID]; ok {
		return fmt.Errorf("%w: credentials_pkey", models.ErrConflict)
	}
	if len(credential.CredentialID) == 0 {
		return nil
	}
	for _, c := range s.credentials {
		if bytes.Equal(c.CredentialID, credential.CredentialID) {
			return fmt.Errorf("%w: credentials_credential_id_key", models.ErrConflict)
		}
	}
	return nil
}

func (r *MemoryCredentialRepository) GetByID(ctx context.Context, id string) (*models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.credentials[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return copyCredential(c), nil
}

func (r *MemoryCredentialRepository) GetByCredentialID(ctx context.Context, credentialID []byte) (*models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, c := range r.s.credentials {
		if len(c.CredentialID) > 0 && bytes.Equal(c.CredentialID, credentialID) {
			return copyCredential(c), nil
		}
	}
	return nil, models.ErrNotFound
}

func (r *MemoryCredentialRepository) ListByPrincipal(ctx context.Context, principalID string) ([]*models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	creds := make([]*models.Credential, 0)
	for _, c := range r.s.credentials {
		if c.PrincipalID == principalID {
			creds = append(creds, copyCredential(c))
		}
	}
	sort.Slice(creds, func(i, j int) bool {
		if creds[i].CreatedAt.Equal(creds[j].CreatedAt) {
			return creds[i].ID < creds[j].ID
		}
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds, nil
}

func (r *MemoryCredentialRepository) Create(ctx context.Context, credential *models.Credential) (*models.Credential, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.principals[credential.PrincipalID]; !ok {
		return nil, models.ErrBadRequest
	}
	if err := r.s.credentialConflict(credential); err != nil {
		return nil, err
	}
	stored := copyCredential(credential)
	r.s.credentials[stored.ID] = stored
	return copyCredential(stored), nil
}

func (r *MemoryCredentialRepository) Delete(ctx context.Context, principalID, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.credentials[id]
	if !ok || c.PrincipalID != principalID {
		return models.ErrNotFound
	}
	delete(r.s.credentials, id)
	return nil
}

func (r *MemoryCredentialRepository) ConfirmTOTP(ctx context.Context, id string, step int64, confirmedAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.credentials[id]
	if !ok || c.Type != models.CredentialTypeTOTP {
		return models.ErrNotFound
	}
	c.Confirmed = true
	c.LastUsedStep = step
	c.LastUsedAt = &confirmedAt
	return nil
}

func (r *MemoryCredentialRepository) UpdateSignCount(ctx context.Context, id string, expected, next uint32, usedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.credentials[id]
	if !ok || c.SignCount != expected {
		return false, nil
	}
	c.SignCount = next
	c.LastUsedAt = &usedAt
	return true, nil
}

func (r *MemoryCredentialRepository) UpdateTOTPStep(ctx context.Context, id string, previous, step int64, usedAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.credentials[id]
	if !ok || c.LastUsedStep != previous || step <= c.LastUsedStep {
		return false, nil
	}
	c.LastUsedStep = step
	c.LastUsedAt = &usedAt
	return true, nil
}

// ============================================================================
// Challenges
// ============================================================================

type MemoryChallengeRepository struct{ s *MemoryStore }

func (r *MemoryChallengeRepository) SaveChallenge(ctx context.Context, challenge *models.Challenge) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := string(challengeHash(challenge.Value))
	if _, ok := r.s.challenges[key]; ok {
		return fmt.Errorf("%w: webauthn_challenges_pkey", models.ErrConflict)
	}
	cp := *challenge
	r.s.challenges[key] = &cp
	return nil
}

func (r *MemoryChallengeRepository) ConsumeChallenge(ctx context.Context, value []byte) (*models.Challenge, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	key := string(challengeHash(value))
	c, ok := r.s.challenges[key]
	if !ok {
		return nil, models.ErrNotFound
	}
	delete(r.s.challenges, key)
	return c, nil
}

func (r *MemoryChallengeRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for key, c := range r.s.challenges {
		if c.IsExpired(now) {
			delete(r.s.challenges, key)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Recovery tokens
// ============================================================================

type MemoryRecoveryTokenRepository struct{ s *MemoryStore }

func (r *MemoryRecoveryTokenRepository) GetByPrincipal(ctx context.Context, principalID string) (*models.RecoveryToken, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.recoveryTokens[principalID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRecoveryTokenRepository) Replace(ctx context.Context, token *models.RecoveryToken) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cp := *token
	r.s.recoveryTokens[token.PrincipalID] = &cp
	return nil
}

func (r *MemoryRecoveryTokenRepository) Consume(ctx context.Context, principalID, tokenHash string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t, ok := r.s.recoveryTokens[principalID]
	if !ok || t.TokenHash != tokenHash {
		return false, nil
	}
	delete(r.s.recoveryTokens, principalID)
	return true, nil
}

func (r *MemoryRecoveryTokenRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, t := range r.s.recoveryTokens {
		if t.IsExpired(now) {
			delete(r.s.recoveryTokens, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Rate limit buckets
// ============================================================================

type MemoryRateLimitRepository struct{ s *MemoryStore }

func bucketKey(action, key string) string {
	return action + "\x00" + key
}

func (r *MemoryRateLimitRepository) GetBucket(ctx context.Context, action, key string) (*models.RateLimitBucket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.buckets[bucketKey(action, key)]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := *b
	return &cp, nil
}

func (r *MemoryRateLimitRepository) HitBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	b, ok := r.s.buckets[bucketKey(action, key)]
	if !ok {
		b = &models.RateLimitBucket{Action: action, Key: key, WindowStartedAt: now}
		r.s.buckets[bucketKey(action, key)] = b
	}
	lockedOut := b.Hit(now, rule)
	cp := *b
	return lockedOut, &cp, nil
}

func (r *MemoryRateLimitRepository) ReleaseBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if b, ok := r.s.buckets[bucketKey(action, key)]; ok {
		b.Release(now, rule, startedLockout)
	}
	return nil
}

func (r *MemoryRateLimitRepository) ResetBucket(ctx context.Context, action, key string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.buckets, bucketKey(action, key))
	return nil
}

func (r *MemoryRateLimitRepository) DeleteStale(ctx context.Context, now time.Time, maxWindow time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for k, b := range r.s.buckets {
		if b.Decayed(now, models.RateLimitRule{Window: maxWindow}) {
			delete(r.s.buckets, k)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Sudo sessions
// ============================================================================

type MemorySudoSessionRepository struct{ s *MemoryStore }

func (r *MemorySudoSessionRepository) Get(ctx context.Context, sessionID string) (*models.SudoModeSession, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.sudoSessions[sessionID]
	if !ok {
		return nil, models.ErrNotFound
	}
	cp := e.session
	return &cp, nil
}

func (r *MemorySudoSessionRepository) Save(ctx context.Context, session *models.SudoModeSession) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.sudoSessions[session.SessionID] = &sudoEntry{session: *session, updatedAt: time.Now()}
	return nil
}

func (r *MemorySudoSessionRepository) Delete(ctx context.Context, sessionID string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	delete(r.s.sudoSessions, sessionID)
	return nil
}

func (r *MemorySudoSessionRepository) DeleteIdle(ctx context.Context, cutoff time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	for id, e := range r.s.sudoSessions {
		if e.updatedAt.Before(cutoff) {
			delete(r.s.sudoSessions, id)
			n++
		}
	}
	return n, nil
}

// ============================================================================
// Events
// ============================================================================

type MemoryEventRepository struct{ s *MemoryStore }

func (r *MemoryEventRepository) Create(ctx context.Context, ev *models.Event) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	cp := *ev
	r.s.events = append(r.s.events, &cp)
	return nil
}

func (r *MemoryEventRepository) ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	events := make([]*models.Event, 0)
	for i := len(r.s.events) - 1; i >= 0; i-- {
		if r.s.events[i].PrincipalID == principalID {
			cp := *r.s.events[i]
			events = append(events, &cp)
		}
	}

	if offset >= len(events) {
		return []*models.Event{}, nil
	}
	events = events[offset:]
	if limit > 0 && limit < len(events) {
		events = events[:limit]
	}
	return events, nil
}

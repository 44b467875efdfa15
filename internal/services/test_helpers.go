package services

import (
	"context"
	"sync"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/aws/aws-sdk-go-v2/service/ses"
)

// MockEventSink implements EventSink and records every event
type MockEventSink struct {
	mu     sync.Mutex
	Events []models.Event
}

func (m *MockEventSink) Emit(ctx context.Context, event models.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, event)
}

// OfType returns the recorded events of the given type
func (m *MockEventSink) OfType(typ models.EventType) []models.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Event, 0)
	for _, ev := range m.Events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// SentNotification is one recorded NotificationDispatcher.Send call
type SentNotification struct {
	Principal *models.Principal
	Kind      models.NotificationKind
	Payload   map[string]string
}

// MockNotificationDispatcher implements NotificationDispatcher for testing
type MockNotificationDispatcher struct {
	mu   sync.Mutex
	Sent []SentNotification
}

func (m *MockNotificationDispatcher) Send(ctx context.Context, principal *models.Principal, kind models.NotificationKind, payload map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sent = append(m.Sent, SentNotification{Principal: principal, Kind: kind, Payload: payload})
}

// OfKind returns the recorded notifications of the given kind
func (m *MockNotificationDispatcher) OfKind(kind models.NotificationKind) []SentNotification {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentNotification, 0)
	for _, n := range m.Sent {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

// MockPasswordHasher implements PasswordHasher for testing
type MockPasswordHasher struct {
	HashFunc   func(plaintext string) (string, error)
	VerifyFunc func(plaintext, hashed string) bool
}

func (m *MockPasswordHasher) Hash(plaintext string) (string, error) {
	if m.HashFunc != nil {
		return m.HashFunc(plaintext)
	}
	return "hashed:" + plaintext, nil
}

func (m *MockPasswordHasher) Verify(plaintext, hashed string) bool {
	if m.VerifyFunc != nil {
		return m.VerifyFunc(plaintext, hashed)
	}
	return hashed == "hashed:"+plaintext
}

// MockRateLimitStore implements RateLimitStore for testing
type MockRateLimitStore struct {
	GetBucketFunc     func(ctx context.Context, action, key string) (*models.RateLimitBucket, error)
	HitBucketFunc     func(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error)
	ReleaseBucketFunc func(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error
	ResetBucketFunc   func(ctx context.Context, action, key string) error
}

func (m *MockRateLimitStore) GetBucket(ctx context.Context, action, key string) (*models.RateLimitBucket, error) {
	if m.GetBucketFunc != nil {
		return m.GetBucketFunc(ctx, action, key)
	}
	return nil, models.ErrNotFound
}

func (m *MockRateLimitStore) HitBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error) {
	if m.HitBucketFunc != nil {
		return m.HitBucketFunc(ctx, action, key, rule, now)
	}
	return false, &models.RateLimitBucket{Action: action, Key: key, Attempts: 1, WindowStartedAt: now}, nil
}

func (m *MockRateLimitStore) ReleaseBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error {
	if m.ReleaseBucketFunc != nil {
		return m.ReleaseBucketFunc(ctx, action, key, rule, now, startedLockout)
	}
	return nil
}

func (m *MockRateLimitStore) ResetBucket(ctx context.Context, action, key string) error {
	if m.ResetBucketFunc != nil {
		return m.ResetBucketFunc(ctx, action, key)
	}
	return nil
}

// MockEventRepository implements EventRepository for testing
type MockEventRepository struct {
	CreateFunc          func(ctx context.Context, event *models.Event) error
	ListByPrincipalFunc func(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error)
}

func (m *MockEventRepository) Create(ctx context.Context, event *models.Event) error {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, event)
	}
	return nil
}

func (m *MockEventRepository) ListByPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error) {
	if m.ListByPrincipalFunc != nil {
		return m.ListByPrincipalFunc(ctx, principalID, limit, offset)
	}
	return []*models.Event{}, nil
}

// MockSESClient implements SESClient and records every sent message
type MockSESClient struct {
	mu            sync.Mutex
	Inputs        []*ses.SendEmailInput
	SendEmailFunc func(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

func (m *MockSESClient) SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	m.mu.Lock()
	m.Inputs = append(m.Inputs, params)
	m.mu.Unlock()

	if m.SendEmailFunc != nil {
		return m.SendEmailFunc(ctx, params, optFns...)
	}
	return &ses.SendEmailOutput{}, nil
}

// Sent returns a snapshot of the recorded messages
func (m *MockSESClient) Sent() []*ses.SendEmailInput {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*ses.SendEmailInput(nil), m.Inputs...)
}

// MockPrincipalRepository implements PrincipalRepository for testing
type MockPrincipalRepository struct {
	GetByIDFunc              func(ctx context.Context, id string) (*models.Principal, error)
	GetByUsernameFunc        func(ctx context.Context, username string) (*models.Principal, error)
	CreateFunc               func(ctx context.Context, principal *models.Principal) (*models.Principal, error)
	CreateWithCredentialFunc func(ctx context.Context, principal *models.Principal, credential *models.Credential) (*models.Principal, error)
	UpdatePasswordFunc       func(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	SetRecoveryCodesFunc     func(ctx context.Context, id string, codes []string) error
	RemoveRecoveryCodeFunc   func(ctx context.Context, id, code string) (bool, error)
}

func (m *MockPrincipalRepository) GetByID(ctx context.Context, id string) (*models.Principal, error) {
	if m.GetByIDFunc != nil {
		return m.GetByIDFunc(ctx, id)
	}
	return nil, models.ErrNotFound
}

func (m *MockPrincipalRepository) GetByUsername(ctx context.Context, username string) (*models.Principal, error) {
	if m.GetByUsernameFunc != nil {
		return m.GetByUsernameFunc(ctx, username)
	}
	return nil, models.ErrNotFound
}

func (m *MockPrincipalRepository) Create(ctx context.Context, principal *models.Principal) (*models.Principal, error) {
	if m.CreateFunc != nil {
		return m.CreateFunc(ctx, principal)
	}
	return nil, models.ErrInternalServer
}

func (m *MockPrincipalRepository) CreateWithCredential(ctx context.Context, principal *models.Principal, credential *models.Credential) (*models.Principal, error) {
	if m.CreateWithCredentialFunc != nil {
		return m.CreateWithCredentialFunc(ctx, principal, credential)
	}
	return nil, models.ErrInternalServer
}

func (m *MockPrincipalRepository) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	if m.UpdatePasswordFunc != nil {
		return m.UpdatePasswordFunc(ctx, id, passwordHash, changedAt)
	}
	return models.ErrInternalServer
}

func (m *MockPrincipalRepository) SetRecoveryCodes(ctx context.Context, id string, codes []string) error {
	if m.SetRecoveryCodesFunc != nil {
		return m.SetRecoveryCodesFunc(ctx, id, codes)
	}
	return models.ErrInternalServer
}

func (m *MockPrincipalRepository) RemoveRecoveryCode(ctx context.Context, id, code string) (bool, error) {
	if m.RemoveRecoveryCodeFunc != nil {
		return m.RemoveRecoveryCodeFunc(ctx, id, code)
	}
	return false, models.ErrInternalServer
}

package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/pkg/clock"
)

// RateLimitAction names a gated operation
type RateLimitAction string

const (
	ActionLogin                    RateLimitAction = "login"
	ActionMultiFactorChallenge     RateLimitAction = "multi-factor-challenge"
	ActionAccountRecoveryRequest   RateLimitAction = "account-recovery-request"
	ActionAccountRecoveryChallenge RateLimitAction = "account-recovery-challenge"
	ActionSudoMode                 RateLimitAction = "sudo-mode"
)

// RateLimitStore keeps decaying attempt counters. HitBucket and ReleaseBucket
// must apply RateLimitBucket.Hit and RateLimitBucket.Release atomically per
// (action, key).
type RateLimitStore interface {
	GetBucket(ctx context.Context, action, key string) (*models.RateLimitBucket, error)
	HitBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time) (bool, *models.RateLimitBucket, error)
	ReleaseBucket(ctx context.Context, action, key string, rule models.RateLimitRule, now time.Time, startedLockout bool) error
	ResetBucket(ctx context.Context, action, key string) error
}

// RateLimitSubject identifies who is attempting an action
type RateLimitSubject struct {
	Identifier string // normalized username, or a principal ID
	IPAddress  string
}

// RateLimitBucketRef is one counter an attempt is charged against
type RateLimitBucketRef struct {
	Key      string
	Rule     models.RateLimitRule
	Identity bool // reset on success; address buckets only decay
}

// RateLimitPolicy decides which buckets an attempt counts against
type RateLimitPolicy interface {
	Buckets(action RateLimitAction, subject RateLimitSubject) []RateLimitBucketRef
}

// CompositeRateLimitPolicy charges every attempt to an identity bucket and an
// address bucket, each with its own rule
type CompositeRateLimitPolicy struct {
	IdentityRules map[RateLimitAction]models.RateLimitRule
	AddressRules  map[RateLimitAction]models.RateLimitRule
}

// DefaultCompositeRateLimitPolicy returns the stock thresholds
func DefaultCompositeRateLimitPolicy() *CompositeRateLimitPolicy {
	identity := models.RateLimitRule{MaxAttempts: 5, Window: 15 * time.Minute, Lockout: 15 * time.Minute}
	address := models.RateLimitRule{MaxAttempts: 50, Window: 15 * time.Minute, Lockout: 15 * time.Minute}
	recovery := models.RateLimitRule{MaxAttempts: 3, Window: time.Hour, Lockout: time.Hour}

	return &CompositeRateLimitPolicy{
		IdentityRules: map[RateLimitAction]models.RateLimitRule{
			ActionLogin:                    identity,
			ActionMultiFactorChallenge:     identity,
			ActionAccountRecoveryRequest:   recovery,
			ActionAccountRecoveryChallenge: identity,
			ActionSudoMode:                 identity,
		},
		AddressRules: map[RateLimitAction]models.RateLimitRule{
			ActionLogin:                    address,
			ActionMultiFactorChallenge:     address,
			ActionAccountRecoveryRequest:   address,
			ActionAccountRecoveryChallenge: address,
			ActionSudoMode:                 address,
		},
	}
}

func (p *CompositeRateLimitPolicy) Buckets(action RateLimitAction, subject RateLimitSubject) []RateLimitBucketRef {
	refs := make([]RateLimitBucketRef, 0, 2)
	if rule, ok := p.IdentityRules[action]; ok && subject.Identifier != "" {
		refs = append(refs, RateLimitBucketRef{
			Key:      "identity:" + strings.ToLower(strings.TrimSpace(subject.Identifier)),
			Rule:     rule,
			Identity: true,
		})
	}
	if rule, ok := p.AddressRules[action]; ok && subject.IPAddress != "" {
		refs = append(refs, RateLimitBucketRef{
			Key:  "address:" + subject.IPAddress,
			Rule: rule,
		})
	}
	return refs
}

// DisabledRateLimitPolicy never gates anything
type DisabledRateLimitPolicy struct{}

func (DisabledRateLimitPolicy) Buckets(RateLimitAction, RateLimitSubject) []RateLimitBucketRef {
	return nil
}

// RateLimitService gates actions on decaying per-key counters. Store failures
// fail closed: the action is refused with an infrastructure error.
type RateLimitService struct {
	store  RateLimitStore
	policy RateLimitPolicy
	clock  clock.Clock
	logger *slog.Logger
}

// NewRateLimitService creates a new RateLimitService
func NewRateLimitService(store RateLimitStore, policy RateLimitPolicy, clk clock.Clock, logger *slog.Logger) *RateLimitService {
	if policy == nil {
		policy = DefaultCompositeRateLimitPolicy()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &RateLimitService{
		store:  store,
		policy: policy,
		clock:  clk,
		logger: logger,
	}
}

// IsLimited reports whether the (action, key) bucket is locked out
func (s *RateLimitService) IsLimited(ctx context.Context, action RateLimitAction, key string) (bool, error) {
	retry, err := s.RetryAfter(ctx, action, key)
	if err != nil {
		return true, err
	}
	return retry > 0, nil
}

// RetryAfter returns how long the (action, key) bucket stays locked
func (s *RateLimitService) RetryAfter(ctx context.Context, action RateLimitAction, key string) (time.Duration, error) {
	bucket, err := s.store.GetBucket(ctx, string(action), key)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return 0, nil
		}
		return 0, models.Infrastructure("read rate limit bucket", err)
	}
	return bucket.RetryAfter(s.clock.Now()), nil
}

// RetryAfterSeconds is RetryAfter rounded up to whole seconds
func (s *RateLimitService) RetryAfterSeconds(ctx context.Context, action RateLimitAction, key string) (int, error) {
	retry, err := s.RetryAfter(ctx, action, key)
	if err != nil {
		return 0, err
	}
	return (&models.RateLimitedError{RetryAfter: retry}).RetryAfterSeconds(), nil
}

// Increment records one attempt and reports whether it caused a lockout
func (s *RateLimitService) Increment(ctx context.Context, action RateLimitAction, key string, rule models.RateLimitRule) (bool, error) {
	lockedOut, _, err := s.store.HitBucket(ctx, string(action), key, rule, s.clock.Now())
	if err != nil {
		return false, models.Infrastructure("increment rate limit bucket", err)
	}
	return lockedOut, nil
}

// Reset clears the (action, key) bucket
func (s *RateLimitService) Reset(ctx context.Context, action RateLimitAction, key string) error {
	if err := s.store.ResetBucket(ctx, string(action), key); err != nil {
		return models.Infrastructure("reset rate limit bucket", err)
	}
	return nil
}

// Check refuses the attempt with a *models.RateLimitedError when any bucket
// for the subject is locked out
func (s *RateLimitService) Check(ctx context.Context, action RateLimitAction, subject RateLimitSubject) error {
	var longest time.Duration
	for _, ref := range s.policy.Buckets(action, subject) {
		retry, err := s.RetryAfter(ctx, action, ref.Key)
		if err != nil {
			s.logger.ErrorContext(ctx, "rate limit check failed",
				slog.String("action", string(action)),
				slog.Any("error", err))
			return err
		}
		if retry > longest {
			longest = retry
		}
	}

	if longest > 0 {
		s.logger.InfoContext(ctx, "rate limited attempt refused",
			slog.String("action", string(action)),
			slog.Duration("retry_after", longest))
		return &models.RateLimitedError{Action: string(action), RetryAfter: longest}
	}
	return nil
}

// RateLimitReservation is one attempt already charged to every bucket of a
// subject. The caller settles it with Accept or Release once the attempt is
// verified; a failed attempt needs no further write.
type RateLimitReservation struct {
	Action  RateLimitAction
	Subject RateLimitSubject
	// LockedOut is set when this attempt moved a bucket into lockout
	LockedOut bool

	charged []chargedBucket
}

type chargedBucket struct {
	ref       RateLimitBucketRef
	lockedOut bool
}

// Reserve charges an attempt before it is verified. Concurrent attempts each
// take their own slot, so no more than the threshold can reach verification.
// An attempt that lands on a bucket already locked is refused with a
// *models.RateLimitedError and its charges are given back.
func (s *RateLimitService) Reserve(ctx context.Context, action RateLimitAction, subject RateLimitSubject) (*RateLimitReservation, error) {
	if err := s.Check(ctx, action, subject); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	r := &RateLimitReservation{Action: action, Subject: subject}
	var longest time.Duration
	for _, ref := range s.policy.Buckets(action, subject) {
		transitioned, bucket, err := s.store.HitBucket(ctx, string(action), ref.Key, ref.Rule, now)
		if err != nil {
			s.logger.ErrorContext(ctx, "rate limit increment failed",
				slog.String("action", string(action)),
				slog.Any("error", err))
			return nil, models.Infrastructure("increment rate limit bucket", err)
		}
		r.charged = append(r.charged, chargedBucket{ref: ref, lockedOut: transitioned})

		if transitioned {
			s.logger.WarnContext(ctx, "rate limit lockout",
				slog.String("action", string(action)),
				slog.Bool("identity_bucket", ref.Identity),
				slog.Duration("lockout", ref.Rule.Lockout))
			r.LockedOut = true
			continue
		}
		if retry := bucket.RetryAfter(now); retry > longest {
			longest = retry
		}
	}

	if longest > 0 {
		// Another attempt locked a bucket between Check and HitBucket
		if err := s.Release(ctx, r); err != nil {
			return nil, err
		}
		s.logger.InfoContext(ctx, "rate limited attempt refused",
			slog.String("action", string(action)),
			slog.Duration("retry_after", longest))
		return nil, &models.RateLimitedError{Action: string(action), RetryAfter: longest}
	}
	return r, nil
}

// Release gives back the charges of an attempt that does not count, such as
// a correct password still waiting for its second factor. A lockout this
// attempt started is lifted with it.
func (s *RateLimitService) Release(ctx context.Context, r *RateLimitReservation) error {
	now := s.clock.Now()
	for _, c := range r.charged {
		if err := s.store.ReleaseBucket(ctx, string(r.Action), c.ref.Key, c.ref.Rule, now, c.lockedOut); err != nil {
			return models.Infrastructure("release rate limit bucket", err)
		}
	}
	return nil
}

// Accept settles a successful attempt: identity buckets are cleared and the
// attempt's address charge is given back. Failures already counted against
// the address stay, so one success cannot launder a spray.
func (s *RateLimitService) Accept(ctx context.Context, r *RateLimitReservation) error {
	now := s.clock.Now()
	for _, c := range r.charged {
		if c.ref.Identity {
			if err := s.Reset(ctx, r.Action, c.ref.Key); err != nil {
				return err
			}
			continue
		}
		if err := s.store.ReleaseBucket(ctx, string(r.Action), c.ref.Key, c.ref.Rule, now, c.lockedOut); err != nil {
			return models.Infrastructure("release rate limit bucket", err)
		}
	}
	return nil
}

// Succeed clears the identity buckets of the subject. Address buckets keep
// decaying so one success cannot launder a spray from the same address.
func (s *RateLimitService) Succeed(ctx context.Context, action RateLimitAction, subject RateLimitSubject) error {
	for _, ref := range s.policy.Buckets(action, subject) {
		if !ref.Identity {
			continue
		}
		if err := s.Reset(ctx, action, ref.Key); err != nil {
			return err
		}
	}
	return nil
}

package services

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// NotificationDispatcher delivers out-of-band messages to a principal.
// Delivery failures are the dispatcher's concern; callers never see them.
type NotificationDispatcher interface {
	Send(ctx context.Context, principal *models.Principal, kind models.NotificationKind, payload map[string]string)
}

// SESClient is the subset of the SES API used for delivery
type SESClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotificationDispatcher sends notifications as email using AWS SES.
// Each message is delivered on its own goroutine detached from the request.
type SESNotificationDispatcher struct {
	client      SESClient
	fromAddress string
	baseURL     string
	logger      *slog.Logger

	wg sync.WaitGroup
}

// NewSESNotificationDispatcher loads the default AWS config for region
func NewSESNotificationDispatcher(region, fromAddress, baseURL string, logger *slog.Logger) (*SESNotificationDispatcher, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewSESNotificationDispatcherWithClient(ses.NewFromConfig(cfg), fromAddress, baseURL, logger), nil
}

// NewSESNotificationDispatcherWithClient uses an existing SES client
func NewSESNotificationDispatcherWithClient(client SESClient, fromAddress, baseURL string, logger *slog.Logger) *SESNotificationDispatcher {
	return &SESNotificationDispatcher{
		client:      client,
		fromAddress: fromAddress,
		baseURL:     strings.TrimRight(baseURL, "/"),
		logger:      logger,
	}
}

func (d *SESNotificationDispatcher) Send(ctx context.Context, principal *models.Principal, kind models.NotificationKind, payload map[string]string) {
	msg, err := d.render(principal, kind, payload)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to render notification",
			slog.String("kind", string(kind)),
			slog.Any("error", err))
		return
	}

	sendCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(sendCtx, principal.Email, kind, msg)
	}()
}

// Wait blocks until every in-flight delivery finished
func (d *SESNotificationDispatcher) Wait() {
	d.wg.Wait()
}

func (d *SESNotificationDispatcher) deliver(ctx context.Context, to string, kind models.NotificationKind, msg *emailMessage) {
	input := &ses.SendEmailInput{
		Source: aws.String(d.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject)},
			Body: &types.Body{
				Html: &types.Content{Data: aws.String(msg.HTML)},
				Text: &types.Content{Data: aws.String(msg.Text)},
			},
		},
	}

	result, err := d.client.SendEmail(ctx, input)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to send notification via SES",
			slog.String("kind", string(kind)),
			slog.String("email", logger.SanitizedIdentifier(to)),
			slog.Any("error", err))
		return
	}

	messageID := ""
	if result != nil && result.MessageId != nil {
		messageID = *result.MessageId
	}
	d.logger.InfoContext(ctx, "notification sent",
		slog.String("kind", string(kind)),
		slog.String("email", logger.SanitizedIdentifier(to)),
		slog.String("message_id", messageID))
}

type emailMessage struct {
	Subject string
	Text    string
	HTML    string
}

// RecoveryLink builds the account recovery URL carried by the email
func (d *SESNotificationDispatcher) RecoveryLink(identifier, token string) string {
	query := url.Values{}
	query.Set("identifier", identifier)
	query.Set("token", token)
	return d.baseURL + "/account-recovery/challenge?" + query.Encode()
}

func (d *SESNotificationDispatcher) render(principal *models.Principal, kind models.NotificationKind, payload map[string]string) (*emailMessage, error) {
	if principal == nil || principal.Email == "" {
		return nil, fmt.Errorf("principal has no address")
	}

	switch kind {
	case models.NotificationAccountRecovery:
		token := payload["token"]
		if token == "" {
			return nil, fmt.Errorf("recovery notification without token")
		}
		link := d.RecoveryLink(principal.Email, token)
		return &emailMessage{
			Subject: "Recover your account",
			Text: fmt.Sprintf("Someone asked to recover the account for %s.\n\nOpen this link to continue:\n%s\n\nThe link expires at %s. If you did not ask for this you can ignore this email.\n",
				principal.Email, link, payload["expires_at"]),
			HTML: fmt.Sprintf(`<p>Someone asked to recover the account for %s.</p><p><a href="%s">Recover account</a></p><p>The link expires at %s. If you did not ask for this you can ignore this email.</p>`,
				html.EscapeString(principal.Email), html.EscapeString(link), html.EscapeString(payload["expires_at"])),
		}, nil

	case models.NotificationLockout:
		action := payload["action"]
		return &emailMessage{
			Subject: "Too many attempts on your account",
			Text:    fmt.Sprintf("We blocked further %s attempts on your account after repeated failures.\nIf this was not you, consider changing your password.\n", action),
			HTML:    fmt.Sprintf(`<p>We blocked further %s attempts on your account after repeated failures.</p><p>If this was not you, consider changing your password.</p>`, html.EscapeString(action)),
		}, nil

	case models.NotificationPasswordChanged:
		return &emailMessage{
			Subject: "Your password was changed",
			Text:    "The password for your account was just changed. If this was not you, recover your account right away.\n",
			HTML:    `<p>The password for your account was just changed.</p><p>If this was not you, recover your account right away.</p>`,
		}, nil

	default:
		return nil, fmt.Errorf("unknown notification kind %q", kind)
	}
}

// LogNotificationDispatcher only logs notifications. It is used when no mail
// transport is configured.
type LogNotificationDispatcher struct {
	logger *slog.Logger
	env    string
}

func NewLogNotificationDispatcher(logger *slog.Logger, env string) *LogNotificationDispatcher {
	return &LogNotificationDispatcher{logger: logger, env: env}
}

func (d *LogNotificationDispatcher) Send(ctx context.Context, principal *models.Principal, kind models.NotificationKind, payload map[string]string) {
	attrs := []any{slog.String("kind", string(kind))}
	if principal != nil {
		attrs = append(attrs, slog.String("principal_id", principal.ID))
	}
	if token, ok := payload["token"]; ok {
		attrs = append(attrs, logger.RedactedAttr("token", token, d.env))
	}
	d.logger.InfoContext(ctx, "notification not delivered: no transport configured", attrs...)
}

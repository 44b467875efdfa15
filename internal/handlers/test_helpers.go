package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BradenHooton/warden/internal/auth"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	pkghttp "github.com/BradenHooton/warden/pkg/http"
	"github.com/stretchr/testify/assert"
)

// NewTestRequest creates an HTTP request with JSON body for testing
func NewTestRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, url, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

// WithSessionContext adds session claims to request context for testing authenticated endpoints
func WithSessionContext(req *http.Request, principalID, sessionID string) *http.Request {
	claims := &models.TokenClaims{
		Type:        models.TokenTypeSession,
		PrincipalID: principalID,
		SessionID:   sessionID,
	}
	return req.WithContext(auth.WithClaims(req.Context(), claims))
}

// AssertJSONResponse checks that response has correct status and decodes JSON body
func AssertJSONResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, target interface{}) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"), "Content-Type should be application/json")

	if target != nil {
		err := json.Unmarshal(w.Body.Bytes(), target)
		assert.NoError(t, err, "Failed to decode response JSON")
	}
}

// AssertErrorResponse checks that response is a valid error response
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	assert.Equal(t, expectedStatus, w.Code, "Response status mismatch")

	var resp pkghttp.ErrorResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	assert.NoError(t, err, "Failed to decode error response")
	assert.Equal(t, expectedError, resp.Error, "Error code mismatch")
	assert.NotEmpty(t, resp.Message, "Error message should not be empty")
}

// MockAuthService implements every handler service interface for testing.
// Unset functions fail with models.ErrInternalServer.
type MockAuthService struct {
	RegisterFunc                     func(ctx context.Context, input services.RegisterInput, req models.RequestContext) (*services.LoginResult, error)
	LoginFunc                        func(ctx context.Context, input services.LoginInput, req models.RequestContext) (*services.LoginResult, error)
	BeginPasskeyLoginFunc            func(ctx context.Context, req models.RequestContext) (*webauthn.RequestOptions, error)
	FinishPasskeyLoginFunc           func(ctx context.Context, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.LoginResult, error)
	BeginPasskeyRegistrationFunc     func(ctx context.Context, input services.PasskeyRegistrationInput) (*webauthn.CreationOptions, error)
	FinishPasskeyRegistrationFunc    func(ctx context.Context, resp *webauthn.RegistrationResponse, req models.RequestContext) (*services.LoginResult, error)
	LogoutFunc                       func(ctx context.Context, session services.Session) error
	BeginMultiFactorAssertionFunc    func(ctx context.Context, multiFactorToken string) (*webauthn.RequestOptions, error)
	SubmitTOTPChallengeFunc          func(ctx context.Context, multiFactorToken, code string, req models.RequestContext) (*services.LoginResult, error)
	SubmitPublicKeyChallengeFunc     func(ctx context.Context, multiFactorToken string, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.LoginResult, error)
	RequestAccountRecoveryFunc       func(ctx context.Context, identifier string, req models.RequestContext) error
	InspectRecoveryLinkFunc          func(ctx context.Context, identifier, token string, req models.RequestContext) (*services.LoginResult, error)
	SubmitRecoveryChallengeFunc      func(ctx context.Context, input services.RecoveryInput, req models.RequestContext) (*services.LoginResult, error)
	SudoModeStatusFunc               func(ctx context.Context, session services.Session) (*services.SudoStatus, error)
	ConfirmSudoWithPasswordFunc      func(ctx context.Context, session services.Session, password string, req models.RequestContext) (*services.SudoStatus, error)
	BeginSudoPasskeyFunc             func(ctx context.Context, session services.Session) (*webauthn.RequestOptions, error)
	ConfirmSudoWithPasskeyFunc       func(ctx context.Context, session services.Session, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.SudoStatus, error)
	ListCredentialsFunc              func(ctx context.Context, session services.Session) ([]*models.Credential, error)
	BeginCredentialRegistrationFunc  func(ctx context.Context, session services.Session) (*webauthn.CreationOptions, error)
	FinishCredentialRegistrationFunc func(ctx context.Context, session services.Session, name string, resp *webauthn.RegistrationResponse) (*services.CredentialResult, error)
	BeginTOTPEnrollmentFunc          func(ctx context.Context, session services.Session, name string) (*services.TOTPEnrollmentResult, error)
	ConfirmTOTPEnrollmentFunc        func(ctx context.Context, session services.Session, credentialID, code string) (*services.CredentialResult, error)
	RemoveCredentialFunc             func(ctx context.Context, session services.Session, credentialID string) error
	RegenerateRecoveryCodesFunc      func(ctx context.Context, session services.Session) ([]string, error)
	ChangePasswordFunc               func(ctx context.Context, session services.Session, input services.ChangePasswordInput, req models.RequestContext) error
}

func (m *MockAuthService) Register(ctx context.Context, input services.RegisterInput, req models.RequestContext) (*services.LoginResult, error) {
	if m.RegisterFunc != nil {
		return m.RegisterFunc(ctx, input, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) Login(ctx context.Context, input services.LoginInput, req models.RequestContext) (*services.LoginResult, error) {
	if m.LoginFunc != nil {
		return m.LoginFunc(ctx, input, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) BeginPasskeyLogin(ctx context.Context, req models.RequestContext) (*webauthn.RequestOptions, error) {
	if m.BeginPasskeyLoginFunc != nil {
		return m.BeginPasskeyLoginFunc(ctx, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) FinishPasskeyLogin(ctx context.Context, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.LoginResult, error) {
	if m.FinishPasskeyLoginFunc != nil {
		return m.FinishPasskeyLoginFunc(ctx, resp, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) BeginPasskeyRegistration(ctx context.Context, input services.PasskeyRegistrationInput) (*webauthn.CreationOptions, error) {
	if m.BeginPasskeyRegistrationFunc != nil {
		return m.BeginPasskeyRegistrationFunc(ctx, input)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) FinishPasskeyRegistration(ctx context.Context, resp *webauthn.RegistrationResponse, req models.RequestContext) (*services.LoginResult, error) {
	if m.FinishPasskeyRegistrationFunc != nil {
		return m.FinishPasskeyRegistrationFunc(ctx, resp, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) Logout(ctx context.Context, session services.Session) error {
	if m.LogoutFunc != nil {
		return m.LogoutFunc(ctx, session)
	}
	return nil
}

func (m *MockAuthService) BeginMultiFactorAssertion(ctx context.Context, multiFactorToken string) (*webauthn.RequestOptions, error) {
	if m.BeginMultiFactorAssertionFunc != nil {
		return m.BeginMultiFactorAssertionFunc(ctx, multiFactorToken)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) SubmitTOTPChallenge(ctx context.Context, multiFactorToken, code string, req models.RequestContext) (*services.LoginResult, error) {
	if m.SubmitTOTPChallengeFunc != nil {
		return m.SubmitTOTPChallengeFunc(ctx, multiFactorToken, code, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) SubmitPublicKeyChallenge(ctx context.Context, multiFactorToken string, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.LoginResult, error) {
	if m.SubmitPublicKeyChallengeFunc != nil {
		return m.SubmitPublicKeyChallengeFunc(ctx, multiFactorToken, resp, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) RequestAccountRecovery(ctx context.Context, identifier string, req models.RequestContext) error {
	if m.RequestAccountRecoveryFunc != nil {
		return m.RequestAccountRecoveryFunc(ctx, identifier, req)
	}
	return nil
}

func (m *MockAuthService) InspectRecoveryLink(ctx context.Context, identifier, token string, req models.RequestContext) (*services.LoginResult, error) {
	if m.InspectRecoveryLinkFunc != nil {
		return m.InspectRecoveryLinkFunc(ctx, identifier, token, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) SubmitRecoveryChallenge(ctx context.Context, input services.RecoveryInput, req models.RequestContext) (*services.LoginResult, error) {
	if m.SubmitRecoveryChallengeFunc != nil {
		return m.SubmitRecoveryChallengeFunc(ctx, input, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) SudoModeStatus(ctx context.Context, session services.Session) (*services.SudoStatus, error) {
	if m.SudoModeStatusFunc != nil {
		return m.SudoModeStatusFunc(ctx, session)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) ConfirmSudoWithPassword(ctx context.Context, session services.Session, password string, req models.RequestContext) (*services.SudoStatus, error) {
	if m.ConfirmSudoWithPasswordFunc != nil {
		return m.ConfirmSudoWithPasswordFunc(ctx, session, password, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) BeginSudoPasskey(ctx context.Context, session services.Session) (*webauthn.RequestOptions, error) {
	if m.BeginSudoPasskeyFunc != nil {
		return m.BeginSudoPasskeyFunc(ctx, session)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) ConfirmSudoWithPasskey(ctx context.Context, session services.Session, resp *webauthn.AssertionResponse, req models.RequestContext) (*services.SudoStatus, error) {
	if m.ConfirmSudoWithPasskeyFunc != nil {
		return m.ConfirmSudoWithPasskeyFunc(ctx, session, resp, req)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) ListCredentials(ctx context.Context, session services.Session) ([]*models.Credential, error) {
	if m.ListCredentialsFunc != nil {
		return m.ListCredentialsFunc(ctx, session)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) BeginCredentialRegistration(ctx context.Context, session services.Session) (*webauthn.CreationOptions, error) {
	if m.BeginCredentialRegistrationFunc != nil {
		return m.BeginCredentialRegistrationFunc(ctx, session)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) FinishCredentialRegistration(ctx context.Context, session services.Session, name string, resp *webauthn.RegistrationResponse) (*services.CredentialResult, error) {
	if m.FinishCredentialRegistrationFunc != nil {
		return m.FinishCredentialRegistrationFunc(ctx, session, name, resp)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) BeginTOTPEnrollment(ctx context.Context, session services.Session, name string) (*services.TOTPEnrollmentResult, error) {
	if m.BeginTOTPEnrollmentFunc != nil {
		return m.BeginTOTPEnrollmentFunc(ctx, session, name)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) ConfirmTOTPEnrollment(ctx context.Context, session services.Session, credentialID, code string) (*services.CredentialResult, error) {
	if m.ConfirmTOTPEnrollmentFunc != nil {
		return m.ConfirmTOTPEnrollmentFunc(ctx, session, credentialID, code)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) RemoveCredential(ctx context.Context, session services.Session, credentialID string) error {
	if m.RemoveCredentialFunc != nil {
		return m.RemoveCredentialFunc(ctx, session, credentialID)
	}
	return nil
}

func (m *MockAuthService) RegenerateRecoveryCodes(ctx context.Context, session services.Session) ([]string, error) {
	if m.RegenerateRecoveryCodesFunc != nil {
		return m.RegenerateRecoveryCodesFunc(ctx, session)
	}
	return nil, models.ErrInternalServer
}

func (m *MockAuthService) ChangePassword(ctx context.Context, session services.Session, input services.ChangePasswordInput, req models.RequestContext) error {
	if m.ChangePasswordFunc != nil {
		return m.ChangePasswordFunc(ctx, session, input, req)
	}
	return nil
}

// MockEventLister implements EventLister for testing
type MockEventLister struct {
	ListForPrincipalFunc func(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error)
}

func (m *MockEventLister) ListForPrincipal(ctx context.Context, principalID string, limit, offset int) ([]*models.Event, error) {
	if m.ListForPrincipalFunc != nil {
		return m.ListForPrincipalFunc(ctx, principalID, limit, offset)
	}
	return []*models.Event{}, nil
}

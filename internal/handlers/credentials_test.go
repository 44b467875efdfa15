package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BradenHooton/warden/internal/handlers"
	"github.com/BradenHooton/warden/internal/models"
	"github.com/BradenHooton/warden/internal/services"
	"github.com/BradenHooton/warden/internal/webauthn"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withURLParam sets a chi route parameter the way the router would
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestCredentials_List(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	mock := &handlers.MockAuthService{
		ListCredentialsFunc: func(ctx context.Context, session services.Session) ([]*models.Credential, error) {
			return []*models.Credential{
				{ID: "c1", Type: models.CredentialTypeTOTP, Name: "Phone", Confirmed: true, CreatedAt: created, SecretEncrypted: []byte("secret")},
				{ID: "c2", Type: models.CredentialTypePublicKey, Name: "Laptop", PublicKey: []byte("key"), Transports: []string{"internal"}, CreatedAt: created},
			}, nil
		},
	}

	handler := handlers.NewCredentialHandler(mock, nil, testLogger())
	req := handlers.WithSessionContext(httptest.NewRequest(http.MethodGet, "/credentials", nil), "principal-1", "session-1")

	w := httptest.NewRecorder()
	handler.List(w, req)

	var resp struct {
		Credentials []handlers.CredentialResponse `json:"credentials"`
	}
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	require.Len(t, resp.Credentials, 2)
	assert.Equal(t, "totp", resp.Credentials[0].Type)
	assert.True(t, resp.Credentials[1].Confirmed)
	assert.Equal(t, []string{"internal"}, resp.Credentials[1].Transports)
	assert.NotContains(t, w.Body.String(), "secret")
}

func TestCredentials_SudoModeRequired(t *testing.T) {
	mock := &handlers.MockAuthService{
		RemoveCredentialFunc: func(ctx context.Context, session services.Session, id string) error {
			return models.ErrNotElevated
		},
	}

	handler := handlers.NewCredentialHandler(mock, nil, testLogger())
	req := handlers.WithSessionContext(httptest.NewRequest(http.MethodDelete, "/credentials/c1", nil), "principal-1", "session-1")
	req = withURLParam(req, "id", "c1")

	w := httptest.NewRecorder()
	handler.Remove(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusForbidden, "sudo_mode_required")
}

func TestCredentials_Remove(t *testing.T) {
	var removed string
	mock := &handlers.MockAuthService{
		RemoveCredentialFunc: func(ctx context.Context, session services.Session, id string) error {
			removed = id
			return nil
		},
	}

	handler := handlers.NewCredentialHandler(mock, nil, testLogger())
	req := handlers.WithSessionContext(httptest.NewRequest(http.MethodDelete, "/credentials/c1", nil), "principal-1", "session-1")
	req = withURLParam(req, "id", "c1")

	w := httptest.NewRecorder()
	handler.Remove(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "c1", removed)
}

func TestCredentials_RemoveUnknown(t *testing.T) {
	mock := &handlers.MockAuthService{
		RemoveCredentialFunc: func(ctx context.Context, session services.Session, id string) error {
			return models.ErrNotFound
		},
	}

	handler := handlers.NewCredentialHandler(mock, nil, testLogger())
	req := handlers.WithSessionContext(httptest.NewRequest(http.MethodDelete, "/credentials/missing", nil), "principal-1", "session-1")
	req = withURLParam(req, "id", "missing")

	w := httptest.NewRecorder()
	handler.Remove(w, req)

	handlers.AssertErrorResponse(t, w, http.StatusNotFound, "not_found")
}

func TestCredentials_PasskeyRegistration(t *testing.T) {
	mock := &handlers.MockAuthService{
		BeginCredentialRegistrationFunc: func(ctx context.Context, session services.Session) (*webauthn.CreationOptions, error) {
			return &webauthn.CreationOptions{Challenge: webauthn.URLEncodedBase64("c")}, nil
		},
		FinishCredentialRegistrationFunc: func(ctx context.Context, session services.Session, name string, resp *webauthn.RegistrationResponse) (*services.CredentialResult, error) {
			assert.Equal(t, "YubiKey", name)
			assert.Equal(t, "cred-1", resp.ID)
			return &services.CredentialResult{
				Credential:    &models.Credential{ID: "c1", Type: models.CredentialTypePublicKey, Name: name},
				RecoveryCodes: []string{"code-1", "code-2"},
			}, nil
		},
	}
	handler := handlers.NewCredentialHandler(mock, nil, testLogger())

	req := handlers.WithSessionContext(httptest.NewRequest(http.MethodPost, "/credentials/public-key/options", nil), "principal-1", "session-1")
	w := httptest.NewRecorder()
	handler.PasskeyOptions(w, req)
	handlers.AssertJSONResponse(t, w, http.StatusOK, nil)

	req = handlers.NewTestRequest(t, http.MethodPost, "/credentials/public-key", map[string]any{
		"name":       "YubiKey",
		"credential": map[string]any{"id": "cred-1", "type": "public-key"},
	})
	req = handlers.WithSessionContext(req, "principal-1", "session-1")
	w = httptest.NewRecorder()
	handler.FinishPasskey(w, req)

	var resp handlers.CredentialResultResponse
	handlers.AssertJSONResponse(t, w, http.StatusCreated, &resp)
	assert.Equal(t, "YubiKey", resp.Credential.Name)
	assert.Equal(t, []string{"code-1", "code-2"}, resp.RecoveryCodes)
}

func TestCredentials_TOTPEnrollment(t *testing.T) {
	mock := &handlers.MockAuthService{
		BeginTOTPEnrollmentFunc: func(ctx context.Context, session services.Session, name string) (*services.TOTPEnrollmentResult, error) {
			return &services.TOTPEnrollmentResult{
				Credential:      &models.Credential{ID: "c1", Type: models.CredentialTypeTOTP, Name: name},
				Secret:          "JBSWY3DPEHPK3PXP",
				ProvisioningURL: "otpauth://totp/Warden:alice?secret=JBSWY3DPEHPK3PXP",
				QRCodeDataURL:   "data:image/png;base64,AAAA",
			}, nil
		},
		ConfirmTOTPEnrollmentFunc: func(ctx context.Context, session services.Session, id, code string) (*services.CredentialResult, error) {
			assert.Equal(t, "c1", id)
			assert.Equal(t, "123456", code)
			return &services.CredentialResult{
				Credential: &models.Credential{ID: "c1", Type: models.CredentialTypeTOTP, Confirmed: true},
			}, nil
		},
	}
	handler := handlers.NewCredentialHandler(mock, nil, testLogger())

	req := handlers.NewTestRequest(t, http.MethodPost, "/credentials/totp", handlers.CredentialNameRequest{Name: "Phone"})
	req = handlers.WithSessionContext(req, "principal-1", "session-1")
	w := httptest.NewRecorder()
	handler.BeginTOTP(w, req)

	var enrollment handlers.TOTPEnrollmentResponse
	handlers.AssertJSONResponse(t, w, http.StatusCreated, &enrollment)
	assert.Equal(t, "JBSWY3DPEHPK3PXP", enrollment.Secret)
	assert.False(t, enrollment.Credential.Confirmed)

	req = handlers.NewTestRequest(t, http.MethodPost, "/credentials/totp/c1/confirm", handlers.ConfirmTOTPRequest{Code: "123456"})
	req = withURLParam(handlers.WithSessionContext(req, "principal-1", "session-1"), "id", "c1")
	w = httptest.NewRecorder()
	handler.ConfirmTOTP(w, req)

	var confirmed handlers.CredentialResultResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &confirmed)
	assert.True(t, confirmed.Credential.Confirmed)
}

func TestCredentials_RegenerateRecoveryCodes(t *testing.T) {
	mock := &handlers.MockAuthService{
		RegenerateRecoveryCodesFunc: func(ctx context.Context, session services.Session) ([]string, error) {
			return []string{"one", "two"}, nil
		},
	}

	handler := handlers.NewCredentialHandler(mock, nil, testLogger())
	req := handlers.WithSessionContext(httptest.NewRequest(http.MethodPost, "/credentials/recovery-codes", nil), "principal-1", "session-1")

	w := httptest.NewRecorder()
	handler.RegenerateRecoveryCodes(w, req)

	var resp handlers.RecoveryCodesResponse
	handlers.AssertJSONResponse(t, w, http.StatusOK, &resp)
	assert.Equal(t, []string{"one", "two"}, resp.RecoveryCodes)
}

func TestCredentials_ChangePassword(t *testing.T) {
	var got services.ChangePasswordInput
	mock := &handlers.MockAuthService{
		ChangePasswordFunc: func(ctx context.Context, session services.Session, input services.ChangePasswordInput, req models.RequestContext) error {
			got = input
			return nil
		},
	}

	handler := handlers.NewCredentialHandler(mock, nil, testLogger())
	req := handlers.NewTestRequest(t, http.MethodPut, "/credentials/password", handlers.ChangePasswordRequest{
		CurrentPassword: "old password",
		NewPassword:     "new password value",
	})
	req = handlers.WithSessionContext(req, "principal-1", "session-1")

	w := httptest.NewRecorder()
	handler.ChangePassword(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, services.ChangePasswordInput{CurrentPassword: "old password", NewPassword: "new password value"}, got)
}

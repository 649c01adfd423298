package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/cpass-platform/platform/trust-service/internal/audit"
	"github.com/cpass-platform/platform/trust-service/internal/auth"
	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/metrics"
	"github.com/cpass-platform/platform/trust-service/internal/models"
	"github.com/cpass-platform/platform/trust-service/internal/store"
	"github.com/cpass-platform/platform/trust-service/internal/trust"
)

var (
	ErrWebAppNotConfigured = errors.New("telegram bot token not configured")
	ErrNoWebAppUser        = errors.New("no user data in init_data")
	ErrActiveKeyExists     = fmt.Errorf("institution already has an active API key: %w", store.ErrConflict)
)

// CredentialStore is what the credential workflows read and write.
type CredentialStore interface {
	store.InstitutionStore
	store.ProfileStore
}

type CredentialConfig struct {
	BotToken     string
	WebAppMaxAge time.Duration
}

// CredentialService runs the login and institutional key workflows on top
// of the credential primitives.
type CredentialService struct {
	store    CredentialStore
	tokens   *credential.TokenIssuer
	keys     *credential.KeyManager
	sessions *auth.Sessions
	audit    audit.Recorder
	metrics  *metrics.Metrics
	cfg      CredentialConfig
	now      func() time.Time
}

func NewCredentialService(st CredentialStore, tokens *credential.TokenIssuer, keys *credential.KeyManager, sessions *auth.Sessions, rec audit.Recorder, m *metrics.Metrics, cfg CredentialConfig) *CredentialService {
	if rec == nil {
		rec = audit.Discard
	}
	return &CredentialService{
		store:    st,
		tokens:   tokens,
		keys:     keys,
		sessions: sessions,
		audit:    rec,
		metrics:  m,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

type LoginToken struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

type LoginUser struct {
	ID         string `json:"id"`
	TelegramID string `json:"telegram_id"`
	FullName   string `json:"full_name"`
	Phone      string `json:"phone_number"`
	Role       string `json:"role"`
}

type LoginResult struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresIn   int       `json:"expires_in"`
	User        LoginUser `json:"user"`
}

// IssueLoginToken creates a one-time token for a chat identity. The identity
// need not be registered yet.
func (s *CredentialService) IssueLoginToken(ctx context.Context, telegramID int64, phone string) (LoginToken, error) {
	if telegramID <= 0 {
		return LoginToken{}, &trust.ValidationError{Field: "telegram_id", Reason: "is required"}
	}
	payload := map[string]string{}
	if phone != "" {
		payload["phone_number"] = phone
	}
	raw, err := s.tokens.Issue(ctx, strconv.FormatInt(telegramID, 10), payload)
	if err != nil {
		return LoginToken{}, err
	}
	return LoginToken{Token: raw, ExpiresIn: int(s.tokens.TTL() / time.Second)}, nil
}

// ExchangeLoginToken redeems a one-time token and opens a session for the
// user it was issued to.
func (s *CredentialService) ExchangeLoginToken(ctx context.Context, raw string) (LoginResult, error) {
	g, err := s.tokens.Redeem(ctx, raw)
	if err != nil {
		s.authOutcome("one_time_token", err)
		return LoginResult{}, err
	}
	telegramID, err := strconv.ParseInt(g.SubjectID, 10, 64)
	if err != nil {
		s.authOutcome("one_time_token", credential.ErrMalformedPayload)
		return LoginResult{}, fmt.Errorf("token subject %q: %w", g.SubjectID, credential.ErrMalformedPayload)
	}
	s.metrics.Auth("one_time_token", "ok")
	s.audit.Record(ctx, audit.NewEvent(audit.EventTokenRedeemed, g.SubjectID, "", map[string]interface{}{
		"issued_at": g.IssuedAt,
	}))
	return s.openSession(ctx, telegramID, g.Payload["phone_number"])
}

// ValidateWebApp verifies init data without opening a session.
func (s *CredentialService) ValidateWebApp(ctx context.Context, initData string) (*credential.WebAppData, error) {
	if s.cfg.BotToken == "" {
		return nil, ErrWebAppNotConfigured
	}
	opts := []credential.VerifyOption{credential.WithClock(s.now)}
	if s.cfg.WebAppMaxAge > 0 {
		opts = append(opts, credential.WithMaxAge(s.cfg.WebAppMaxAge))
	}
	data, err := credential.VerifyWebAppPayload(initData, s.cfg.BotToken, opts...)
	s.authOutcome("webapp", err)
	return data, err
}

// LoginWithWebApp verifies init data and opens a session for its user.
func (s *CredentialService) LoginWithWebApp(ctx context.Context, initData string) (LoginResult, error) {
	data, err := s.ValidateWebApp(ctx, initData)
	if err != nil {
		return LoginResult{}, err
	}
	if data.User == nil || data.User.ID == 0 {
		return LoginResult{}, ErrNoWebAppUser
	}
	return s.openSession(ctx, data.User.ID, "")
}

func (s *CredentialService) openSession(ctx context.Context, telegramID int64, phone string) (LoginResult, error) {
	profile, err := s.store.GetUserProfileByTelegramID(ctx, telegramID)
	if err != nil {
		return LoginResult{}, err
	}
	tok, err := s.sessions.Issue(profile.ProfileID(), profile.Role(), telegramID)
	if err != nil {
		return LoginResult{}, err
	}
	if w, ok := profile.(models.Worker); ok && w.PhoneNumber != "" {
		phone = w.PhoneNumber
	}
	return LoginResult{
		AccessToken: tok,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.sessions.TTL() / time.Second),
		User: LoginUser{
			ID:         profile.ProfileID().String(),
			TelegramID: strconv.FormatInt(telegramID, 10),
			FullName:   profile.DisplayName(),
			Phone:      phone,
			Role:       profile.Role(),
		},
	}, nil
}

// AuthenticateAPIKey resolves a raw key to its institution. Malformed,
// unknown and revoked keys all return ErrUnknownOrInactiveCredential.
func (s *CredentialService) AuthenticateAPIKey(ctx context.Context, raw string) (models.Institution, error) {
	key, ok := s.keys.Parse(raw)
	if !ok {
		return models.Institution{}, credential.ErrUnknownOrInactiveCredential
	}
	inst, err := s.store.GetInstitution(ctx, key.InstitutionCode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return models.Institution{}, credential.ErrUnknownOrInactiveCredential
		}
		return models.Institution{}, fmt.Errorf("load institution: %w", err)
	}
	if !credential.VerifyKey(raw, inst.KeyHash, inst.APIActive) {
		return models.Institution{}, credential.ErrUnknownOrInactiveCredential
	}
	return inst, nil
}

// RotateAPIKey issues a new key for an institution and returns it raw. The
// raw key is not recoverable afterwards. An active key is only replaced when
// force is set.
func (s *CredentialService) RotateAPIKey(ctx context.Context, code, actor string, force bool) (string, models.Institution, error) {
	inst, err := s.store.GetInstitution(ctx, code)
	if err != nil {
		return "", models.Institution{}, err
	}
	if inst.HasActiveKey() && !force {
		return "", models.Institution{}, ErrActiveKeyExists
	}
	raw, hash, err := s.keys.Rotate(inst.Code)
	if err != nil {
		return "", models.Institution{}, err
	}
	inst, err = s.store.SetAPIKey(ctx, inst.Code, hash, s.now(), force)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Another rotation won between the check and the write.
			return "", models.Institution{}, ErrActiveKeyExists
		}
		return "", models.Institution{}, err
	}
	slog.InfoContext(ctx, "[credential] api key rotated", "institution", inst.Code, "forced", force)
	s.metrics.KeyEvent("rotated")
	s.audit.Record(ctx, audit.NewEvent(audit.EventKeyRotated, inst.Code, actor, map[string]interface{}{
		"forced": force,
	}))
	return raw, inst, nil
}

func (s *CredentialService) RevokeAPIKey(ctx context.Context, code, actor string) (models.Institution, error) {
	inst, err := s.store.RevokeAPIKey(ctx, code)
	if err != nil {
		return models.Institution{}, err
	}
	slog.InfoContext(ctx, "[credential] api key revoked", "institution", inst.Code)
	s.metrics.KeyEvent("revoked")
	s.audit.Record(ctx, audit.NewEvent(audit.EventKeyRevoked, inst.Code, actor, nil))
	return inst, nil
}

func (s *CredentialService) authOutcome(boundary string, err error) {
	switch {
	case err == nil:
		s.metrics.Auth(boundary, "ok")
	case credential.IsAuthError(err):
		s.metrics.Auth(boundary, "rejected")
	default:
		s.metrics.Auth(boundary, "error")
	}
}

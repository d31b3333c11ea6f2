package smartapi

import (
	"context"
	"copybot/internal/broker"
	"copybot/internal/models"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp/totp"
)

const loginPath = "/rest/auth/angelbroking/user/v1/loginByPassword"

// Open logs the account in with client code, password and a fresh TOTP.
func (p *Provider) Open(ctx context.Context, account models.AccountDescriptor) (broker.Session, error) {
	code, err := totp.GenerateCode(account.TOTPSecret, p.now())
	if err != nil {
		return nil, &broker.Error{Kind: broker.KindAuth, Op: "totp", Message: "Не удалось сгенерировать TOTP", Err: err}
	}

	body := map[string]string{
		"clientcode": account.ClientID,
		"password":   account.Password,
		"totp":       code,
	}

	var resp apiResponse[loginData]
	if err := p.doRequest(ctx, http.MethodPost, loginPath, account.APIKey, "", body, &resp); err != nil {
		return nil, err
	}
	if resp.Data.JWTToken == "" {
		return nil, &broker.Error{Kind: broker.KindAuth, Op: "loginByPassword", Message: "Пустой jwtToken в ответе"}
	}

	s := &Session{
		provider:     p,
		account:      account,
		jwtToken:     strings.TrimPrefix(resp.Data.JWTToken, "Bearer "),
		refreshToken: resp.Data.RefreshToken,
		feedToken:    resp.Data.FeedToken,
	}
	s.expiresAt = tokenExpiry(s.jwtToken)

	entry := p.log.WithComponent("smartapi").WithField("account", account.Name)
	if !s.expiresAt.IsZero() {
		entry = entry.WithField("expires_at", s.expiresAt.Format(time.RFC3339))
	}
	entry.Info("Сессия создана.")

	return s, nil
}

// tokenExpiry reads exp from the session JWT. The signature is the broker's business.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

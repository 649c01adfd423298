package credential

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const webAppKeySalt = "WebAppData"

// WebAppUser is the identity embedded in the "user" field of init data.
type WebAppUser struct {
	ID           int64  `json:"id"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
	Username     string `json:"username,omitempty"`
	LanguageCode string `json:"language_code,omitempty"`
	IsPremium    bool   `json:"is_premium,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// WebAppData is a verified init-data payload.
type WebAppData struct {
	Fields   map[string]string
	User     *WebAppUser
	AuthDate time.Time
}

type verifyOptions struct {
	maxAge time.Duration
	now    func() time.Time
}

type VerifyOption func(*verifyOptions)

// WithMaxAge rejects payloads whose auth_date is older than d.
func WithMaxAge(d time.Duration) VerifyOption {
	return func(o *verifyOptions) { o.maxAge = d }
}

func WithClock(now func() time.Time) VerifyOption {
	return func(o *verifyOptions) { o.now = now }
}

// VerifyWebAppPayload checks the signature of Telegram WebApp init data
// against the bot token and returns the parsed fields.
//
// The signature is hex(HMAC_SHA256(HMAC_SHA256("WebAppData", botToken),
// check)) where check is every field except hash, sorted by key and joined
// as "key=value" lines.
func VerifyWebAppPayload(raw, botToken string, opts ...VerifyOption) (*WebAppData, error) {
	o := verifyOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	fields, err := parseInitData(raw)
	if err != nil {
		return nil, err
	}
	received, ok := fields["hash"]
	if !ok {
		return nil, ErrMissingHash
	}
	delete(fields, "hash")

	expected := signFields(fields, botToken)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(received))) {
		return nil, ErrInvalidSignature
	}

	data := &WebAppData{Fields: fields}
	if u, ok := fields["user"]; ok {
		var user WebAppUser
		if err := json.Unmarshal([]byte(u), &user); err != nil {
			return nil, fmt.Errorf("%w: user: %v", ErrMalformedPayload, err)
		}
		data.User = &user
	}
	if ad, ok := fields["auth_date"]; ok {
		secs, err := strconv.ParseInt(ad, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: auth_date: %v", ErrMalformedPayload, err)
		}
		data.AuthDate = time.Unix(secs, 0).UTC()
	}
	if o.maxAge > 0 {
		if data.AuthDate.IsZero() || o.now().Sub(data.AuthDate) > o.maxAge {
			return nil, ErrStaleAuthDate
		}
	}
	return data, nil
}

// SignWebAppPayload computes the hash the platform would attach to fields.
func SignWebAppPayload(fields map[string]string, botToken string) string {
	filtered := make(map[string]string, len(fields))
	for k, v := range fields {
		if k != "hash" {
			filtered[k] = v
		}
	}
	return signFields(filtered, botToken)
}

func signFields(fields map[string]string, botToken string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+fields[k])
	}

	secret := hmac.New(sha256.New, []byte(webAppKeySalt))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// parseInitData decodes a query string into unique pairs. Later duplicates
// win and pairs with an empty value are dropped. An invalid percent-escape
// rejects the whole payload.
func parseInitData(raw string) (map[string]string, error) {
	fields := make(map[string]string)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		k, v, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		if val == "" {
			continue
		}
		fields[key] = val
	}
	return fields, nil
}

package credential_test

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cpass-platform/platform/trust-service/internal/credential"
	"github.com/cpass-platform/platform/trust-service/internal/store"
)

const botToken = "BOT_TOKEN"

func TestTokenRedeemOnce(t *testing.T) {
	issuer := credential.NewTokenIssuer(store.NewMemoryTokenStore(), 0)
	ctx := context.Background()

	raw, err := issuer.Issue(ctx, "123456789", map[string]string{"phone_number": "+254700000000"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw), 43, "32 random bytes encode to 43 base64url chars")

	g, err := issuer.Redeem(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "123456789", g.SubjectID)
	assert.Equal(t, "+254700000000", g.Payload["phone_number"])

	_, err = issuer.Redeem(ctx, raw)
	assert.ErrorIs(t, err, credential.ErrTokenExpiredOrConsumed)
}

func TestTokenRedeemUnknown(t *testing.T) {
	issuer := credential.NewTokenIssuer(store.NewMemoryTokenStore(), 0)
	_, err := issuer.Redeem(context.Background(), "never-issued")
	assert.ErrorIs(t, err, credential.ErrTokenExpiredOrConsumed)
	_, err = issuer.Redeem(context.Background(), "")
	assert.ErrorIs(t, err, credential.ErrTokenExpiredOrConsumed)
}

func TestTokenExpires(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	mem := store.NewMemoryTokenStore()
	mem.NowFunc = func() time.Time { return now }
	issuer := credential.NewTokenIssuer(mem, 300*time.Second)
	ctx := context.Background()

	raw, err := issuer.Issue(ctx, "42", nil)
	require.NoError(t, err)

	now = now.Add(301 * time.Second)
	_, err = issuer.Redeem(ctx, raw)
	assert.ErrorIs(t, err, credential.ErrTokenExpiredOrConsumed)
}

func TestTokenConcurrentRedeem(t *testing.T) {
	issuer := credential.NewTokenIssuer(store.NewMemoryTokenStore(), 0)
	ctx := context.Background()
	raw, err := issuer.Issue(ctx, "7", nil)
	require.NoError(t, err)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := issuer.Redeem(ctx, raw); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestTokenIssueRequiresSubject(t *testing.T) {
	issuer := credential.NewTokenIssuer(store.NewMemoryTokenStore(), 0)
	_, err := issuer.Issue(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestTokenIssueUsesRandomSource(t *testing.T) {
	issuer := credential.NewTokenIssuer(store.NewMemoryTokenStore(), 0)
	issuer.Rand = bytes.NewReader(make([]byte, 64))
	a, err := issuer.Issue(context.Background(), "1", nil)
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("A", 43), a)

	issuer.Rand = bytes.NewReader(nil)
	_, err = issuer.Issue(context.Background(), "1", nil)
	assert.Error(t, err)
}

func signedInitData(t *testing.T, fields map[string]string) string {
	t.Helper()
	v := url.Values{}
	for k, val := range fields {
		v.Set(k, val)
	}
	v.Set("hash", credential.SignWebAppPayload(fields, botToken))
	return v.Encode()
}

func TestVerifyWebAppPayload(t *testing.T) {
	fields := map[string]string{
		"auth_date": "1700000000",
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":279058397,"first_name":"Amina","username":"amina_w","language_code":"en"}`,
	}
	raw := signedInitData(t, fields)

	data, err := credential.VerifyWebAppPayload(raw, botToken)
	require.NoError(t, err)
	require.NotNil(t, data.User)
	assert.Equal(t, int64(279058397), data.User.ID)
	assert.Equal(t, "amina_w", data.User.Username)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), data.AuthDate)
	assert.NotContains(t, data.Fields, "hash")
	assert.Equal(t, "AAHdF6IQAAAAAN0XohDhrOrc", data.Fields["query_id"])
}

func TestVerifyWebAppPayloadKnownVector(t *testing.T) {
	// check string: "auth_date=1\nuser={\"id\":1}"
	fields := map[string]string{"auth_date": "1", "user": `{"id":1}`}
	hash := credential.SignWebAppPayload(fields, botToken)
	assert.Len(t, hash, 64)

	raw := "user=%7B%22id%22%3A1%7D&auth_date=1&hash=" + hash
	_, err := credential.VerifyWebAppPayload(raw, botToken)
	require.NoError(t, err)

	_, err = credential.VerifyWebAppPayload(raw, "OTHER_TOKEN")
	assert.ErrorIs(t, err, credential.ErrInvalidSignature)
}

func TestVerifyWebAppPayloadTamperedHash(t *testing.T) {
	fields := map[string]string{"auth_date": "1700000000", "user": `{"id":1}`}
	hash := credential.SignWebAppPayload(fields, botToken)
	flipped := []byte(hash)
	if flipped[0] == 'a' {
		flipped[0] = 'b'
	} else {
		flipped[0] = 'a'
	}
	raw := "auth_date=1700000000&user=%7B%22id%22%3A1%7D&hash=" + string(flipped)

	_, err := credential.VerifyWebAppPayload(raw, botToken)
	assert.ErrorIs(t, err, credential.ErrInvalidSignature)
}

func TestVerifyWebAppPayloadTamperedField(t *testing.T) {
	raw := signedInitData(t, map[string]string{"auth_date": "1700000000", "user": `{"id":1}`})
	raw = strings.Replace(raw, "auth_date=1700000000", "auth_date=1700000001", 1)
	_, err := credential.VerifyWebAppPayload(raw, botToken)
	assert.ErrorIs(t, err, credential.ErrInvalidSignature)
}

func TestVerifyWebAppPayloadMissingHash(t *testing.T) {
	_, err := credential.VerifyWebAppPayload("auth_date=1700000000&user=%7B%7D", botToken)
	assert.ErrorIs(t, err, credential.ErrMissingHash)

	_, err = credential.VerifyWebAppPayload("", botToken)
	assert.ErrorIs(t, err, credential.ErrMissingHash)

	// a blank hash value is dropped like any other blank field
	_, err = credential.VerifyWebAppPayload("auth_date=1&hash=", botToken)
	assert.ErrorIs(t, err, credential.ErrMissingHash)
}

func TestVerifyWebAppPayloadDuplicateKeysLastWins(t *testing.T) {
	fields := map[string]string{"auth_date": "2"}
	hash := credential.SignWebAppPayload(fields, botToken)
	raw := "auth_date=1&auth_date=2&hash=" + hash
	data, err := credential.VerifyWebAppPayload(raw, botToken)
	require.NoError(t, err)
	assert.Equal(t, "2", data.Fields["auth_date"])
}

func TestVerifyWebAppPayloadMalformedUser(t *testing.T) {
	raw := signedInitData(t, map[string]string{"auth_date": "1", "user": "not-json"})
	_, err := credential.VerifyWebAppPayload(raw, botToken)
	assert.ErrorIs(t, err, credential.ErrMalformedPayload)
}

func TestVerifyWebAppPayloadBadEscape(t *testing.T) {
	for _, raw := range []string{
		"auth_date=1&user=%zz&hash=00",
		"auth_date=1&us%2=x&hash=00",
		"auth_date=1%",
	} {
		_, err := credential.VerifyWebAppPayload(raw, botToken)
		assert.ErrorIs(t, err, credential.ErrMalformedPayload, raw)
	}
}

func TestVerifyWebAppPayloadMaxAge(t *testing.T) {
	issued := time.Unix(1700000000, 0).UTC()
	raw := signedInitData(t, map[string]string{"auth_date": "1700000000"})

	_, err := credential.VerifyWebAppPayload(raw, botToken,
		credential.WithMaxAge(time.Hour),
		credential.WithClock(func() time.Time { return issued.Add(30 * time.Minute) }))
	assert.NoError(t, err)

	_, err = credential.VerifyWebAppPayload(raw, botToken,
		credential.WithMaxAge(time.Hour),
		credential.WithClock(func() time.Time { return issued.Add(2 * time.Hour) }))
	assert.ErrorIs(t, err, credential.ErrStaleAuthDate)
}

func TestParseKey(t *testing.T) {
	k, ok := credential.ParseKey("tvet_KIAMBU001_abc123")
	require.True(t, ok)
	assert.Equal(t, credential.APIKey{Scheme: "tvet", InstitutionCode: "KIAMBU001", Token: "abc123"}, k)

	k, ok = credential.ParseKey("tvet_NAIROBI_ab_cd")
	require.True(t, ok)
	assert.Equal(t, "ab_cd", k.Token)

	for _, bad := range []string{"bad_format", "", "tvet", "tvet__abc", "tvet_CODE_", "other_CODE_abc", "TVET_CODE_abc"} {
		_, ok := credential.ParseKey(bad)
		assert.False(t, ok, bad)
	}
}

func TestRotateAndVerifyKey(t *testing.T) {
	m := credential.NewKeyManager("")
	raw, hash, err := m.Rotate("KIAMBU001")
	require.NoError(t, err)

	k, ok := m.Parse(raw)
	require.True(t, ok)
	assert.Equal(t, "KIAMBU001", k.InstitutionCode)
	assert.Len(t, k.Token, 32)
	assert.Equal(t, credential.HashKey(raw), hash)
	assert.NotContains(t, hash, raw)

	assert.True(t, credential.VerifyKey(raw, hash, true))
	assert.False(t, credential.VerifyKey(raw, hash, false))
	assert.False(t, credential.VerifyKey(raw, "", true))

	altered := []byte(raw)
	last := len(altered) - 1
	if altered[last] == '0' {
		altered[last] = '1'
	} else {
		altered[last] = '0'
	}
	assert.False(t, credential.VerifyKey(string(altered), hash, true))

	raw2, hash2, err := m.Rotate("KIAMBU001")
	require.NoError(t, err)
	assert.NotEqual(t, raw, raw2)
	assert.False(t, credential.VerifyKey(raw, hash2, true), "old key invalid after rotation")
}

func TestRotateRejectsBadInstitutionCode(t *testing.T) {
	m := credential.NewKeyManager("tvet")
	_, _, err := m.Rotate("")
	assert.True(t, errors.Is(err, credential.ErrInvalidKeyFormat))
	_, _, err = m.Rotate("BAD_CODE")
	assert.True(t, errors.Is(err, credential.ErrInvalidKeyFormat))
}

func TestIsAuthError(t *testing.T) {
	assert.True(t, credential.IsAuthError(credential.ErrInvalidSignature))
	assert.True(t, credential.IsAuthError(errors.Join(errors.New("ctx"), credential.ErrTokenExpiredOrConsumed)))
	assert.False(t, credential.IsAuthError(errors.New("boom")))
}

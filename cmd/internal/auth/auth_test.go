package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T, ttl time.Duration) (*Signer, *PasetoVerifier) {
	t.Helper()
	secretHex, publicHex := GenerateKeyHex()

	signer, err := NewSigner(secretHex, "langmate-test", ttl)
	require.NoError(t, err)
	require.Equal(t, publicHex, signer.PublicKeyHex())

	v, err := NewPasetoVerifier(PasetoConfig{PublicKeyHex: publicHex, Issuer: "langmate-test", ClockSkew: 5 * time.Second})
	require.NoError(t, err)
	return signer, v
}

func TestPasetoVerifier_RoundTrip(t *testing.T) {
	req := require.New(t)
	signer, v := newPair(t, 15*time.Minute)

	now := time.Now().UTC()
	tok, exp := signer.Issue("alice", now)

	c, err := v.Verify(tok, now)
	req.NoError(err)
	req.Equal("alice", c.UserID)
	req.WithinDuration(exp, c.ExpiresAt, time.Second)
}

func TestPasetoVerifier_Rejects(t *testing.T) {
	signer, v := newPair(t, time.Minute)
	other, _ := newPair(t, time.Minute)
	now := time.Now().UTC()

	wrongIssuerSecret, _ := GenerateKeyHex()
	wrongIssuer, err := NewSigner(wrongIssuerSecret, "someone-else", time.Minute)
	require.NoError(t, err)

	expired, _ := signer.Issue("alice", now.Add(-time.Hour))
	foreign, _ := other.Issue("alice", now)
	badIssuer, _ := wrongIssuer.Issue("alice", now)
	blankUID, _ := signer.Issue("   ", now)

	cases := map[string]string{
		"garbage":       "not-a-token",
		"expired":       expired,
		"foreign key":   foreign,
		"wrong issuer":  badIssuer,
		"blank user id": blankUID,
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok, now)
			require.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewPasetoVerifier_Config(t *testing.T) {
	_, publicHex := GenerateKeyHex()

	_, err := NewPasetoVerifier(PasetoConfig{PublicKeyHex: "zz", Issuer: "x"})
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewPasetoVerifier(PasetoConfig{PublicKeyHex: publicHex})
	require.ErrorIs(t, err, ErrConfig)

	_, err = NewSigner("", "x", time.Minute)
	require.ErrorIs(t, err, ErrConfig)
}

func TestPasetoVerifier_Authenticate(t *testing.T) {
	req := require.New(t)
	signer, v := newPair(t, time.Minute)
	tok, _ := signer.Issue("bob", time.Now().UTC())

	r := httptest.NewRequest(http.MethodGet, "/v1/conversations", nil)
	_, err := v.Authenticate(r)
	req.ErrorIs(err, ErrUnauthenticated)

	r.Header.Set("Authorization", "Bearer "+tok)
	c, err := v.Authenticate(r)
	req.NoError(err)
	req.Equal("bob", c.UserID)

	ws := httptest.NewRequest(http.MethodGet, "/ws?access_token="+tok, nil)
	c, err = v.Authenticate(ws)
	req.NoError(err)
	req.Equal("bob", c.UserID)
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer   abc ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		require.Equal(t, tc.want, BearerToken(r), "header %q", tc.header)
	}
}

func TestHeaderVerifier(t *testing.T) {
	req := require.New(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err := HeaderVerifier{}.Authenticate(r)
	req.ErrorIs(err, ErrUnauthenticated)

	r.Header.Set(DefaultUserHeader, "  carol ")
	c, err := HeaderVerifier{}.Authenticate(r)
	req.NoError(err)
	req.Equal("carol", c.UserID)

	r.Header.Set("X-Forwarded-User", "dave")
	c, err = HeaderVerifier{Header: "X-Forwarded-User"}.Authenticate(r)
	req.NoError(err)
	req.Equal("dave", c.UserID)
}

func TestRequire(t *testing.T) {
	var seen string
	h := Require(HeaderVerifier{}, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = c.UserID
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(DefaultUserHeader, "erin")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "erin", seen)
}

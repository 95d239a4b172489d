package forge

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/afu9/control-center/internal/errcode"
)

// AppTokenSource exchanges app credentials for short-lived installation
// tokens. Tokens are cached per (owner, repo) until shortly before expiry
// and never leave the server.
type AppTokenSource struct {
	appID   string
	key     *rsa.PrivateKey
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// NewAppTokenSource parses the PEM-encoded private key and returns a
// ready token source.
func NewAppTokenSource(appID, privateKeyPEM, baseURL string) (*AppTokenSource, error) {
	block, _ := pem.Decode([]byte(privateKeyPEM))
	if block == nil {
		return nil, errcode.New(errcode.PolicyConfigError, "forge app private key is not valid PEM")
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		pkcs8, err8 := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err8 != nil {
			return nil, errcode.Wrap(errcode.PolicyConfigError, "parse forge app private key", err)
		}
		var ok bool
		if key, ok = pkcs8.(*rsa.PrivateKey); !ok {
			return nil, errcode.New(errcode.PolicyConfigError, "forge app private key is not RSA")
		}
	}
	return &AppTokenSource{
		appID:   appID,
		key:     key,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cache:   make(map[string]cachedToken),
	}, nil
}

func (s *AppTokenSource) InstallationToken(ctx context.Context, owner, repo string) (string, error) {
	cacheKey := owner + "/" + repo

	s.mu.Lock()
	if tok, ok := s.cache[cacheKey]; ok && time.Now().Before(tok.expires) {
		s.mu.Unlock()
		return tok.token, nil
	}
	s.mu.Unlock()

	jwt, err := s.signJWT()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/repos/%s/%s/installation-token", s.baseURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, "build token request", err)
	}
	req.Header.Set("Authorization", "Bearer "+jwt)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", errcode.Wrap(errcode.Unavailable, "forge token exchange", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", errcode.Newf(errcode.Unavailable, "forge token exchange returned %d", resp.StatusCode)
	}

	var body struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errcode.Wrap(errcode.Internal, "decode token response", err)
	}

	expires := body.ExpiresAt
	if expires.IsZero() {
		expires = time.Now().Add(55 * time.Minute)
	}
	s.mu.Lock()
	s.cache[cacheKey] = cachedToken{token: body.Token, expires: expires.Add(-time.Minute)}
	s.mu.Unlock()
	return body.Token, nil
}

// signJWT produces a short-lived RS256 app assertion.
func (s *AppTokenSource) signJWT() (string, error) {
	now := time.Now()
	header := map[string]string{"alg": "RS256", "typ": "JWT"}
	claims := map[string]interface{}{
		"iss": s.appID,
		"iat": now.Add(-30 * time.Second).Unix(),
		"exp": now.Add(9 * time.Minute).Unix(),
	}

	hdr, err := json.Marshal(header)
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, "encode jwt header", err)
	}
	cls, err := json.Marshal(claims)
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, "encode jwt claims", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(hdr) + "." + enc.EncodeToString(cls)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, "sign jwt", err)
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bobby-ai-dev/manna-protocol/crypto"
	"github.com/bobby-ai-dev/manna-protocol/services/cdpd/apiclient"
)

// maxSignedBody bounds the request bodies covered by a signature.
const maxSignedBody = 1 << 20

var (
	errBodyTooLarge     = errors.New("request body exceeds signature limit")
	errMissingHeaders   = errors.New("signature headers required")
	errTimestampSkew    = errors.New("request timestamp outside the allowed window")
	errSignatureInvalid = errors.New("signature does not match address")
	errReplayed         = errors.New("request already processed")
)

type callerContextKey struct{}

type bodyContextKey struct{}

// CallerFromContext returns the address that signed the request.
func CallerFromContext(ctx context.Context) (crypto.Address, bool) {
	if ctx == nil {
		return crypto.Address{}, false
	}
	addr, ok := ctx.Value(callerContextKey{}).(crypto.Address)
	return addr, ok && !addr.IsZero()
}

func bodyFromContext(ctx context.Context) []byte {
	body, _ := ctx.Value(bodyContextKey{}).([]byte)
	return body
}

// SignatureAuthenticator verifies the X-Manna-* headers. A signed request is
// accepted at most once while its timestamp is inside the skew window.
type SignatureAuthenticator struct {
	maxSkew time.Duration
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// NewSignatureAuthenticator builds a verifier for the given clock skew.
func NewSignatureAuthenticator(maxSkew time.Duration, now func() time.Time) *SignatureAuthenticator {
	if maxSkew <= 0 {
		maxSkew = 2 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &SignatureAuthenticator{maxSkew: maxSkew, now: now, seen: make(map[string]time.Time)}
}

// Middleware authenticates the caller and stores the address and the raw
// body in the request context.
func (a *SignatureAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := readRequestBody(r)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errBodyTooLarge) {
				status = http.StatusRequestEntityTooLarge
			}
			writeJSON(w, status, errorBody{Error: err.Error(), Code: codeInvalidRequest})
			return
		}
		caller, err := a.Authenticate(r, body)
		if err != nil {
			reason := "bad_signature"
			if errors.Is(err, errReplayed) {
				reason = "replay"
			}
			recordThrottle(r, reason)
			writeCode(w, codeUnauthenticated, err.Error())
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey{}, caller)
		ctx = context.WithValue(ctx, bodyContextKey{}, body)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate checks the signature headers of r against body.
func (a *SignatureAuthenticator) Authenticate(r *http.Request, body []byte) (crypto.Address, error) {
	claimed := strings.TrimSpace(r.Header.Get(apiclient.HeaderAddress))
	rawTS := strings.TrimSpace(r.Header.Get(apiclient.HeaderTimestamp))
	rawSig := strings.TrimSpace(r.Header.Get(apiclient.HeaderSignature))
	if claimed == "" || rawTS == "" || rawSig == "" {
		return crypto.Address{}, errMissingHeaders
	}
	addr, err := crypto.DecodeAddress(claimed)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid address: %w", err)
	}
	ts, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.now()
	skew := now.Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxSkew {
		return crypto.Address{}, errTimestampSkew
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(rawSig, "0x"))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	digest := crypto.RequestDigest(r.Method, r.URL.Path, ts, body)
	recovered, err := crypto.RecoverAddress(digest, sig)
	if err != nil {
		return crypto.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	if !recovered.Equal(addr) {
		return crypto.Address{}, errSignatureInvalid
	}
	if !a.remember(replayKey(recovered, ts, digest), now) {
		return crypto.Address{}, errReplayed
	}
	return addr, nil
}

// replayKey identifies a signed request independently of how its signature
// is encoded.
func replayKey(signer crypto.Address, ts int64, digest []byte) string {
	return signer.String() + "|" + strconv.FormatInt(ts, 10) + "|" + hex.EncodeToString(digest)
}

func (a *SignatureAuthenticator) remember(key string, now time.Time) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for k, seenAt := range a.seen {
		if now.Sub(seenAt) > 2*a.maxSkew {
			delete(a.seen, k)
		}
	}
	if _, ok := a.seen[key]; ok {
		return false
	}
	a.seen[key] = now
	return true
}

func readRequestBody(r *http.Request) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, nil
	}
	original := r.Body
	data, err := io.ReadAll(io.LimitReader(original, maxSignedBody+1))
	original.Close()
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxSignedBody {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// AdminConfig configures bearer token verification for operator routes.
type AdminConfig struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// AdminPrincipal describes an authenticated operator.
type AdminPrincipal struct {
	Subject string
}

type adminContextKey struct{}

// AdminFromContext extracts the operator principal from the context.
func AdminFromContext(ctx context.Context) (*AdminPrincipal, bool) {
	if ctx == nil {
		return nil, false
	}
	principal, ok := ctx.Value(adminContextKey{}).(*AdminPrincipal)
	return principal, ok && principal != nil
}

// AdminAuthenticator verifies HS256 bearer tokens.
type AdminAuthenticator struct {
	secret []byte
	opts   []jwt.ParserOption
}

// NewAdminAuthenticator builds the operator token verifier.
func NewAdminAuthenticator(cfg AdminConfig, now func() time.Time) (*AdminAuthenticator, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, fmt.Errorf("admin secret required")
	}
	if now == nil {
		now = time.Now
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = 30 * time.Second
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithTimeFunc(now),
		jwt.WithExpirationRequired(),
	}
	if issuer := strings.TrimSpace(cfg.Issuer); issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience := strings.TrimSpace(cfg.Audience); audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return &AdminAuthenticator{secret: []byte(secret), opts: opts}, nil
}

// Middleware enforces bearer authentication for admin endpoints.
func (a *AdminAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a == nil {
			writeCode(w, codeInternal, "authentication unavailable")
			return
		}
		principal, err := a.Authenticate(r)
		if err != nil {
			recordThrottle(r, "admin_auth")
			writeCode(w, codeUnauthenticated, "authentication required")
			return
		}
		ctx := context.WithValue(r.Context(), adminContextKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Authenticate parses and validates the bearer token on r.
func (a *AdminAuthenticator) Authenticate(r *http.Request) (*AdminPrincipal, error) {
	token := parseBearerToken(r.Header.Get("Authorization"))
	if token == "" {
		return nil, errors.New("bearer token required")
	}
	parsed, err := jwt.ParseWithClaims(token, jwt.MapClaims{}, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, a.opts...)
	if err != nil {
		return nil, err
	}
	subject, err := parsed.Claims.GetSubject()
	if err != nil || strings.TrimSpace(subject) == "" {
		return nil, errors.New("token subject required")
	}
	return &AdminPrincipal{Subject: subject}, nil
}

func parseBearerToken(header string) string {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return ""
	}
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(strings.TrimSpace(parts[0]), "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

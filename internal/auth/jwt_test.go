package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const (
	testIssuer   = "harborrelay"
	testAudience = "harborrelay-api"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func key(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		testKey = k
	})
	return testKey
}

func setup(t *testing.T) (*Issuer, *JWTValidator) {
	t.Helper()
	k := key(t)
	return NewIssuer(k, "test-key", testIssuer, testAudience),
		NewJWTValidatorFromKey(&k.PublicKey, testIssuer, testAudience)
}

func TestNewJWTValidator(t *testing.T) {
	pubPEM, err := PublicKeyPEM(&key(t).PublicKey)
	if err != nil {
		t.Fatalf("PublicKeyPEM() error = %v", err)
	}

	tests := []struct {
		name        string
		pem         string
		expectError bool
	}{
		{name: "valid PKIX key", pem: pubPEM},
		{name: "invalid PEM format", pem: "invalid-pem", expectError: true},
		{name: "empty", pem: "", expectError: true},
		{name: "garbage body", pem: "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewJWTValidator(tt.pem, testIssuer, testAudience)
			if tt.expectError {
				if err == nil {
					t.Errorf("NewJWTValidator() expected error")
				}
				return
			}
			if err != nil || v == nil {
				t.Fatalf("NewJWTValidator() error = %v", err)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	iss, v := setup(t)
	good, err := iss.Issue("tenant-a", time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	sign := func(claims jwt.Claims, method jwt.SigningMethod, k any) string {
		s, err := jwt.NewWithClaims(method, claims).SignedString(k)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	base := func() Claims {
		return Claims{TenantID: "tenant-a", RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}}
	}
	wrongIssuer := base()
	wrongIssuer.Issuer = "someone"
	wrongAudience := base()
	wrongAudience.Audience = jwt.ClaimStrings{"other"}
	expired := base()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	noTenant := base()
	noTenant.TenantID = ""
	noExpiry := base()
	noExpiry.ExpiresAt = nil

	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		token  string
		tenant string
	}{
		{name: "valid", token: good, tenant: "tenant-a"},
		{name: "wrong issuer", token: sign(wrongIssuer, jwt.SigningMethodRS256, key(t))},
		{name: "wrong audience", token: sign(wrongAudience, jwt.SigningMethodRS256, key(t))},
		{name: "expired", token: sign(expired, jwt.SigningMethodRS256, key(t))},
		{name: "missing tenant", token: sign(noTenant, jwt.SigningMethodRS256, key(t))},
		{name: "missing exp", token: sign(noExpiry, jwt.SigningMethodRS256, key(t))},
		{name: "hmac rejected", token: sign(base(), jwt.SigningMethodHS256, []byte("secret"))},
		{name: "foreign key", token: sign(base(), jwt.SigningMethodRS256, other)},
		{name: "garbage", token: "not.a.token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tenant, err := v.ValidateToken(tt.token)
			if tt.tenant == "" {
				if !errors.Is(err, ErrUnauthenticated) {
					t.Errorf("ValidateToken() error = %v, want ErrUnauthenticated", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if tenant != tt.tenant {
				t.Errorf("ValidateToken() = %q, want %q", tenant, tt.tenant)
			}
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	iss, v := setup(t)
	token, _ := iss.Issue("tenant-a", time.Hour)

	var gotTenant string
	h := v.HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant, _ = GetTenantIDFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantTenant string
	}{
		{name: "health bypass", path: "/healthz", wantStatus: http.StatusOK},
		{name: "ping bypass", path: "/v1/ping", wantStatus: http.StatusOK},
		{name: "missing header", path: "/v1/subscriptions", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", path: "/v1/subscriptions", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "bad token", path: "/v1/subscriptions", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid", path: "/v1/subscriptions", header: "Bearer " + token, wantStatus: http.StatusOK, wantTenant: "tenant-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotTenant = ""
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			// a forged tenant header must not be honored
			req.Header.Set(TenantHeader, "tenant-evil")
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if gotTenant != tt.wantTenant {
				t.Errorf("tenant = %q, want %q", gotTenant, tt.wantTenant)
			}
		})
	}
}

func TestHeaderMiddleware(t *testing.T) {
	var got string
	var ok bool
	h := HeaderMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok = GetTenantIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/subscriptions", nil)
	req.Header.Set(TenantHeader, " tenant-a ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if !ok || got != "tenant-a" {
		t.Errorf("tenant = %q, %v; want tenant-a", got, ok)
	}

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	if ok {
		t.Errorf("expected no tenant without header, got %q", got)
	}
}

func TestGRPCInterceptor(t *testing.T) {
	iss, v := setup(t)
	token, _ := iss.Issue("tenant-a", time.Hour)
	interceptor := v.GRPCInterceptor()

	handler := func(ctx context.Context, req any) (any, error) {
		tenant, _ := GetTenantIDFromContext(ctx)
		return tenant, nil
	}

	tests := []struct {
		name     string
		method   string
		md       metadata.MD
		wantCode codes.Code
		want     any
	}{
		{name: "health bypass", method: "/grpc.health.v1.Health/Check", wantCode: codes.OK, want: ""},
		{name: "no metadata", method: "/svc/Call", wantCode: codes.Unauthenticated},
		{name: "no authorization", method: "/svc/Call", md: metadata.Pairs("x-tenant-id", "t"), wantCode: codes.Unauthenticated},
		{name: "bad format", method: "/svc/Call", md: metadata.Pairs("authorization", token), wantCode: codes.Unauthenticated},
		{name: "valid", method: "/svc/Call", md: metadata.Pairs("authorization", "Bearer "+token), wantCode: codes.OK, want: "tenant-a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.md != nil {
				ctx = metadata.NewIncomingContext(ctx, tt.md)
			}
			got, err := interceptor(ctx, nil, &grpc.UnaryServerInfo{FullMethod: tt.method}, handler)
			if status.Code(err) != tt.wantCode {
				t.Fatalf("code = %v, want %v (err %v)", status.Code(err), tt.wantCode, err)
			}
			if tt.wantCode == codes.OK && got != tt.want {
				t.Errorf("handler got tenant %v, want %v", got, tt.want)
			}
		})
	}
}

func TestJWKSRoundTrip(t *testing.T) {
	iss, _ := setup(t)
	set := iss.JWKS()

	b, err := json.Marshal(set)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"e":"AQAB"`) {
		t.Errorf("JWKS exponent not encoded as AQAB: %s", b)
	}

	k, ok := set.Find("test-key")
	if !ok {
		t.Fatal("Find() missed issued kid")
	}
	pub, err := k.PublicKey()
	if err != nil {
		t.Fatalf("PublicKey() error = %v", err)
	}
	if !pub.Equal(&key(t).PublicKey) {
		t.Error("decoded key differs from original")
	}
	if _, ok := set.Find("missing"); ok {
		t.Error("Find() returned a key for unknown kid")
	}
	if _, err := (JSONWebKey{Kty: "EC"}).PublicKey(); err == nil {
		t.Error("PublicKey() accepted non-RSA key")
	}
}

func TestFetchJWKS(t *testing.T) {
	iss, _ := setup(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewEncoder(w).Encode(iss.JWKS())
	}))
	defer srv.Close()

	pub, err := FetchJWKS(context.Background(), srv.Client(), srv.URL+"/.well-known/jwks.json", "test-key")
	if err != nil {
		t.Fatalf("FetchJWKS() error = %v", err)
	}

	// the fetched key verifies tokens from the issuer
	token, _ := iss.Issue("tenant-b", time.Minute)
	tenant, err := NewJWTValidatorFromKey(pub, testIssuer, testAudience).ValidateToken(token)
	if err != nil || tenant != "tenant-b" {
		t.Errorf("ValidateToken() = %q, %v", tenant, err)
	}

	if _, err := FetchJWKS(context.Background(), srv.Client(), srv.URL+"/missing", ""); err == nil {
		t.Error("FetchJWKS() expected error on 404")
	}
	if _, err := FetchJWKS(context.Background(), srv.Client(), srv.URL+"/.well-known/jwks.json", "other"); err == nil {
		t.Error("FetchJWKS() expected error for unknown kid")
	}
}

func TestIssueRequiresTenant(t *testing.T) {
	iss, _ := setup(t)
	if _, err := iss.Issue("", time.Minute); err == nil {
		t.Error("Issue() expected error for empty tenant")
	}
}

func TestLoadOrGenerateKey(t *testing.T) {
	k, err := LoadOrGenerateKey("")
	if err != nil || k == nil {
		t.Fatalf("LoadOrGenerateKey(\"\") = %v, %v", k, err)
	}
	if _, err := LoadOrGenerateKey("nope"); err == nil {
		t.Error("LoadOrGenerateKey() expected error for invalid PEM")
	}
}

package eks

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const (
	// tokenPrefix is the required prefix for EKS bearer tokens.
	tokenPrefix = "k8s-aws-v1."

	// tokenExpiry is how long a generated token is considered valid.
	tokenExpiry = 15 * time.Minute

	// presignURLExpiry is the number of seconds the presigned URL is valid.
	presignURLExpiry = "60"

	// tokenRefreshBuffer is how close to expiry the token counts as stale.
	tokenRefreshBuffer = 1 * time.Minute

	// clusterIDHeader identifies the cluster for token authentication.
	clusterIDHeader = "x-k8s-aws-id"
)

type generateFunc func() (token string, expiry time.Time, err error)

// TokenProvider generates and caches EKS bearer tokens for the Kubernetes
// API. Safe for concurrent use.
type TokenProvider struct {
	mu       sync.Mutex
	token    string
	expiry   time.Time
	generate generateFunc
}

// NewTokenProvider creates a TokenProvider backed by presigned STS requests.
func NewTokenProvider(cfg aws.Config, clusterName string) *TokenProvider {
	tp := &TokenProvider{}
	tp.generate = func() (string, time.Time, error) {
		return generateToken(cfg, clusterName)
	}
	return tp
}

// GetToken returns the cached token while it has more than a minute left,
// otherwise generates and caches a fresh one.
func (tp *TokenProvider) GetToken() (string, error) {
	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.token != "" && time.Until(tp.expiry) > tokenRefreshBuffer {
		return tp.token, nil
	}

	token, expiry, err := tp.generate()
	if err != nil {
		return "", fmt.Errorf("generating EKS token: %w", err)
	}

	tp.token = token
	tp.expiry = expiry
	return tp.token, nil
}

// generateToken creates a presigned STS GetCallerIdentity URL and encodes it
// as an EKS bearer token, the same mechanism as `aws eks get-token`.
//
// A custom presigner injects the headers into the HTTP request before
// signing; adding them after presigning does not produce valid signatures.
func generateToken(cfg aws.Config, clusterName string) (string, time.Time, error) {
	stsClient := sts.NewFromConfig(cfg)
	presignClient := sts.NewPresignClient(stsClient)

	headers := map[string]string{
		clusterIDHeader: clusterName,
		"X-Amz-Expires": presignURLExpiry,
	}

	presigned, err := presignClient.PresignGetCallerIdentity(context.Background(), &sts.GetCallerIdentityInput{},
		func(po *sts.PresignOptions) {
			po.Presigner = &eksPresigner{base: po.Presigner, headers: headers}
		},
	)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presigning GetCallerIdentity: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString([]byte(presigned.URL))
	return tokenPrefix + encoded, time.Now().Add(tokenExpiry), nil
}

// eksPresigner injects the cluster-id and expiry headers into the request
// before signature computation.
type eksPresigner struct {
	base    sts.HTTPPresignerV4
	headers map[string]string
}

func (p *eksPresigner) PresignHTTP(
	ctx context.Context, credentials aws.Credentials, r *http.Request,
	payloadHash string, service string, region string, signingTime time.Time,
	optFns ...func(*v4.SignerOptions),
) (string, http.Header, error) {
	for k, v := range p.headers {
		r.Header.Set(k, v)
	}
	return p.base.PresignHTTP(ctx, credentials, r, payloadHash, service, region, signingTime, optFns...)
}

// WrapTransport wraps an http.RoundTripper to inject the bearer token on
// each Kubernetes API request, refreshing when stale.
func (tp *TokenProvider) WrapTransport(rt http.RoundTripper) http.RoundTripper {
	return &tokenTransport{base: rt, provider: tp}
}

type tokenTransport struct {
	base     http.RoundTripper
	provider *TokenProvider
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.provider.GetToken()
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(clone)
}

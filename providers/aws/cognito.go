package aws

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider/types"
)

// ErrNoAuthenticationResult is returned when Cognito answers with a challenge instead of tokens
var ErrNoAuthenticationResult = errors.New("cognito returned no authentication result")

// CognitoAPI is the part of the Cognito user pool service used to log in
type CognitoAPI interface {
	InitiateAuth(ctx context.Context, params *cognitoidentityprovider.InitiateAuthInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.InitiateAuthOutput, error)
}

// NewCognitoClient creates an unsigned Cognito client.
// InitiateAuth with a public app client needs no AWS credentials.
func NewCognitoClient(ctx context.Context, region string) (*cognitoidentityprovider.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
		config.WithCredentialsProvider(aws.AnonymousCredentials{}),
	)
	if err != nil {
		return nil, err
	}
	return cognitoidentityprovider.NewFromConfig(cfg), nil
}

// CognitoTokenSource logs in with username and password and keeps the ID token fresh
type CognitoTokenSource struct {
	api         CognitoAPI
	clientID    string
	username    string
	password    string
	minValidity time.Duration
	now         func() time.Time

	mu           sync.Mutex
	idToken      string
	refreshToken string
	expiry       time.Time
}

// NewCognitoTokenSource creates a token source for the given app client.
// The token is renewed once less than minValidity of its lifetime is left.
func NewCognitoTokenSource(api CognitoAPI, clientID, username, password string, minValidity time.Duration) *CognitoTokenSource {
	return &CognitoTokenSource{
		api:         api,
		clientID:    clientID,
		username:    username,
		password:    password,
		minValidity: minValidity,
		now:         time.Now,
	}
}

// Token implements client.TokenSource
func (s *CognitoTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.idToken != "" && s.now().Add(s.minValidity).Before(s.expiry) {
		return s.idToken, nil
	}

	if s.refreshToken != "" {
		err := s.refresh(ctx)
		if err == nil {
			return s.idToken, nil
		}
		log.Printf("Token refresh failed, logging in again: %v", err)
	}

	if err := s.login(ctx); err != nil {
		return "", err
	}
	return s.idToken, nil
}

func (s *CognitoTokenSource) login(ctx context.Context) error {
	out, err := s.api.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeUserPasswordAuth,
		ClientId: aws.String(s.clientID),
		AuthParameters: map[string]string{
			"USERNAME": s.username,
			"PASSWORD": s.password,
		},
	})
	if err != nil {
		return fmt.Errorf("cognito login failed: %w", err)
	}
	return s.store(out, true)
}

func (s *CognitoTokenSource) refresh(ctx context.Context) error {
	out, err := s.api.InitiateAuth(ctx, &cognitoidentityprovider.InitiateAuthInput{
		AuthFlow: types.AuthFlowTypeRefreshTokenAuth,
		ClientId: aws.String(s.clientID),
		AuthParameters: map[string]string{
			"REFRESH_TOKEN": s.refreshToken,
		},
	})
	if err != nil {
		return err
	}
	return s.store(out, false)
}

// store keeps the tokens of a successful auth. Refresh responses carry no refresh token.
func (s *CognitoTokenSource) store(out *cognitoidentityprovider.InitiateAuthOutput, login bool) error {
	res := out.AuthenticationResult
	if res == nil || aws.ToString(res.IdToken) == "" {
		return ErrNoAuthenticationResult
	}
	s.idToken = aws.ToString(res.IdToken)
	s.expiry = s.now().Add(time.Duration(res.ExpiresIn) * time.Second)
	if login || res.RefreshToken != nil {
		s.refreshToken = aws.ToString(res.RefreshToken)
	}
	return nil
}

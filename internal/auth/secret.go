package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required to fetch the signing secret.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// LoadSecret reads a SecureString parameter holding the signing secret.
func LoadSecret(ctx context.Context, api ssmAPI, name string) ([]byte, error) {
	if api == nil {
		return nil, errors.New("auth: ssm client not initialized")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("auth: parameter name is required")
	}
	out, err := api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("auth: get parameter %q: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil || *out.Parameter.Value == "" {
		return nil, fmt.Errorf("auth: parameter %q has no value", name)
	}
	return []byte(*out.Parameter.Value), nil
}

// ResolveSecret prefers the parameter store when param is set and falls back
// to the inline secret otherwise.
func ResolveSecret(ctx context.Context, api ssmAPI, param, inline string) ([]byte, error) {
	if param != "" {
		return LoadSecret(ctx, api, param)
	}
	if inline == "" {
		return nil, errors.New("auth: no signing secret configured")
	}
	return []byte(inline), nil
}

package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"
)

type fakeSSM struct {
	out    *ssm.GetParameterOutput
	err    error
	lastIn *ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(_ context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.lastIn = in
	return f.out, f.err
}

func strPtr(s string) *string { return &s }

func TestLoadSecret_HappyPath(t *testing.T) {
	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr("s3cret")}}}
	got, err := LoadSecret(context.Background(), api, " /codepair/jwt ")
	require.NoError(t, err)
	require.Equal(t, []byte("s3cret"), got)
	require.Equal(t, "/codepair/jwt", *api.lastIn.Name)
	require.True(t, *api.lastIn.WithDecryption)
}

func TestLoadSecret_Errors(t *testing.T) {
	_, err := LoadSecret(context.Background(), nil, "p")
	require.ErrorContains(t, err, "not initialized")

	_, err = LoadSecret(context.Background(), &fakeSSM{}, "  ")
	require.ErrorContains(t, err, "required")

	_, err = LoadSecret(context.Background(), &fakeSSM{err: errors.New("boom")}, "p")
	require.ErrorContains(t, err, "boom")

	_, err = LoadSecret(context.Background(), &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{}}}, "p")
	require.ErrorContains(t, err, "no value")
}

func TestResolveSecret(t *testing.T) {
	got, err := ResolveSecret(context.Background(), nil, "", "inline")
	require.NoError(t, err)
	require.Equal(t, []byte("inline"), got)

	api := &fakeSSM{out: &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: strPtr("from-ssm")}}}
	got, err = ResolveSecret(context.Background(), api, "/p", "inline")
	require.NoError(t, err)
	require.Equal(t, []byte("from-ssm"), got)

	_, err = ResolveSecret(context.Background(), nil, "", "")
	require.Error(t, err)
}

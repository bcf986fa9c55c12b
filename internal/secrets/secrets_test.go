package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSecretsManager implements SecretsManagerAPI for testing.
type mockSecretsManager struct {
	values map[string]string
	calls  int
	err    error
}

func (m *mockSecretsManager) GetSecretValue(_ context.Context, params *secretsmanager.GetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	v, ok := m.values[aws.ToString(params.SecretId)]
	if !ok {
		return nil, &smtypes.ResourceNotFoundException{Message: aws.String("no such secret")}
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: aws.String(v)}, nil
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "RECLAIM_GC_OWNER_ID", EnvKey("reclaim", "gc/owner-id"))
	assert.Equal(t, "SESSION_TOKEN", EnvKey("", "session.token"))
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("RECLAIM_OWNER_ID", "gc-bot")

	r := NewEnvResolver("reclaim")
	v, err := r.Resolve(context.Background(), "owner-id")
	require.NoError(t, err)
	assert.Equal(t, "gc-bot", v)

	_, err = r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAWSResolver_PlainAndJSONField(t *testing.T) {
	sm := &mockSecretsManager{values: map[string]string{
		"gc/token":  "abc123",
		"gc/config": `{"owner":"gc-bot","port":8086}`,
	}}
	r := NewAWSResolver(sm)

	v, err := r.Resolve(context.Background(), "gc/token")
	require.NoError(t, err)
	assert.Equal(t, "abc123", v)

	v, err = r.Resolve(context.Background(), "gc/config#owner")
	require.NoError(t, err)
	assert.Equal(t, "gc-bot", v)

	v, err = r.Resolve(context.Background(), "gc/config#port")
	require.NoError(t, err)
	assert.Equal(t, "8086", v)

	_, err = r.Resolve(context.Background(), "gc/config#nope")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(context.Background(), "gc/token#field")
	assert.ErrorContains(t, err, "not a JSON object")
}

func TestAWSResolver_CachesValues(t *testing.T) {
	sm := &mockSecretsManager{values: map[string]string{"gc/config": `{"a":"1","b":"2"}`}}
	r := NewAWSResolver(sm)

	for _, name := range []string{"gc/config#a", "gc/config#b", "gc/config"} {
		_, err := r.Resolve(context.Background(), name)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sm.calls)
}

func TestAWSResolver_NotFoundAndFailure(t *testing.T) {
	r := NewAWSResolver(&mockSecretsManager{})
	_, err := r.Resolve(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	r = NewAWSResolver(&mockSecretsManager{err: errors.New("AccessDenied")})
	_, err = r.Resolve(context.Background(), "x")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestChain(t *testing.T) {
	t.Setenv("OVERRIDE", "from-env")

	sm := &mockSecretsManager{values: map[string]string{"override": "from-aws", "only-aws": "aws-value"}}
	c := Chain{NewEnvResolver(""), NewAWSResolver(sm)}

	v, err := c.Resolve(context.Background(), "override")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	v, err = c.Resolve(context.Background(), "only-aws")
	require.NoError(t, err)
	assert.Equal(t, "aws-value", v)

	_, err = c.Resolve(context.Background(), "nowhere")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestChain_StopsOnHardError(t *testing.T) {
	c := Chain{NewAWSResolver(&mockSecretsManager{err: errors.New("throttled")}), NewEnvResolver("")}
	_, err := c.Resolve(context.Background(), "x")
	assert.ErrorContains(t, err, "throttled")
}

func TestResolveOptional(t *testing.T) {
	v, err := ResolveOptional(context.Background(), NewEnvResolver(""), "")
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), Config{Backend: "vault"})
	assert.ErrorContains(t, err, "unknown secrets backend")
}

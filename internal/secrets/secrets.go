// Package secrets resolves named credentials (owner ids, API tokens) from
// the environment or AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	smtypes "github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
)

// Backend names.
const (
	BackendEnv = "env"
	BackendAWS = "aws"
)

// ErrNotFound is returned when a backend has no value for a name.
var ErrNotFound = errors.New("secret not found")

// Resolver resolves a named secret to its value.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend   string
	EnvPrefix string
	Region    string
}

// New creates the resolver for cfg. The environment is always consulted
// first so deployments can override individual secrets.
func New(ctx context.Context, cfg Config) (Resolver, error) {
	env := NewEnvResolver(cfg.EnvPrefix)

	switch cfg.Backend {
	case "", BackendEnv:
		return env, nil
	case BackendAWS:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		return Chain{env, NewAWSResolver(secretsmanager.NewFromConfig(awsCfg))}, nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", cfg.Backend)
	}
}

// EnvResolver reads secrets from environment variables. A name such as
// "gc/owner-id" maps to PREFIX_GC_OWNER_ID.
type EnvResolver struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment resolver.
func NewEnvResolver(prefix string) *EnvResolver {
	return &EnvResolver{prefix: prefix, lookup: os.LookupEnv}
}

// Resolve returns the variable's value.
func (r *EnvResolver) Resolve(_ context.Context, name string) (string, error) {
	key := EnvKey(r.prefix, name)
	v, ok := r.lookup(key)
	if !ok || v == "" {
		return "", fmt.Errorf("%w: %s (env %s)", ErrNotFound, name, key)
	}
	return v, nil
}

// EnvKey returns the environment variable consulted for name.
func EnvKey(prefix, name string) string {
	var b strings.Builder
	if prefix != "" {
		b.WriteString(strings.ToUpper(prefix))
		b.WriteByte('_')
	}
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SecretsManagerAPI is the part of the Secrets Manager client used here.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// AWSResolver reads secrets from AWS Secrets Manager. A name of the form
// "secret-id#key" selects one field of a JSON secret. Values are cached for
// the life of the resolver.
type AWSResolver struct {
	api   SecretsManagerAPI
	mu    sync.Mutex
	cache map[string]string
}

// NewAWSResolver creates a Secrets Manager resolver.
func NewAWSResolver(api SecretsManagerAPI) *AWSResolver {
	return &AWSResolver{api: api, cache: make(map[string]string)}
}

// Resolve fetches the secret, or one JSON field of it.
func (r *AWSResolver) Resolve(ctx context.Context, name string) (string, error) {
	id, field, _ := strings.Cut(name, "#")

	raw, err := r.secretString(ctx, id)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	v, ok := fields[field]
	if !ok {
		return "", fmt.Errorf("%w: %s has no field %q", ErrNotFound, id, field)
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	return fmt.Sprint(v), nil
}

func (r *AWSResolver) secretString(ctx context.Context, id string) (string, error) {
	r.mu.Lock()
	if v, ok := r.cache[id]; ok {
		r.mu.Unlock()
		return v, nil
	}
	r.mu.Unlock()

	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(id)})
	if err != nil {
		var nf *smtypes.ResourceNotFoundException
		if errors.As(err, &nf) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("%w: %s has no string value", ErrNotFound, id)
	}

	v := aws.ToString(out.SecretString)
	r.mu.Lock()
	r.cache[id] = v
	r.mu.Unlock()
	return v, nil
}

// Chain tries each resolver in order, moving on only when a resolver
// reports ErrNotFound.
type Chain []Resolver

// Resolve returns the first value found.
func (c Chain) Resolve(ctx context.Context, name string) (string, error) {
	var errs []error
	for _, r := range c {
		v, err := r.Resolve(ctx, name)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return "", err
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return "", errors.Join(errs...)
}

// ResolveOptional resolves name when it is set, returning "" for an empty name.
func ResolveOptional(ctx context.Context, r Resolver, name string) (string, error) {
	if name == "" || r == nil {
		return "", nil
	}
	return r.Resolve(ctx, name)
}

// Package paramstore resolves API credentials from AWS SSM Parameter Store,
// or from an in-memory map for local runs.
package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Getter returns the raw value stored under name.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSM reads SecureString parameters with decryption.
type SSM struct {
	api ssmAPI
}

func NewSSM(api ssmAPI) (*SSM, error) {
	if api == nil {
		return nil, errors.New("paramstore: ssm api must not be nil")
	}
	return &SSM{api: api}, nil
}

func (s *SSM) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("paramstore: parameter name is required")
	}
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("paramstore: read %s: %w", name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("paramstore: %s has no value", name)
	}
	return aws.ToString(out.Parameter.Value), nil
}

// Static serves parameters from memory.
type Static map[string]string

func (s Static) GetParameter(_ context.Context, name string) (string, error) {
	if v := s[strings.TrimSpace(name)]; v != "" {
		return v, nil
	}
	return "", fmt.Errorf("paramstore: %s is not set", name)
}

// Cached remembers successful lookups for the lifetime of the process.
// Failures are not remembered.
type Cached struct {
	next Getter

	mu     sync.Mutex
	values map[string]string
}

func NewCached(next Getter) *Cached {
	return &Cached{next: next, values: map[string]string{}}
}

func (c *Cached) GetParameter(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.values[name]; ok {
		return v, nil
	}
	v, err := c.next.GetParameter(ctx, name)
	if err != nil {
		return "", err
	}
	c.values[name] = v
	return v, nil
}

type credential struct {
	Token string `json:"token"`
}

// Token reads a credential stored as {"token":"..."}.
func Token(ctx context.Context, g Getter, name string) (string, error) {
	if g == nil {
		return "", errors.New("paramstore: getter is nil")
	}
	if name = strings.TrimSpace(name); name == "" {
		return "", errors.New("paramstore: token name is empty")
	}
	raw, err := g.GetParameter(ctx, name)
	if err != nil {
		return "", fmt.Errorf("paramstore: token %s: %w", name, err)
	}
	var cred credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return "", fmt.Errorf("paramstore: token %s is not valid JSON: %w", name, err)
	}
	if cred.Token == "" {
		return "", fmt.Errorf("paramstore: token %s is empty", name)
	}
	return cred.Token, nil
}

// TokenJSON encodes token in the shape Token expects.
func TokenJSON(token string) string {
	b, _ := json.Marshal(credential{Token: token})
	return string(b)
}

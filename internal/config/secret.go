package config

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-yaml"
	"github.com/swaggest/jsonschema-go"
)

var wellknownFingerprints = []string{
	"SHA256:uNiVztksCsDhcc0u9e8BujQXVUpKZIDTMczCvj3tD2s", // github.com https://docs.github.com/en/github/authenticating-to-github/githubs-ssh-key-fingerprints
	"SHA256:p2QAMXNIC1TJYWeIOttrVc98/R1BUFWu3/LiyKgUfQM", // github.com
	"SHA256:+DiY3wvvV6TuJJhbpZisF/zLDA0zPMSvHdkr4UvCOqU", // github.com
	"SHA256:zzXQOXSRBEiUtuE8AikJYKwbHaxvSc0ojez9YXaGp1A", // bitbucket.org https://support.atlassian.com/bitbucket-cloud/docs/configure-ssh-and-two-step-verification/
	"SHA256:ohD8VZEXGWo6Ez8GSEJQ9WpafgLFsOfLOtGGQCQo6Og", // dev.azure.com https://github.com/MicrosoftDocs/azure-devops-docs/issues/7726
}

// Secret defines the configuration for secrets used by taskpdf for the git
// service account, the rendering service, the artifact archive and the sealing
// of stored tenant keys.
//
// Each secret is stored as a map of key-value pairs. The secret type is declared in the config.
// For example, a service account password might look like this (in YAML):
//
// github-password:
//
//	type: password
//	password: ${GITHUB_PASSWORD}
//
// String values may refer to environment variables using the ${VAR_NAME} syntax.
//
// Currently the following secret types are supported:
//
//   - "aws_auth" for AWS authentication. Values for keys "access_key_id", "secret_access_key", and optional "session_token" are expected.
//   - "basic_auth" for HTTP basic authentication. Values for keys "username" and "password" are expected.
//     "headers" (string array) is optional and sets additional headers on git HTTP requests.
//   - "encryption_key" for sealing data at rest. Value for key "key" (32 bytes, base64) is expected.
//   - "github_app_auth" for GitHub App authentication. Values for keys "integration_id", "installation_id", and "private_key" are expected.
//   - "password" for password authentication. Value for key "password" is expected.
//   - "token_auth" for HTTP bearer token authentication. Value for a key "token" is expected.
type Secret struct {
	Name  string         `json:"-"`
	Value map[string]any `json:"-"`
}

func (s *Secret) Ref() *SecretRef {
	return &SecretRef{Name: s.Name, value: s}
}

func (*Secret) PrepareJSONSchema(schema *jsonschema.Schema) error {
	schema.Type = nil
	schema.AddType(jsonschema.Object)
	return nil
}

func (s *Secret) MarshalYAML() (any, error) {
	if len(s.Value) == 0 {
		return map[string]any{}, nil
	}
	return s.Value, nil
}

func (s *Secret) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *Secret) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Value); err != nil {
		return fmt.Errorf("expected mapping node: %w", err)
	}
	return nil
}

func (s *Secret) UnmarshalJSON(bs []byte) error {
	return json.Unmarshal(bs, &s.Value)
}

// get retrieves the values, expanding environment variables in strings.
func (s *Secret) get() map[string]any {
	value := make(map[string]any, len(s.Value))

	for k, v := range s.Value {
		switch v := v.(type) {
		case string:
			value[k] = os.ExpandEnv(v)
		default: // Keep non-string values as is
			value[k] = v
		}
	}

	return value
}

// Typed decodes the secret into the value type declared by its "type" key,
// e.g. SecretPassword.
func (s *Secret) Typed(context.Context) (any, error) {
	m := s.get()
	if len(m) == 0 {
		return nil, fmt.Errorf("secret %q is not configured", s.Name)
	}

	kind, _ := m["type"].(string)
	switch kind {
	case "aws_auth":
		return decodeSecret[SecretAWS](m)
	case "github_app_auth":
		return decodeSecret[SecretGitHubApp](m)
	case "basic_auth":
		return decodeSecret[SecretBasicAuth](m)
	case "token_auth":
		return decodeSecret[SecretTokenAuth](m)
	case "password":
		return decodeSecret[SecretPassword](m)
	case "encryption_key":
		return decodeSecret[SecretEncryptionKey](m)
	}
	return nil, fmt.Errorf("unknown secret type %q", s.Value["type"])
}

type secretValue interface {
	validate() error
}

func decodeSecret[T secretValue](m map[string]any) (any, error) {
	var value T
	if err := decode(m, &value); err != nil {
		return nil, err
	}
	if err := value.validate(); err != nil {
		return nil, err
	}
	return value, nil
}

type SecretAWS struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	SessionToken    string `json:"session_token"`
}

func (s SecretAWS) validate() error {
	if s.AccessKeyID == "" || s.SecretAccessKey == "" {
		return errors.New("missing access_key_id or secret_access_key in AWS secret")
	}
	return nil
}

type SecretGitHubApp struct {
	IntegrationID  int64  `json:"integration_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key"` // Path to the PEM file.
}

func (s SecretGitHubApp) validate() error {
	if s.IntegrationID == 0 || s.InstallationID == 0 || s.PrivateKey == "" {
		return errors.New("missing integration_id, installation_id or private_key in GitHub App secret")
	}
	return nil
}

type SecretBasicAuth struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	Headers  []string `json:"headers,omitempty"` // Optional additional headers for HTTP requests.
}

func (SecretBasicAuth) validate() error { return nil }

type SecretTokenAuth struct {
	Token string `json:"token"` // Bearer token for HTTP authentication.
}

func (s SecretTokenAuth) validate() error {
	if s.Token == "" {
		return errors.New("missing token in token secret")
	}
	return nil
}

type SecretPassword struct {
	Password string `json:"password"`
}

func (s SecretPassword) validate() error {
	if s.Password == "" {
		return errors.New("missing password in password secret")
	}
	return nil
}

type SecretEncryptionKey struct {
	Key string `json:"key"` // 32 bytes, standard base64.
}

func (s SecretEncryptionKey) validate() error {
	_, err := s.Bytes()
	return err
}

// Bytes returns the decoded key.
func (s SecretEncryptionKey) Bytes() ([]byte, error) {
	bs, err := base64.StdEncoding.DecodeString(s.Key)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid base64: %w", err)
	}
	if len(bs) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(bs))
	}
	return bs, nil
}

// SecretRef names a secret defined in the secrets section.
type SecretRef struct {
	Name  string `json:"-"`
	value *Secret
}

// Resolve retrieves the secret value from the secret store. If the secret is not found, an error is returned.
// If the secret is found, it returns the typed value, e.g. SecretPassword.
func (s *SecretRef) Resolve(ctx context.Context) (any, error) {
	if s.value == nil {
		return nil, fmt.Errorf("secret %q not found", s.Name)
	}

	return s.value.Typed(ctx)
}

func (s *SecretRef) MarshalYAML() (any, error) {
	if s.Name == "" {
		return nil, nil
	}
	return s.Name, nil
}

func (s *SecretRef) MarshalJSON() ([]byte, error) {
	v, err := s.MarshalYAML()
	if err != nil {
		return nil, err
	}

	return json.Marshal(v)
}

func (s *SecretRef) UnmarshalYAML(bs []byte) error {
	if err := yaml.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("expected scalar node: %w", err)
	}
	return nil
}

func (s *SecretRef) UnmarshalJSON(bs []byte) error {
	if err := json.Unmarshal(bs, &s.Name); err != nil {
		return fmt.Errorf("failed to unmarshal SecretRef: %w", err)
	}

	return nil
}

// we use this one so we don't need duplicate tags on every struct
func decode(input any, output any) error {
	config := &mapstructure.DecoderConfig{
		TagName:          "json",
		Metadata:         nil,
		Result:           output,
		WeaklyTypedInput: true, // integration ids may arrive as strings from ${ENV}
	}

	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return err
	}

	return decoder.Decode(input)
}

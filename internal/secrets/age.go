package secrets

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"

	"filippo.io/age"
	"github.com/knadh/koanf/parsers/yaml"
)

// AgeFileStore serves secrets from an age-encrypted YAML document of
// name: value pairs. The file is decrypted once when the store is opened.
type AgeFileStore struct {
	values map[string]string
}

// OpenAgeFile decrypts secretsPath with the identities in identityPath.
func OpenAgeFile(identityPath, secretsPath string) (*AgeFileStore, error) {
	idFile, err := os.Open(identityPath)
	if err != nil {
		return nil, fmt.Errorf("open identity file: %w", err)
	}
	defer idFile.Close()

	identities, err := age.ParseIdentities(idFile)
	if err != nil {
		return nil, fmt.Errorf("parse identities: %w", err)
	}

	ciphertext, err := os.ReadFile(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	return NewAgeStore(ciphertext, identities...)
}

// NewAgeStore decrypts an in-memory ciphertext.
func NewAgeStore(ciphertext []byte, identities ...age.Identity) (*AgeFileStore, error) {
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read decrypted secrets: %w", err)
	}

	doc, err := yaml.Parser().Unmarshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("parse secrets document: %w", err)
	}

	values := make(map[string]string, len(doc))
	for k, v := range doc {
		if v == nil {
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return &AgeFileStore{values: values}, nil
}

func (s *AgeFileStore) Get(_ context.Context, name string) ([]byte, error) {
	v, ok := s.values[name]
	if !ok || v == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return []byte(v), nil
}

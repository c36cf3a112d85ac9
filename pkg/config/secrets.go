package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/scrypt"
)

// Secrets resolves named secrets with the precedence chain
// Docker secret file -> configured file path -> environment variable,
// caching each hit for a short TTL so rotation takes effect quickly.
type Secrets struct {
	secretsDir string // Docker secrets mount, default /run/secrets
	filePath   string // optional flat JSON file of name -> value
	cacheTTL   time.Duration
	now        func() time.Time

	mu        sync.RWMutex
	cache     map[string]cachedSecret
	encrypted map[string]string // decrypted secrets file contents, if loaded
}

type cachedSecret struct {
	value     string
	fetchedAt time.Time
}

const defaultSecretTTL = 5 * time.Minute

// NewSecrets creates a secrets resolver. secretsDir and filePath may be empty
// to skip those tiers.
func NewSecrets(secretsDir, filePath string) *Secrets {
	if secretsDir == "" {
		secretsDir = "/run/secrets"
	}
	return &Secrets{
		secretsDir: secretsDir,
		filePath:   filePath,
		cacheTTL:   defaultSecretTTL,
		now:        time.Now,
		cache:      make(map[string]cachedSecret),
	}
}

// Get resolves a secret by name. A missing secret is an error; callers that
// treat a secret as optional check the error.
func (s *Secrets) Get(name string) (string, error) {
	s.mu.RLock()
	if c, ok := s.cache[name]; ok && s.now().Sub(c.fetchedAt) < s.cacheTTL {
		s.mu.RUnlock()
		return c.value, nil
	}
	s.mu.RUnlock()

	value, err := s.resolve(name)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.cache[name] = cachedSecret{value: value, fetchedAt: s.now()}
	s.mu.Unlock()
	return value, nil
}

// Invalidate drops a cached secret so the next Get re-resolves it. Called on
// rotation signals.
func (s *Secrets) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		s.cache = make(map[string]cachedSecret)
		return
	}
	delete(s.cache, name)
}

func (s *Secrets) resolve(name string) (string, error) {
	// 1. Docker secret file
	if s.secretsDir != "" {
		path := filepath.Join(s.secretsDir, name)
		if data, err := os.ReadFile(path); err == nil {
			return strings.TrimSpace(string(data)), nil
		}
	}

	// 2. Decrypted secrets file, then flat JSON file path
	s.mu.RLock()
	if s.encrypted != nil {
		if v, ok := s.encrypted[name]; ok && v != "" {
			s.mu.RUnlock()
			return v, nil
		}
	}
	s.mu.RUnlock()

	if s.filePath != "" {
		if data, err := os.ReadFile(s.filePath); err == nil {
			var values map[string]string
			if err := json.Unmarshal(data, &values); err == nil {
				if v, ok := values[name]; ok && v != "" {
					return v, nil
				}
			}
		}
	}

	// 3. Environment variable
	if v := os.Getenv(name); v != "" {
		return v, nil
	}

	return "", fmt.Errorf("secret %s not found in secrets dir, file, or environment", name)
}

// Encrypted secrets file support: [salt][nonce][ciphertext+tag] with a
// scrypt-derived AES-256-GCM key.
const (
	secretsFileName = "secrets.json.enc"
	saltSize        = 16
	nonceSize       = 12
	scryptN         = 32768 // 2^15
	scryptR         = 8
	scryptP         = 1
	keySize         = 32
)

// LoadEncryptedSecrets decrypts projectDir/.boardroom/secrets.json.enc and
// layers its values under the docker-secret tier.
func (s *Secrets) LoadEncryptedSecrets(projectDir, password string) error {
	values, err := DecryptSecretsFile(projectDir, password)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.encrypted = values
	s.mu.Unlock()
	return nil
}

// EncryptedSecretsExist checks for the encrypted secrets file.
func EncryptedSecretsExist(projectDir string) bool {
	_, err := os.Stat(filepath.Join(projectDir, ".boardroom", secretsFileName))
	return err == nil
}

// EncryptSecretsFile encrypts and saves secrets with 0600 permissions.
func EncryptSecretsFile(projectDir, password string, secrets map[string]string) error {
	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return fmt.Errorf("failed to derive encryption key: %w", err)
	}
	defer zero(key)

	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("failed to marshal secrets: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	fileData := make([]byte, 0, saltSize+nonceSize+len(ciphertext))
	fileData = append(fileData, salt...)
	fileData = append(fileData, nonce...)
	fileData = append(fileData, ciphertext...)

	dir := filepath.Join(projectDir, ".boardroom")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	path := filepath.Join(dir, secretsFileName)
	if err := os.WriteFile(path, fileData, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// DecryptSecretsFile decrypts and returns the encrypted secrets file.
func DecryptSecretsFile(projectDir, password string) (map[string]string, error) {
	path := filepath.Join(projectDir, ".boardroom", secretsFileName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat secrets file: %w", err)
	}
	if info.Mode().Perm() != 0600 {
		if chmodErr := os.Chmod(path, 0600); chmodErr != nil {
			return nil, fmt.Errorf("failed to fix secrets file permissions: %w", chmodErr)
		}
	}

	fileData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secrets file: %w", err)
	}
	minSize := saltSize + nonceSize + 16 // 16 is the GCM tag size
	if len(fileData) < minSize {
		return nil, fmt.Errorf("secrets file is corrupted or invalid format")
	}

	salt := fileData[:saltSize]
	nonce := fileData[saltSize : saltSize+nonceSize]
	ciphertext := fileData[saltSize+nonceSize:]

	passwordBytes := []byte(password)
	defer zero(passwordBytes)

	key, err := scrypt.Key(passwordBytes, salt, scryptN, scryptR, scryptP, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive decryption key: %w", err)
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong password or corrupted file)")
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("failed to parse secrets: %w", err)
	}
	return secrets, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

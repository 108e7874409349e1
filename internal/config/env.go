package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/scrypt"

	"stratlab/internal/database"
	"stratlab/internal/logger"
)

// EnvPrefix prefixes every override variable
const EnvPrefix = "STRATLAB_"

// EnvManager manages environment variable configuration
type EnvManager struct {
	encryptionKey []byte
	prefix        string
}

// NewEnvManager creates a new environment variable manager. An empty key
// falls back to STRATLAB_ENCRYPTION_KEY.
func NewEnvManager(encryptionKey string, prefix string) *EnvManager {
	if prefix == "" {
		prefix = EnvPrefix
	}
	if encryptionKey == "" {
		encryptionKey = os.Getenv(prefix + "ENCRYPTION_KEY")
	}

	key, _ := scrypt.Key([]byte(encryptionKey), []byte("stratlab-salt"), 32768, 8, 1, 32)

	return &EnvManager{
		encryptionKey: key,
		prefix:        prefix,
	}
}

func (em *EnvManager) lookup(key string) (string, bool) {
	value, ok := os.LookupEnv(em.prefix + strings.ToUpper(key))
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// GetString gets a string environment variable
func (em *EnvManager) GetString(key string, defaultValue string) string {
	if value, ok := em.lookup(key); ok {
		return value
	}
	return defaultValue
}

// GetInt gets an integer environment variable
func (em *EnvManager) GetInt(key string, defaultValue int) int {
	if value, ok := em.lookup(key); ok {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetBool gets a boolean environment variable
func (em *EnvManager) GetBool(key string, defaultValue bool) bool {
	if value, ok := em.lookup(key); ok {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetDuration gets a duration environment variable
func (em *EnvManager) GetDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := em.lookup(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GetEncryptedString reads a secret. Values prefixed with ENC: are decrypted;
// plain values are returned as is.
func (em *EnvManager) GetEncryptedString(key string, defaultValue string) string {
	value, ok := em.lookup(key)
	if !ok {
		return defaultValue
	}
	if !strings.HasPrefix(value, "ENC:") {
		return value
	}

	decrypted, err := em.Decrypt(strings.TrimPrefix(value, "ENC:"))
	if err != nil {
		logger.GetGlobalLogger().Warn("Failed to decrypt environment variable", "key", em.prefix+strings.ToUpper(key), "error", err)
		return defaultValue
	}
	return decrypted
}

// SetString sets a string environment variable
func (em *EnvManager) SetString(key string, value string) error {
	return os.Setenv(em.prefix+strings.ToUpper(key), value)
}

// SetEncryptedString stores value encrypted with the ENC: prefix
func (em *EnvManager) SetEncryptedString(key string, value string) error {
	if value == "" {
		return em.SetString(key, "")
	}
	encrypted, err := em.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}
	return em.SetString(key, "ENC:"+encrypted)
}

// Encrypt encrypts plaintext with AES-CFB
func (em *EnvManager) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	ciphertext := make([]byte, aes.BlockSize+len(plaintext))
	iv := ciphertext[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", err
	}

	stream := cipher.NewCFBEncrypter(block, iv)
	stream.XORKeyStream(ciphertext[aes.BlockSize:], []byte(plaintext))

	return base64.URLEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt
func (em *EnvManager) Decrypt(encryptedText string) (string, error) {
	ciphertext, err := base64.URLEncoding.DecodeString(encryptedText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(em.encryptionKey)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < aes.BlockSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	iv := ciphertext[:aes.BlockSize]
	ciphertext = ciphertext[aes.BlockSize:]

	stream := cipher.NewCFBDecrypter(block, iv)
	stream.XORKeyStream(ciphertext, ciphertext)

	return string(ciphertext), nil
}

// Apply overrides cfg from the environment. Unset variables leave the
// file values alone.
func (em *EnvManager) Apply(cfg *Config) {
	cfg.App.Env = em.GetString("APP_ENV", cfg.App.Env)

	cfg.Server.Host = em.GetString("SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = em.GetInt("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Mode = em.GetString("SERVER_MODE", cfg.Server.Mode)

	cfg.Scheduler.MaxConcurrentRuns = em.GetInt("SCHEDULER_MAX_CONCURRENT_RUNS", cfg.Scheduler.MaxConcurrentRuns)
	cfg.Scheduler.MaxQueued = em.GetInt("SCHEDULER_MAX_QUEUED", cfg.Scheduler.MaxQueued)
	cfg.Scheduler.PersistTimeout = em.GetDuration("SCHEDULER_PERSIST_TIMEOUT", cfg.Scheduler.PersistTimeout)

	cfg.Storage.Enabled = em.GetBool("STORAGE_ENABLED", cfg.Storage.Enabled)
	cfg.Storage.Driver = database.Driver(em.GetString("STORAGE_DRIVER", string(cfg.Storage.Driver)))
	cfg.Storage.Host = em.GetString("STORAGE_HOST", cfg.Storage.Host)
	cfg.Storage.Port = em.GetInt("STORAGE_PORT", cfg.Storage.Port)
	cfg.Storage.User = em.GetString("STORAGE_USER", cfg.Storage.User)
	cfg.Storage.Password = em.GetEncryptedString("STORAGE_PASSWORD", cfg.Storage.Password)
	cfg.Storage.DBName = em.GetString("STORAGE_DBNAME", cfg.Storage.DBName)
	cfg.Storage.SSLMode = em.GetString("STORAGE_SSLMODE", cfg.Storage.SSLMode)
	cfg.Storage.Path = em.GetString("STORAGE_PATH", cfg.Storage.Path)

	cfg.Redis.Enabled = em.GetBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Addr = em.GetString("REDIS_ADDR", cfg.Redis.Addr)
	cfg.Redis.Password = em.GetEncryptedString("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = em.GetInt("REDIS_DB", cfg.Redis.DB)

	cfg.Logging.Level = logger.LogLevel(em.GetString("LOG_LEVEL", string(cfg.Logging.Level)))
	cfg.Logging.Format = logger.LogFormat(em.GetString("LOG_FORMAT", string(cfg.Logging.Format)))
	cfg.Logging.Output = em.GetString("LOG_OUTPUT", cfg.Logging.Output)

	cfg.RateLimit.Enabled = em.GetBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.RequestsPerMinute = em.GetInt("RATE_LIMIT_REQUESTS_PER_MINUTE", cfg.RateLimit.RequestsPerMinute)
}

// ValidateRequired checks if all required environment variables are set
func (em *EnvManager) ValidateRequired(required []string) error {
	var missing []string
	for _, key := range required {
		if _, ok := em.lookup(key); !ok {
			missing = append(missing, em.prefix+strings.ToUpper(key))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %v", missing)
	}
	return nil
}

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"trashtrack-station/internal/domain"
)

// SecretKeyEnv holds the passphrase for "enc:" values in the config file.
const SecretKeyEnv = "STATION_CONFIG_KEY"

// Config is the top-level station configuration.
type Config struct {
	Device       DeviceConfig       `yaml:"device"`
	Backend      BackendConfig      `yaml:"backend"`
	Session      SessionConfig      `yaml:"session"`
	Display      DisplayConfig      `yaml:"display"`
	Camera       CameraConfig       `yaml:"camera"`
	Classifier   ClassifierConfig   `yaml:"classifier"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
}

// DeviceConfig identifies this station to the backend.
type DeviceConfig struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"` // may be "enc:..."
}

// BackendConfig holds backend connection settings.
type BackendConfig struct {
	URL           string        `yaml:"url"`
	PollTimeout   time.Duration `yaml:"poll_timeout"`
	ReportTimeout time.Duration `yaml:"report_timeout"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the backend circuit breaker.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// SessionConfig holds the daemon loop intervals.
type SessionConfig struct {
	PollInterval    time.Duration `yaml:"poll_interval"`
	CaptureInterval time.Duration `yaml:"capture_interval"`
}

// DisplayConfig holds LCD wiring and timing.
type DisplayConfig struct {
	Enabled        bool                 `yaml:"enabled"`
	Pins           domain.PinAssignment `yaml:"pins"`
	Columns        int                  `yaml:"columns"`
	Rows           int                  `yaml:"rows"`
	PWMFrequencyHz int                  `yaml:"pwm_frequency_hz"`
	Settle         time.Duration        `yaml:"settle"`
	CommandDelay   time.Duration        `yaml:"command_delay"`
	Splash         time.Duration        `yaml:"splash"`
	PinctrlBinary  string               `yaml:"pinctrl_binary"`
	ProcessName    string               `yaml:"process_name"` // executable name of a competing instance; empty disables
	EvictGrace     time.Duration        `yaml:"evict_grace"`
}

// CameraConfig holds rpicam-still settings.
type CameraConfig struct {
	Binary  string        `yaml:"binary"`
	Dir     string        `yaml:"dir"`
	Width   int           `yaml:"width"`
	Height  int           `yaml:"height"`
	Warmup  time.Duration `yaml:"warmup"`
	Timeout time.Duration `yaml:"timeout"`
}

// ClassifierConfig holds the classifier worker settings.
type ClassifierConfig struct {
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Threshold      float64       `yaml:"threshold"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PipelineConfig holds cycle options.
type PipelineConfig struct {
	DebugDir string `yaml:"debug_dir"` // empty disables last_payload.json
}

// HousekeepingConfig holds the capture retention job.
type HousekeepingConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Schedule  string        `yaml:"schedule"` // cron expression or duration string
	Retention time.Duration `yaml:"retention"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Defaults returns a Config with the station's factory settings.
func Defaults() *Config {
	return &Config{
		Device: DeviceConfig{
			ID:     "rpi5-001",
			Secret: "device-secret-changeme",
		},
		Backend: BackendConfig{
			URL:           "http://localhost:3001",
			PollTimeout:   5 * time.Second,
			ReportTimeout: 10 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Session: SessionConfig{
			PollInterval:    3 * time.Second,
			CaptureInterval: 1 * time.Second,
		},
		Display: DisplayConfig{
			Enabled:        true,
			Pins:           domain.DefaultPinAssignment(),
			Columns:        16,
			Rows:           2,
			PWMFrequencyHz: 1000,
			Settle:         500 * time.Microsecond,
			CommandDelay:   2 * time.Millisecond,
			Splash:         1500 * time.Millisecond,
			PinctrlBinary:  "pinctrl",
			ProcessName:    "trashtrack-station",
			EvictGrace:     500 * time.Millisecond,
		},
		Camera: CameraConfig{
			Binary:  "rpicam-still",
			Dir:     "/var/lib/trashtrack/captures",
			Width:   1920,
			Height:  1080,
			Warmup:  1500 * time.Millisecond,
			Timeout: 10 * time.Second,
		},
		Classifier: ClassifierConfig{
			Command:        "/opt/trashtrack/bin/classifier-worker",
			Threshold:      0.60,
			StartupTimeout: 60 * time.Second,
			RequestTimeout: 15 * time.Second,
		},
		Housekeeping: HousekeepingConfig{
			Enabled:   true,
			Schedule:  "@every 5m",
			Retention: 15 * time.Minute,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads the YAML config at path, applies .env and environment
// overrides, decrypts secrets and validates the result. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: .env: %w", domain.ErrConfigLoad, err)
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %w", domain.ErrConfigLoad, err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("%w: read config: %w", domain.ErrConfigLoad, err)
	}

	ApplyEnvOverrides(cfg)

	if err := decryptSecrets(cfg, os.Getenv(SecretKeyEnv)); err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps the station's environment variables onto cfg.
// BACKEND_URL, DEVICE_ID, DEVICE_SECRET, CAPTURE_INTERVAL, POLL_INTERVAL
// and CONFIDENCE_THRESHOLD keep the names the station has always used;
// everything else is STATION_*.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BACKEND_URL"); v != "" {
		cfg.Backend.URL = v
	}
	if v := os.Getenv("DEVICE_ID"); v != "" {
		cfg.Device.ID = v
	}
	if v := os.Getenv("DEVICE_SECRET"); v != "" {
		cfg.Device.Secret = v
	}
	if d, ok := envSeconds("CAPTURE_INTERVAL"); ok {
		cfg.Session.CaptureInterval = d
	}
	if d, ok := envSeconds("POLL_INTERVAL"); ok {
		cfg.Session.PollInterval = d
	}
	if v := os.Getenv("CONFIDENCE_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Classifier.Threshold = f
		}
	}

	if v := os.Getenv("STATION_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("STATION_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("STATION_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("STATION_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("STATION_DISPLAY_ENABLED"); v != "" {
		cfg.Display.Enabled = v == "true"
	}
	if v := os.Getenv("STATION_CLASSIFIER_COMMAND"); v != "" {
		cfg.Classifier.Command = v
	}
	if v := os.Getenv("STATION_CAMERA_DIR"); v != "" {
		cfg.Camera.Dir = v
	}
	if v := os.Getenv("STATION_DEBUG_DIR"); v != "" {
		cfg.Pipeline.DebugDir = v
	}
}

// envSeconds reads a plain number of seconds ("3", "0.5") or a Go duration
// ("1500ms").
func envSeconds(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second)), true
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	return 0, false
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	if !strings.HasPrefix(cfg.Device.Secret, "enc:") {
		return nil
	}
	if passphrase == "" {
		return fmt.Errorf("%w: device.secret is encrypted but %s is not set", domain.ErrDecryption, SecretKeyEnv)
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(cfg.Device.Secret, "enc:"), passphrase)
	if err != nil {
		return fmt.Errorf("device secret: %w", err)
	}
	cfg.Device.Secret = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("%w: generate salt: %w", domain.ErrEncryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrEncryption, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%w: generate nonce: %w", domain.ErrEncryption, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %w", domain.ErrDecryption, err)
	}
	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %w", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrDecryption, err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others;
// the file carries the device secret.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("%w: config file %s has insecure permissions %o (want 0600 or 0644)", domain.ErrConfigLoad, path, mode)
	}
	return nil
}

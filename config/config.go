package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Tutortoise/detection-api/detections"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Host string
	Port int `validate:"min=1,max=65535"`

	ModelPath    string `validate:"required"`
	MetadataPath string
	LibraryPath  string `validate:"required"`

	PoolSize       int           `validate:"min=1"`
	AcquireTimeout time.Duration `validate:"gte=0"`
	ConfThreshold  float64       `validate:"gt=0,lte=1"`
	IouThreshold   float64       `validate:"gt=0,lte=1"`
	MaxUploadBytes int64         `validate:"gt=0"`

	ServiceName    string `validate:"required"`
	ServiceVersion string `validate:"required"`

	Debug    bool
	LogLevel string `validate:"oneof=debug info warn error"`
	LogFile  string
}

// Addr is the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads an optional .env file, then the environment, then validates.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	debug := getEnvAsBool("DEBUG", false)
	defaultLevel := "info"
	if debug {
		defaultLevel = "debug"
	}

	cfg := &Config{
		Host:           getEnv("HOST", "0.0.0.0"),
		Port:           getEnvAsInt("PORT", 8000),
		ModelPath:      getEnv("MODEL_PATH", filepath.Join("models", "my_model.onnx")),
		MetadataPath:   getEnv("MODEL_METADATA_PATH", filepath.Join("models", "model_metadata.json")),
		LibraryPath:    getEnv("ONNXRUNTIME_LIB", filepath.Join("lib", DefaultLibraryName())),
		PoolSize:       getEnvAsInt("POOL_SIZE", 4),
		AcquireTimeout: getEnvAsDuration("ACQUIRE_TIMEOUT", 5*time.Second),
		ConfThreshold:  getEnvAsFloat("CONF_THRESHOLD", detections.ConfThreshold),
		IouThreshold:   getEnvAsFloat("IOU_THRESHOLD", detections.IouThreshold),
		MaxUploadBytes: getEnvAsInt64("MAX_UPLOAD_BYTES", detections.MaxUploadBytes),
		ServiceName:    getEnv("SERVICE_NAME", "object-detection-api"),
		ServiceVersion: getEnv("SERVICE_VERSION", "1.0.0"),
		Debug:          debug,
		LogLevel:       strings.ToLower(getEnv("LOG_LEVEL", defaultLevel)),
		LogFile:        defaultLogFile(),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultLibraryName is the ONNX Runtime shared library file name for this OS.
func DefaultLibraryName() string {
	switch runtime.GOOS {
	case "darwin":
		return "libonnxruntime.dylib"
	case "windows":
		return "onnxruntime.dll"
	default:
		return "libonnxruntime.so"
	}
}

func defaultLogFile() string {
	if os.Getenv("APP_ENV") == "test" {
		return ""
	}
	return getEnv("LOG_FILE", fmt.Sprintf("./storage/logs/app-%s.log", time.Now().Format("2006-01-02")))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

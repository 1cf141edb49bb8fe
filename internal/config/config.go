package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/Tesseract-Nexus/go-shared/secrets"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"products-import-service/internal/models"
)

type Config struct {
	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis
	RedisURL string

	// Server
	Port        string
	Environment string

	// Services
	NATSURL              string
	StaffServiceURL      string
	CategoriesServiceURL string
	AllowedOrigins       []string

	// Uploads
	MaxUploadBytes int64

	// Import defaults, overridable per request
	Import             models.ImportOptions
	ConflictConfigPath string
}

// Load reads the configuration from the environment. CONFLICT_CONFIG_PATH, when
// set, names a YAML file that is layered over the import defaults; the
// IMPORT_* variables win over both.
func Load() (*Config, error) {
	dbPort, _ := strconv.Atoi(getEnv("DB_PORT", "5432"))
	maxUploadMB, _ := strconv.ParseInt(getEnv("IMPORT_MAX_UPLOAD_MB", "20"), 10, 64)

	cfg := &Config{
		// Database - fetch password from GCP Secret Manager if enabled
		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: secrets.GetDBPassword(),
		DBName:     getEnv("DB_NAME", "products_db"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		RedisURL: getEnv("REDIS_URL", "redis://redis.redis-marketplace.svc.cluster.local:6379/0"),

		Port:        getEnv("PORT", "8097"),
		Environment: getEnv("ENVIRONMENT", "development"),

		NATSURL:              os.Getenv("NATS_URL"),
		StaffServiceURL:      getEnv("STAFF_SERVICE_URL", "http://staff-service:8080"),
		CategoriesServiceURL: os.Getenv("CATEGORIES_SERVICE_URL"),
		AllowedOrigins:       splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),

		MaxUploadBytes: maxUploadMB << 20,

		Import:             models.DefaultImportOptions(),
		ConflictConfigPath: os.Getenv("CONFLICT_CONFIG_PATH"),
	}

	if cfg.ConflictConfigPath != "" {
		if err := LoadImportOptions(cfg.ConflictConfigPath, &cfg.Import); err != nil {
			return nil, fmt.Errorf("failed to load conflict configuration: %w", err)
		}
	}
	if err := applyImportEnv(&cfg.Import); err != nil {
		return nil, err
	}
	cfg.Import.Normalize()
	return cfg, nil
}

// LoadImportOptions overlays the YAML file at path onto opts. Keys missing
// from the file keep their current values.
func LoadImportOptions(path string, opts *models.ImportOptions) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !opts.ImportMode.Valid() {
		return fmt.Errorf("%s: unknown import_mode %q", path, opts.ImportMode)
	}
	return nil
}

func applyImportEnv(opts *models.ImportOptions) error {
	if v := os.Getenv("IMPORT_MODE"); v != "" {
		mode := models.ImportMode(v)
		if !mode.Valid() {
			return fmt.Errorf("IMPORT_MODE: unknown import mode %q", v)
		}
		opts.ImportMode = mode
	}
	if v := os.Getenv("IMPORT_DEFAULT_CURRENCY"); v != "" {
		opts.Currency = strings.ToUpper(v)
	}

	ints := map[string]*int{
		"IMPORT_MAX_RETRIES": &opts.MaxRetries,
		"IMPORT_CONCURRENCY": &opts.Concurrency,
		"IMPORT_BATCH_SIZE":  &opts.BatchSize,
	}
	for key, target := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*target = n
	}

	if v := os.Getenv("IMPORT_HALT_ON_UNRESOLVABLE"); v != "" {
		halt, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("IMPORT_HALT_ON_UNRESOLVABLE: %w", err)
		}
		opts.HaltOnUnresolvableConflicts = halt
	}
	if v := os.Getenv("IMPORT_TIMEOUT_SECONDS"); v != "" {
		timeout, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("IMPORT_TIMEOUT_SECONDS: %w", err)
		}
		opts.TimeoutSeconds = timeout
	}
	return nil
}

func InitDB(cfg *Config) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode)

	logLevel := logger.Info
	if cfg.Environment == "production" {
		logLevel = logger.Error
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logLevel),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	log.Println("Running auto-migrations...")
	if err := db.AutoMigrate(
		&models.Product{},
		&models.ProductVariant{},
		&models.VariantBarcode{},
		&models.VariantPricing{},
		&models.ImportSession{},
		&models.ConflictAuditLog{},
	); err != nil {
		// renamed or missing constraints from older schemas are not fatal
		errStr := err.Error()
		if strings.Contains(errStr, "does not exist") && strings.Contains(errStr, "constraint") {
			log.Printf("Note: Migration constraint warning (safe to ignore): %v", err)
		} else {
			return nil, fmt.Errorf("failed to run auto-migrations: %w", err)
		}
	}
	log.Println("Auto-migrations completed successfully")

	return db, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

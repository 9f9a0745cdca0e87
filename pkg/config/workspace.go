package config

import (
	"time"

	"github.com/joho/godotenv"
)

// WorkspaceConfig holds runtime configuration for the devspace server.
type WorkspaceConfig struct {
	Environment          string
	Addr                 string
	LogLevel             string
	DockerHost           string
	DockerNetwork        string
	WorkspaceImage       string
	MaxWorkspacesPerUser int
	ReadinessTimeout     time.Duration
	ReadinessInterval    time.Duration
	StopGracePeriod      time.Duration
	ProvisionTimeout     time.Duration
	StoreBackend         string
	DataFile             string
	DatabaseURL          string
	MigrationsDir        string
	BaseDomain           string
	BasePort             int
	Protocol             string
	GitServerEnabled     bool
	GitServerURL         string
	GitAdminUser         string
	GitAdminPassword     string
	GitTimeout           time.Duration
	ShowDiskUsage        bool
	JWTSecret            string
	TokenTTL             time.Duration
	DefaultUserID        string
	RateLimitRedisAddr   string
	RateLimitRedisPass   string
	RateLimitRedisDB     int
	EventWebhookURL      string
	EventWebhookToken    string
	OperatorUserIDs      []string
}

// LoadEnvFile loads a .env file into the process environment when present.
// Variables that are already set win.
func LoadEnvFile(paths ...string) {
	_ = godotenv.Load(paths...)
}

// LoadWorkspaceConfig constructs a WorkspaceConfig from environment variables.
func LoadWorkspaceConfig() WorkspaceConfig {
	return WorkspaceConfig{
		Environment:          GetString("APP_ENV", "development"),
		Addr:                 GetString("DEVSPACE_ADDR", ":3000"),
		LogLevel:             GetString("LOG_LEVEL", "info"),
		DockerHost:           GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		DockerNetwork:        GetString("DOCKER_NETWORK", "devspace-network"),
		WorkspaceImage:       GetString("WORKSPACE_IMAGE", "devspace-workspace:latest"),
		MaxWorkspacesPerUser: GetInt("MAX_WORKSPACES_PER_USER", 5),
		ReadinessTimeout:     time.Duration(GetInt("READINESS_TIMEOUT_SECONDS", 15)) * time.Second,
		ReadinessInterval:    time.Duration(GetInt("READINESS_INTERVAL_SECONDS", 2)) * time.Second,
		StopGracePeriod:      time.Duration(GetInt("STOP_GRACE_SECONDS", 10)) * time.Second,
		ProvisionTimeout:     time.Duration(GetInt("PROVISION_TIMEOUT_SECONDS", 600)) * time.Second,
		StoreBackend:         GetString("STORE_BACKEND", "file"),
		DataFile:             GetString("DATA_FILE", "data/projects.json"),
		DatabaseURL:          GetString("DATABASE_URL", "postgres://devspace:devspace@db:5432/devspace?sslmode=disable"),
		MigrationsDir:        GetString("DB_MIGRATIONS_DIR", "db/migrations"),
		BaseDomain:           GetString("BASE_DOMAIN", "localhost"),
		BasePort:             GetInt("BASE_PORT", 80),
		Protocol:             GetString("PROTOCOL", "http"),
		GitServerEnabled:     GetBool("ENABLE_GIT_SERVER", false),
		GitServerURL:         GetString("GIT_SERVER_URL", "http://forgejo:3000"),
		GitAdminUser:         GetString("GIT_ADMIN_USER", "developer"),
		GitAdminPassword:     GetString("GIT_ADMIN_PASSWORD", ""),
		GitTimeout:           time.Duration(GetInt("GIT_TIMEOUT_SECONDS", 10)) * time.Second,
		ShowDiskUsage:        GetBool("SHOW_DISK_USAGE", false),
		JWTSecret:            GetString("JWT_SECRET", ""),
		TokenTTL:             time.Duration(GetInt("TOKEN_TTL_HOURS", 720)) * time.Hour,
		DefaultUserID:        GetString("DEFAULT_USER_ID", "default"),
		RateLimitRedisAddr:   GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass:   GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:     GetInt("RATE_LIMIT_REDIS_DB", 0),
		EventWebhookURL:      GetString("EVENT_WEBHOOK_URL", ""),
		EventWebhookToken:    GetString("EVENT_WEBHOOK_TOKEN", ""),
		OperatorUserIDs:      GetList("OPERATOR_USER_IDS"),
	}
}

// PublicBaseURL renders protocol://domain[:port], omitting standard ports.
func (c WorkspaceConfig) PublicBaseURL() string {
	return BaseURL(c.Protocol, c.BaseDomain, c.BasePort)
}

package config

// EnvPrefix is passed to envconfig; individual fields carry fully qualified
// names so the prefix stays empty.
const EnvPrefix = ""

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv   = "RUSBRIDGE_APP_ENV"
	EnvAppPort  = "RUSBRIDGE_APP_PORT"
	EnvDBDSN    = "RUSBRIDGE_DB_DSN"
	EnvDBHost   = "RUSBRIDGE_DB_HOST"
	EnvDBUser   = "RUSBRIDGE_DB_USER"
	EnvDBName   = "RUSBRIDGE_DB_NAME"
	EnvRedisURL = "RUSBRIDGE_REDIS_URL"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}

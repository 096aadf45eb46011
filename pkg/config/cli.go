package config

// CLIConfig holds defaults for the deployctl command.
type CLIConfig struct {
	APIBaseURL string
	Token      string
	JWTSecret  string
}

// LoadCLIConfig constructs a CLIConfig from environment variables.
func LoadCLIConfig() CLIConfig {
	LoadDotenv()
	return CLIConfig{
		APIBaseURL: GetString("DEPLOYCTL_API_URL", "http://localhost:8000"),
		Token:      GetString("DEPLOYCTL_TOKEN", ""),
		JWTSecret:  GetString("AUTH_JWT_SECRET", ""),
	}
}

package profile

import "github.com/matheus3301/chatsync/internal/config"

// Resolve determines the active profile name using precedence:
// flagOverride, then config.toml default_profile, then "main".
func Resolve(flagOverride string) string {
	if flagOverride != "" {
		return flagOverride
	}
	cfg, err := config.Load(ConfigPath())
	if err == nil && cfg.DefaultProfile != "" {
		return cfg.DefaultProfile
	}
	return config.DefaultProfile
}

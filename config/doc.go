// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and STARBOX_* environment variables. It
// covers server transport settings, the sandbox policy inputs (limits and
// the module whitelist), logging, and workspace run-directory settings.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Server transport: %s\n", cfg.Server.Transport)
package config

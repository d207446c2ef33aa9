package config

// Version is the custodian binary version.
// Set at build time via: -ldflags "-X github.com/persistorai/custodian/internal/config.Version=<tag>"
// Defaults to "dev" when built without ldflags.
var Version = "dev"

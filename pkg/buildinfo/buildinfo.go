package buildinfo

// Version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/paulschiretz/charcle/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application used for logging.
var Name = "Charcle"

// ConfigFileName is the default configuration file looked up next to the
// working directory.
const ConfigFileName = "charcle.yaml"

// EnvPrefix is the prefix of environment variables that override config keys.
const EnvPrefix = "CHARCLE"

package config

// DefaultBaseURL is where a locally running compute backend listens.
const DefaultBaseURL = "http://127.0.0.1:9000"

// DefaultStateFile is the database file name under the config directory.
const DefaultStateFile = "state.db"

// DefaultReconnectBackoffMS is the push stream reconnect schedule. The last
// delay repeats.
var DefaultReconnectBackoffMS = []int{500, 1000, 2000, 5000, 10000}

// validLogLevels are the zerolog level names accepted by logging.level.
var validLogLevels = map[string]bool{
	"trace": true,
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validLogFormats are the accepted logging.format values.
var validLogFormats = map[string]bool{
	"console": true,
	"json":    true,
}

// validKinds are the accepted router.default_kind values.
var validKinds = map[string]bool{
	"backtest": true,
	"live":     true,
	"import":   true,
}

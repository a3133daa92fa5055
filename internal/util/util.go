package util

// IsDebug enables verbose logging across the module.
var IsDebug bool

// SetDebugMode sets the debug mode
func SetDebugMode(debug bool) {
	IsDebug = debug
}

// UserAgent is sent on every request when the caller does not supply one.
// Some HLS origins refuse requests without a browser-looking User-Agent.
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

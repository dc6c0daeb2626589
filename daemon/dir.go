package daemon

import (
	"path/filepath"
)

// ConfigDirPath returns the path to "f" relative to the directory the config
// file lives in. f is returned unchanged when absolute.
func ConfigDirPath(configFile, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(filepath.Dir(configFile), f)
}

// DataDirPath returns the path to "f" relative to dataDir, which is itself
// interpreted relative to the config file's directory. f is returned
// unchanged when absolute.
func DataDirPath(configFile, dataDir, f string) string {
	if filepath.IsAbs(f) {
		return f
	}
	return filepath.Join(ConfigDirPath(configFile, dataDir), f)
}

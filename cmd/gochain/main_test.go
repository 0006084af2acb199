package main

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

// TestLoadConfigMissingFileIsNotFatal verifies that loadConfig tolerates
// the absence of config.yaml, since every setting it would supply also
// has a flag or a built-in default.
func TestLoadConfigMissingFileIsNotFatal(t *testing.T) {
	defer viper.Reset()
	wd, err := os.Getwd()
	assert.NoError(t, err)
	empty := t.TempDir()
	assert.NoError(t, os.Chdir(empty))
	defer os.Chdir(wd)

	configFile = ""
	assert.NoError(t, loadConfig())
}

// TestLoadConfigExplicitFile verifies an explicitly named config file is
// read and its values become visible through viper.
func TestLoadConfigExplicitFile(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	path := dir + "/node.yaml"
	assert.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	configFile = path
	defer func() { configFile = "" }()

	assert.NoError(t, loadConfig())
	assert.Equal(t, "debug", viper.GetString("logging.level"))
}

// TestSetupLoggerLevels checks that every recognized logging.level
// string maps to the matching zerolog level.
func TestSetupLoggerLevels(t *testing.T) {
	defer viper.Reset()
	cases := map[string]string{
		"debug": "debug",
		"warn":  "warn",
		"error": "error",
		"info":  "info",
		"":      "info",
	}
	for level, want := range cases {
		viper.Set("logging.level", level)
		log := setupLogger()
		assert.Equal(t, want, log.GetLevel().String())
	}
}

// TestSetupLoggerJSONFormat confirms the logging.format=json switch
// selects a JSON writer rather than the default console writer; both
// produce valid output, so this only checks the function doesn't panic
// and returns a usable logger.
func TestSetupLoggerJSONFormat(t *testing.T) {
	defer viper.Reset()
	viper.Set("logging.format", "json")
	log := setupLogger()
	assert.Equal(t, zerolog.InfoLevel, log.GetLevel())
}

// TestRunNodeFailsOnUnwritableDataDir exercises runNode's early
// failure path: a data directory that cannot be created should return
// a wrapped error before any storage, network, or mining component is
// touched.
func TestRunNodeFailsOnUnwritableDataDir(t *testing.T) {
	defer viper.Reset()
	port = 0
	mining = false
	network = "regtest"
	configFile = ""
	dataDirFlag = "/proc/gochain-test-unwritable/data"
	defer func() { dataDirFlag = "" }()

	err := runNode(&cobra.Command{}, nil)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to create data directory"))
}

// TestRunNodeFailsWhenStorageCannotOpen exercises the storage.Open
// failure path by pointing the data directory (--datadir) at a location
// runNode can create but whose chainstate path cannot be opened as a
// database (a plain file in place of a directory).
func TestRunNodeFailsWhenStorageCannotOpen(t *testing.T) {
	defer viper.Reset()
	dir := t.TempDir()
	blocker := dir + "/chainstate"
	assert.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	port = 0
	mining = false
	network = "regtest"
	configFile = ""
	dataDirFlag = dir
	defer func() { dataDirFlag = "" }()

	err := runNode(&cobra.Command{}, nil)
	assert.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "failed to open storage"))
}

// File: cmd/root_test.go
package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/talon-cli/internal/config"
	"github.com/xkilldash9x/talon-cli/internal/observability"
)

// resetForTest clears the global viper instance and the package-level state
// that initializeConfig mutates, so tests do not leak configuration into one
// another. The logger is pre-initialized at fatal level; the sync.Once inside
// observability then swallows the InitializeLogger call in PersistentPreRunE.
func resetForTest(t *testing.T) {
	t.Helper()

	viper.Reset()
	cfgFile = ""

	observability.ResetForTest()
	observability.InitializeLogger(config.LoggerConfig{Level: "fatal", Format: "console", ServiceName: "test"})

	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
		observability.ResetForTest()
	})
}

func TestRootCmd_VersionFlag(t *testing.T) {
	resetForTest(t)

	testRootCmd := NewRootCommand()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetErr(&out)
	testRootCmd.SetArgs([]string{"--version"})

	err := testRootCmd.ExecuteContext(context.Background())

	require.NoError(t, err)
	assert.Equal(t, Version+"\n", out.String())
}

func TestRootCmd_NoArgs(t *testing.T) {
	resetForTest(t)

	testRootCmd := NewRootCommand()
	var out bytes.Buffer
	testRootCmd.SetOut(&out)
	testRootCmd.SetErr(&out)
	testRootCmd.SetArgs([]string{})

	err := testRootCmd.ExecuteContext(context.Background())

	// A bare invocation prints help without touching the config machinery.
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Talon pulls earnings CSV exports out of the Turo host dashboard.")
	assert.Contains(t, out.String(), "fetch")
}

func TestRootCmd_ConfigFlagRegistered(t *testing.T) {
	resetForTest(t)

	testRootCmd := NewRootCommand()

	flag := testRootCmd.PersistentFlags().Lookup("config")
	require.NotNil(t, flag)
	assert.Equal(t, "c", flag.Shorthand)
}

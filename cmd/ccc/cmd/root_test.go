package cmd

import (
	"bytes"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// resetViper clears viper config between tests for isolation
func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("CCC")
	viper.AutomaticEnv()
}

// useSubprocess points the CLI at a private subprocess engine.
func useSubprocess(t *testing.T) {
	t.Helper()
	resetViper()
	viper.Set("engine", "subprocess")
	viper.Set("subprocess_root", t.TempDir())
	viper.Set("cache_dir", t.TempDir())
	viper.Set("log_level", "error")
}

// resetFlags puts every flag back to its default, since commands are package globals.
func resetFlags(c *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	c.Flags().VisitAll(reset)
	c.PersistentFlags().VisitAll(reset)
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestRootCommand_ExecuteReturnsNoError(t *testing.T) {
	resetViper()

	if _, _, err := execute(t, "--help"); err != nil {
		t.Errorf("root command should execute without error: %v", err)
	}
}

func TestRootCommand_HasSubcommands(t *testing.T) {
	want := map[string]bool{"run": false, "submit": false, "status": false, "kill": false,
		"fetch": false, "history": false, "selftest": false, "cache": false}
	for _, cmd := range rootCmd.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %q subcommand to be registered with root command", name)
		}
	}
}

func TestRootCommand_FlagOverridesDefault(t *testing.T) {
	resetViper()

	dir := t.TempDir()
	stdout, _, err := execute(t, "cache", "path", "--cache-dir", dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stdout != dir+"\n" {
		t.Errorf("expected %s, got %q", dir, stdout)
	}
}

func TestRootCommand_EnvVarBinding(t *testing.T) {
	resetViper()
	t.Setenv("CCC_ENGINE", "remote")
	t.Setenv("CCC_REMOTE_URL", "")

	_, _, err := execute(t, "selftest")
	if err == nil {
		t.Fatal("expected an error for the remote engine without a URL")
	}
}

func TestRootCommand_InvalidEngine(t *testing.T) {
	resetViper()

	_, _, err := execute(t, "selftest", "--engine", "mainframe")
	if err == nil {
		t.Fatal("expected error for unknown engine")
	}
}

func TestExecute_ReturnsError(t *testing.T) {
	resetViper()
	resetFlags(rootCmd)

	// Set args that will cause an error (unknown command)
	rootCmd.SetArgs([]string{"unknown-command-xyz"})

	if err := Execute(); err == nil {
		t.Error("expected error for unknown command")
	}
}

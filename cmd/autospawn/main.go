package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

// Process exit codes.
const (
	exitOK      = 0
	exitUsage   = 1
	exitConfig  = 2
	exitRuntime = 3
)

const defaultConfigPath = "/etc/autospawn/autospawn.yaml"

var configPath string

func main() {
	os.Exit(execute(os.Args[1:]))
}

// execute runs the root command with args and maps the result to an exit code.
func execute(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return exitCode(err)
}

// exitError carries the exit code of a failed command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error  { return &exitError{code: exitConfig, err: err} }
func runtimeError(err error) error { return &exitError{code: exitRuntime, err: err} }

// exitCode returns the code carried by err. Errors cobra raises itself
// (unknown command, bad flag, wrong argument count) are usage errors.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return exitUsage
}

var rootCmd = &cobra.Command{
	Use:   "autospawn",
	Short: "Autospawn - per-user lab VMs driven by a Guacamole registry",
	Long: `Autospawn keeps one virtual machine per Guacamole connection.

Every day it clones a VM for each user at the spawn time, creates VMs for
connections added during the day, and deletes every managed VM at the
teardown time.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to the configuration file")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(testConnCmd)
}

package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/gophertribe/devtool/test"
	"github.com/spf13/cobra"
)

var errNoBus = errors.New("no /dev/i2c-* node on this host")

func TestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "Run unit tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Test(); err != nil {
				return fmt.Errorf("unit tests failed: %w", err)
			}
			return nil
		},
	}
	return cmd
}

func LintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lint",
		Short: "Run linters",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := test.Lint(); err != nil {
				return fmt.Errorf("lint failed: %w", err)
			}
			return nil
		},
	}
	return cmd
}

// CheckCmd runs the linters and the unit tests in one go, the way CI does.
func CheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run linters and unit tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			slog.Info("running linters")
			if err := test.Lint(); err != nil {
				return fmt.Errorf("lint failed: %w", err)
			}
			slog.Info("running unit tests")
			if err := test.Test(); err != nil {
				return fmt.Errorf("unit tests failed: %w", err)
			}
			return nil
		},
	}
	return cmd
}

// IntegrationTestCmd drives the real transports, so it refuses to start on a
// host without an I2C character device unless forced.
func IntegrationTestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "integration-test",
		Short: "Run hardware integration tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return fmt.Errorf("could not get force flag: %w", err)
			}
			nodes, _ := filepath.Glob("/dev/i2c-*")
			if len(nodes) == 0 && !force {
				return fmt.Errorf("%w; pass --force to run anyway", errNoBus)
			}
			slog.Debug("i2c nodes", "nodes", nodes)
			if err := test.Integ(); err != nil {
				return fmt.Errorf("integration tests failed: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "run even when no i2c bus is present")
	return cmd
}

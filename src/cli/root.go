package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/go-faster/errors"
	"github.com/spf13/cobra"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

const (
	ExitFailure = 1
	// the data directory could not be recovered and must not be used
	ExitRecoveryFailure = 2
)

type Options struct {
	ConfigPath string
}

type RootCommand struct {
	*cobra.Command
	Options Options
}

func Init(name string) *RootCommand {
	cmd := &RootCommand{
		Command: &cobra.Command{
			Use:           name,
			Short:         "Embedded storage engine with write-ahead logging and crash recovery",
			SilenceUsage:  true,
			SilenceErrors: true,
		},
	}
	cmd.initFlags()

	return cmd
}

func (c *RootCommand) Execute(ctx context.Context) error {
	return c.ExecuteContext(ctx)
}

// ExitCode maps a command error to the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, common.ErrRecovery):
		return ExitRecoveryFailure
	default:
		return ExitFailure
	}
}

func (c *RootCommand) MustExecute(ctx context.Context) {
	if err := c.Execute(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "%s failed: %v\n", c.Name(), err)
		os.Exit(ExitCode(err))
	}
}

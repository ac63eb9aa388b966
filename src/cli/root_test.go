package cli

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Blackdeer1524/RelDB/src/pkg/common"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"generic", fmt.Errorf("boom"), ExitFailure},
		{"recovery", fmt.Errorf("open: %w", common.ErrRecovery), ExitRecoveryFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestRootCommandConfigFlag(t *testing.T) {
	root := Init("reldb")

	var out bytes.Buffer
	root.SetOut(&out)
	root.AddCommand(&cobra.Command{
		Use: "show",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), root.Options.ConfigPath)
			return err
		},
	})

	root.SetArgs([]string{"--config", "/etc/reldb/.env", "show"})
	require.NoError(t, root.Execute(context.Background()))
	assert.Equal(t, "/etc/reldb/.env", out.String())
}

package msgconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"

	"github.com/xtaci/messaging-relay/msgconfig"
)

func runCLI(t *testing.T, args []string) (*msgconfig.Config, error) {
	t.Helper()
	var got *msgconfig.Config
	var runErr error

	app := cli.NewApp()
	app.Flags = msgconfig.Flags()
	app.Action = func(c *cli.Context) error {
		got, runErr = msgconfig.FromCLI(c)
		return nil
	}
	require.NoError(t, app.Run(append([]string{"app"}, args...)))
	return got, runErr
}

func TestFromCLISingleArgIsTCPOnly(t *testing.T) {
	cfg, err := runCLI(t, []string{":9000"})
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.TCPListen)
	require.Empty(t, cfg.UDPListen1)
}

func TestFromCLIThreeArgsPopulateAllListeners(t *testing.T) {
	cfg, err := runCLI(t, []string{":9001", ":9002", ":9003"})
	require.NoError(t, err)
	require.Equal(t, ":9001", cfg.UDPListen1)
	require.Equal(t, ":9002", cfg.UDPListen2)
	require.Equal(t, ":9003", cfg.TCPListen)
}

func TestFromCLIRejectsWrongArgCount(t *testing.T) {
	_, err := runCLI(t, []string{":9001", ":9002"})
	require.Error(t, err)
}

func TestFromCLIRejectsOutOfRangePort(t *testing.T) {
	_, err := runCLI(t, []string{":99999"})
	require.Error(t, err)
}

func TestFromCLIRejectsUnknownVariant(t *testing.T) {
	_, err := runCLI(t, []string{"-variant", "bogus", ":9000"})
	require.Error(t, err)
}

func TestFromCLIHonorsExplicitFlags(t *testing.T) {
	cfg, err := runCLI(t, []string{"-workers", "4", "-capacity", "2048", "-variant", "blocking", ":9000"})
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Workers)
	require.Equal(t, 2048, cfg.Capacity)
	require.Equal(t, msgconfig.VariantBlocking, cfg.Variant)
}

package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rocketbitz/rdmacm-go/rdma"
	"github.com/rocketbitz/rdmacm-go/session"
)

// app carries what the commands share. openProvider and onListen are
// replaced in tests.
type app struct {
	stdout io.Writer
	stderr io.Writer

	openProvider func(name string) (*rdma.Provider, error)
	onListen     func(net.Addr)

	configPath string
	settings   settings
	logger     *zap.Logger
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{
		stdout:       stdout,
		stderr:       stderr,
		openProvider: rdma.OpenProvider,
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "rdmacm",
		Short: "RDMA connection-manager client and server",
		Long: `rdmacm establishes a reliable connection through the RDMA connection
manager and exchanges a registered-buffer descriptor during the handshake.

The client sends two operands to the server, one by RDMA write and one by
send, and prints the sum the server replies with. The read test writes a
value into the server's buffer and reads it back.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			s, err := loadSettings(viper.New(), a.configPath, cmd.Flags())
			if err != nil {
				return err
			}
			a.settings = s
			a.logger, err = newLogger(s.LogLevel, s.Debug, a.stderr)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "YAML config file")
	flags.String("provider", rdma.ProviderSoft, fmt.Sprintf("RDMA provider %v", rdma.ProviderNames()))
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.Bool("debug", false, "human-readable development logging")
	flags.String("descriptor-order", rdma.OrderNetwork64.String(), "private data layout: network64 or legacy-htonl")
	flags.Duration("resolve-timeout", 0, "address and route resolution timeout (default 5s)")
	flags.Int("resolve-attempts", 1, "address and route resolution attempts")
	flags.Duration("timeout", 0, "overall deadline, 0 waits forever")

	root.AddCommand(newClientCmd(a), newReadTestCmd(a), newServerCmd(a), newConfigCmd(a))
	return root
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := yaml.Marshal(a.settings)
			if err != nil {
				return fmt.Errorf("failed to encode config: %w", err)
			}
			_, err = a.stdout.Write(out)
			return err
		},
	}
}

// newLogger builds the process logger. Logs go to w so stdout stays
// reserved for results.
func newLogger(level string, debug bool, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	encCfg := zap.NewProductionEncoderConfig()
	encoder := zapcore.NewJSONEncoder(encCfg)
	if debug {
		encCfg = zap.NewDevelopmentEncoderConfig()
		encoder = zapcore.NewConsoleEncoder(encCfg)
		if lvl > zapcore.DebugLevel {
			lvl = zapcore.DebugLevel
		}
	}
	core := zapcore.NewCore(encoder, zapcore.AddSync(w), zap.NewAtomicLevelAt(lvl))
	return zap.New(core).Named("rdmacm"), nil
}

// sessionConfig translates the settings into a session configuration.
func (a *app) sessionConfig() (session.Config, error) {
	s := a.settings
	provider, err := a.openProvider(s.Provider)
	if err != nil {
		return session.Config{}, err
	}
	order, err := rdma.ParseDescriptorOrder(s.DescriptorOrder)
	if err != nil {
		return session.Config{}, err
	}
	mode, err := session.ParseMode(s.Mode)
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Provider:        provider,
		ResolveTimeout:  s.ResolveTimeout,
		ResolveAttempts: s.ResolveAttempts,
		DescriptorOrder: order,
		Mode:            mode,
		Seed:            s.Seed,
		Logger:          a.logger.Sugar(),
	}, nil
}

func (a *app) context(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	if a.settings.Timeout > 0 {
		return context.WithTimeout(parent, a.settings.Timeout)
	}
	return context.WithCancel(parent)
}

func parseIPv4(name, s string) (net.IP, error) {
	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("invalid %s address %q: not an IPv4 address", name, s)
	}
	return ip.To4(), nil
}

func parsePort(s string) (int, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return int(port), nil
}

func parseOperand(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid operand %q: %w", s, err)
	}
	return uint32(v), nil
}

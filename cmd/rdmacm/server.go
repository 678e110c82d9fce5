package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/rocketbitz/rdmacm-go/session"
)

func newServerCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Serve one client connection",
		Long: `server listens for a single connection and serves it in one of two modes.

add   receive two operands and reply with their sum
read  expose a buffer seeded with --seed for one-sided access and print its
      final value once the client disconnects`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			ip, err := parseIPv4("listen", a.settings.Listen)
			if err != nil {
				return err
			}
			cfg, err := a.sessionConfig()
			if err != nil {
				return err
			}

			l, err := session.Listen(cfg, &net.TCPAddr{IP: ip, Port: a.settings.Port})
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, l.Close()) }()
			a.logger.Info("listening", zap.Stringer("addr", l.Addr()), zap.Stringer("mode", cfg.Mode))
			if a.onListen != nil {
				a.onListen(l.Addr())
			}

			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			r, err := l.Accept(ctx)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, r.Close()) }()

			switch cfg.Mode {
			case session.ModeRead:
				v, err := r.ServeRead(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(a.stdout, "%d\n", v)
				return err
			default:
				res, err := r.ServeAdd(ctx)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(a.stdout, res.String())
				return err
			}
		},
	}
	flags := cmd.Flags()
	flags.String("mode", session.ModeAdd.String(), "service to expose: add or read")
	flags.Uint32("seed", defaultSeed, "initial buffer value in read mode")
	flags.String("listen", "0.0.0.0", "IPv4 address to listen on")
	flags.Int("port", session.DefaultPort, "port to listen on")
	return cmd
}

func zapSession(c *session.Conn) []zap.Field {
	st := c.Stats()
	return []zap.Field{
		zap.String("session_id", c.SessionID()),
		zap.Stringer("state", c.State()),
		zap.Uint64("events", st.EventsReceived),
		zap.Uint64("completions", st.CompletionsOK),
	}
}

package main

import (
	"fmt"
	"net"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/rocketbitz/rdmacm-go/session"
)

type dialArgs struct {
	local  *net.TCPAddr
	remote *net.TCPAddr
}

func parseDialArgs(args []string) (dialArgs, error) {
	local, err := parseIPv4("client", args[0])
	if err != nil {
		return dialArgs{}, err
	}
	remote, err := parseIPv4("server", args[1])
	if err != nil {
		return dialArgs{}, err
	}
	port, err := parsePort(args[2])
	if err != nil {
		return dialArgs{}, err
	}
	return dialArgs{
		local:  &net.TCPAddr{IP: local},
		remote: &net.TCPAddr{IP: remote, Port: port},
	}, nil
}

func newClientCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "client <client-ipv4> <server-ipv4> <server-port> <op1> <op2>",
		Short: "Ask the server to add two numbers",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			addrs, err := parseDialArgs(args)
			if err != nil {
				return err
			}
			x, err := parseOperand(args[3])
			if err != nil {
				return err
			}
			y, err := parseOperand(args[4])
			if err != nil {
				return err
			}
			cfg, err := a.sessionConfig()
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			in, err := session.Dial(ctx, cfg, addrs.local, addrs.remote)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, in.Close()) }()

			sum, err := in.Add(ctx, x, y)
			if err != nil {
				return err
			}
			a.logger.Info("add complete", zapSession(in.Conn)...)
			_, err = fmt.Fprintf(a.stdout, "%d\n", sum)
			return err
		},
	}
}

func newReadTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "read-test <client-ipv4> <server-ipv4> <server-port>",
		Short: "Write a value into the server's buffer and read it back",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			addrs, err := parseDialArgs(args)
			if err != nil {
				return err
			}
			cfg, err := a.sessionConfig()
			if err != nil {
				return err
			}

			ctx, cancel := a.context(cmd.Context())
			defer cancel()
			in, err := session.Dial(ctx, cfg, addrs.local, addrs.remote)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, in.Close()) }()

			v, err := in.WriteRead(ctx, session.ReadTestValue)
			if err != nil {
				return err
			}
			a.logger.Info("read test complete", zapSession(in.Conn)...)
			_, err = fmt.Fprintf(a.stdout, "%d\n", v)
			return err
		},
	}
}

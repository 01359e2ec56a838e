package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebernhardson/fastcgi"
	"github.com/ebernhardson/fastcgi/internal/observability"
	"github.com/ebernhardson/fastcgi/internal/protocol"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fcgictl: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	addr       string
	socket     string
	timeout    time.Duration
	keepAlive  bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "fcgictl",
		Short:         "Issue requests against a FastCGI application server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", "", "TCP target as host:port")
	cmd.PersistentFlags().StringVar(&opts.socket, "socket", "", "unix-domain socket path")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 5*time.Second, "read/write timeout, 0 for unbounded")
	cmd.PersistentFlags().BoolVar(&opts.keepAlive, "keep-alive", false, "keep the connection open after each request")
	cmd.AddCommand(newRequestCmd(opts), newValuesCmd(opts))
	return cmd
}

func (o *rootOptions) client(cmd *cobra.Command) (*fastcgi.Client, error) {
	cfg := defaultSettings()
	if o.configPath != "" {
		loaded, err := loadSettings(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("addr") {
		cfg.addr = o.addr
	}
	if flags.Changed("socket") {
		cfg.socket = o.socket
	}
	if flags.Changed("timeout") {
		cfg.timeout = o.timeout
	}
	if flags.Changed("keep-alive") {
		cfg.keepAlive = o.keepAlive
	}

	clientCfg, err := cfg.clientConfig()
	if err != nil {
		return nil, err
	}
	logger := observability.InitLogger("fcgictl")
	clientCfg.Logger = &logger
	return fastcgi.NewClient(clientCfg), nil
}

func newRequestCmd(opts *rootOptions) *cobra.Command {
	var params []string
	var body string
	cmd := &cobra.Command{
		Use:   "request",
		Short: "Send one RESPONDER request and print the formatted result",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := parseParams(params)
			if err != nil {
				return err
			}
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Request(env, []byte(body))
			if err != nil {
				return err
			}
			printResponse(cmd, resp)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&params, "param", nil, "request parameter as NAME=value, repeatable")
	cmd.Flags().StringVar(&body, "body", "", "request body sent on FCGI_STDIN")
	return cmd
}

func newValuesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "values [name...]",
		Short: "Query server capabilities via FCGI_GET_VALUES",
		RunE: func(cmd *cobra.Command, args []string) error {
			names := args
			if len(names) == 0 {
				names = []string{protocol.MaxConns, protocol.MaxReqs, protocol.MpxsConns}
			}
			client, err := opts.client(cmd)
			if err != nil {
				return err
			}
			defer client.Close()

			values, err := client.GetValues(names)
			if err != nil {
				return err
			}
			keys := make([]string, 0, len(values))
			for k := range values {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(cmd.OutOrStdout(), "%s=%s\n", k, values[k])
			}
			return nil
		},
	}
}

func printResponse(cmd *cobra.Command, resp *fastcgi.Response) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Status: %s\n", resp.Header("status"))
	names := make([]string, 0, len(resp.Headers))
	for name := range resp.Headers {
		if name != "status" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		for _, value := range resp.Headers[name] {
			fmt.Fprintf(out, "%s: %s\n", name, value)
		}
	}
	fmt.Fprintln(out)
	_, _ = out.Write(resp.Body)
	if len(resp.Stderr) > 0 {
		_, _ = cmd.ErrOrStderr().Write(resp.Stderr)
	}
}

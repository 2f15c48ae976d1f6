// Copyright 2022 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements connectcheck, a diagnostic CLI that exercises a
// single Dial against a managed database instance and reports the outcome:
// useful for verifying network reachability, IAM setup, and credentials
// before wiring the connector into an application.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nimbussql/connector"
	ilog "github.com/nimbussql/connector/internal/log"
	"github.com/nimbussql/connector/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Command wraps the cobra.Command tree for connectcheck.
type Command struct {
	*cobra.Command

	stdout io.Writer
	stderr io.Writer
	logger connector.Logger

	conf struct {
		instance        string
		ipType          string
		iamAuthN        bool
		credentialsFile string
		token           string
		gcloudAuth      bool
		structuredLogs  bool
		quiet           bool
		timeout         time.Duration
	}
}

// NewCommand builds the connectcheck command tree.
func NewCommand(opts ...Option) *Command {
	c := &Command{stdout: os.Stdout, stderr: os.Stderr}
	cc := &cobra.Command{
		Use:           "connectcheck --instance=<project:region:instance>",
		Short:         "Verify connectivity to a managed database instance.",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cc.RunE = func(cmd *cobra.Command, args []string) error {
		return c.run(cmd.Context())
	}
	c.Command = cc

	flags := cc.Flags()
	flags.StringVar(&c.conf.instance, "instance", "", "instance connection name, project:region:instance")
	flags.StringVar(&c.conf.ipType, "ip-type", "public", "IP address type to dial: public, private, or psc")
	flags.BoolVar(&c.conf.iamAuthN, "iam-auth", false, "use IAM database authentication")
	flags.StringVar(&c.conf.credentialsFile, "credentials-file", "", "path to a service account or authorized user credentials file")
	flags.StringVar(&c.conf.token, "token", "", "OAuth2 access token to authenticate with, instead of ADC")
	flags.BoolVar(&c.conf.gcloudAuth, "gcloud-auth", false, "use the local gcloud CLI's cached credentials")
	flags.BoolVar(&c.conf.structuredLogs, "structured-logs", false, "emit JSON logs instead of plain text")
	flags.BoolVar(&c.conf.quiet, "quiet", false, "only log errors")
	flags.DurationVar(&c.conf.timeout, "timeout", 30*time.Second, "overall timeout for the connection check")

	viper.SetEnvPrefix("CONNECTCHECK")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Command) run(ctx context.Context) error {
	if c.conf.instance == "" {
		return newExitError(errors.New("--instance is required"), exitCodeGeneric)
	}

	if c.conf.quiet {
		logging.Infof = func(string, ...interface{}) {}
	}

	if c.logger == nil {
		if c.conf.structuredLogs {
			c.logger = ilog.NewStructuredLogger(c.conf.quiet)
		} else {
			c.logger = ilog.NewStdLogger(c.stdout, c.stderr)
		}
	}

	logging.Infof("connectcheck: dialing %s", c.conf.instance)

	ctx, cancel := context.WithTimeout(ctx, c.conf.timeout)
	defer cancel()

	dialerOpts := []connector.Option{connector.WithLogger(c.logger)}
	switch {
	case c.conf.token != "":
		dialerOpts = append(dialerOpts, connector.WithTokenSource(c.conf.token))
	case c.conf.credentialsFile != "":
		dialerOpts = append(dialerOpts, connector.WithCredentialsFile(c.conf.credentialsFile))
	case c.conf.gcloudAuth:
		dialerOpts = append(dialerOpts, connector.WithGcloudCredentials())
	}
	if c.conf.iamAuthN {
		dialerOpts = append(dialerOpts, connector.WithIAMAuthN())
	}

	d, err := connector.NewDialer(ctx, dialerOpts...)
	if err != nil {
		return newExitError(fmt.Errorf("failed to create dialer: %w", err), exitCodeGeneric)
	}
	defer d.Close()

	var dialOpts []connector.DialOption
	switch c.conf.ipType {
	case "private":
		dialOpts = append(dialOpts, connector.WithPrivateIP())
	case "psc":
		dialOpts = append(dialOpts, connector.WithPSC())
	default:
		dialOpts = append(dialOpts, connector.WithPublicIP())
	}

	conn, err := d.Dial(ctx, c.conf.instance, dialOpts...)
	if err != nil {
		return newExitError(fmt.Errorf("dial failed: %w", err), exitCodeGeneric)
	}
	defer conn.Close()

	version, err := d.EngineVersion(ctx, c.conf.instance)
	if err != nil {
		return newExitError(fmt.Errorf("failed to read engine version: %w", err), exitCodeGeneric)
	}

	logging.Infof("connectcheck: connected to %s (%s) at %s", c.conf.instance, version, conn.RemoteAddr())
	fmt.Fprintf(c.stdout, "OK: %s (%s)\n", c.conf.instance, version)
	return nil
}

// Execute runs connectcheck as a standalone process, translating an
// *exitError's code into the process exit status, and a SIGINT or SIGTERM
// received while the command is running into their conventional codes.
func Execute() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)

	var sig os.Signal
	go func() {
		select {
		case s := <-signals:
			sig = s
			cancel()
		case <-ctx.Done():
		}
	}()

	cmd := NewCommand()
	cmd.SetContext(ctx)
	err := cmd.Execute()
	if err == nil {
		return int(exitCodeOk)
	}

	switch sig {
	case syscall.SIGTERM:
		fmt.Fprintln(os.Stderr, "connectcheck: SIGTERM received, shutting down")
		return int(exitCodeSigTerm)
	case os.Interrupt:
		fmt.Fprintln(os.Stderr, "connectcheck: interrupted")
		return int(exitCodeSigInt)
	}
	var ee *exitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.Error())
		return int(ee.code)
	}
	fmt.Fprintln(os.Stderr, err)
	return int(exitCodeGeneric)
}

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	systemDaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/dns"
	"github.com/synqronlabs/rook/metrics"
	"github.com/synqronlabs/rook/plugin"
)

type options struct {
	Hostname        string        `validate:"required,hostname_rfc1123"`
	Listen          string        `validate:"required,listen_addr"`
	SMTPSListen     string        `validate:"omitempty,listen_addr"`
	AdminListen     string        `validate:"omitempty,listen_addr"`
	TLSCert         string        `validate:"required_with=TLSKey SMTPSListen,omitempty,file"`
	TLSKey          string        `validate:"required_with=TLSCert,omitempty,file"`
	ConfigDir       string        `validate:"required,dir"`
	LogLevel        string        `validate:"oneof=debug info warn warning error"`
	LogFormat       string        `validate:"oneof=auto text json"`
	MaxConnections  int           `validate:"gte=0"`
	MaxMessageSize  int64         `validate:"gte=0"`
	MaxRecipients   int           `validate:"gte=0"`
	DNSTimeout      time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
	NonBlockingTLS  bool
	ReverseLookup   bool
	Submission      bool
	SystemdNotify   bool
}

func defaultOptions() *options {
	hostname, _ := os.Hostname()
	return &options{
		Hostname:        hostname,
		Listen:          ":25",
		ConfigDir:       "/etc/rook",
		LogLevel:        "info",
		LogFormat:       "auto",
		MaxConnections:  1000,
		MaxMessageSize:  25 << 20,
		MaxRecipients:   100,
		DNSTimeout:      dns.DefaultTimeout,
		ShutdownTimeout: 30 * time.Second,
		ReverseLookup:   true,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		_, err := listenPort(fl.Field().String())
		return err == nil
	})
	return v
}

// listenPort returns the port of a host:port listen address. The host
// may be empty.
func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0, fmt.Errorf("invalid port %q", port)
	}
	return n, nil
}

func commandServe() *cobra.Command {
	return newServeCommand(defaultOptions())
}

func newServeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the SMTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyFlagsFromEnvFile(cmd); err != nil {
				return err
			}
			return serve(cmd.Context(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.Hostname, "hostname", opts.Hostname, "Hostname announced in the greeting")
	f.StringVar(&opts.Listen, "listen", opts.Listen, "SMTP listen address")
	f.StringVar(&opts.SMTPSListen, "smtps-listen", opts.SMTPSListen, "Implicit TLS listen address")
	f.StringVar(&opts.AdminListen, "admin-listen", opts.AdminListen, "Listen address for /metrics and /healthz")
	f.StringVar(&opts.TLSCert, "tls-cert", opts.TLSCert, "PEM certificate file, enables STARTTLS")
	f.StringVar(&opts.TLSKey, "tls-key", opts.TLSKey, "PEM private key file")
	f.StringVar(&opts.ConfigDir, "config-dir", opts.ConfigDir, "Directory holding the plugins list and plugin configuration")
	f.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level (one of debug, info, warn or error)")
	f.StringVar(&opts.LogFormat, "log-format", opts.LogFormat, "Log format (auto, text or json)")
	f.IntVar(&opts.MaxConnections, "max-connections", opts.MaxConnections, "Maximum concurrent connections, 0 for no limit")
	f.Int64Var(&opts.MaxMessageSize, "max-message-size", opts.MaxMessageSize, "Maximum message size in bytes, 0 for no limit")
	f.IntVar(&opts.MaxRecipients, "max-recipients", opts.MaxRecipients, "Maximum recipients per transaction, 0 for no limit")
	f.DurationVar(&opts.DNSTimeout, "dns-timeout", opts.DNSTimeout, "Default DNS query timeout")
	f.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", opts.ShutdownTimeout, "Grace period for open connections on shutdown")
	f.BoolVar(&opts.NonBlockingTLS, "nonblocking-tls", opts.NonBlockingTLS, "Run implicit TLS handshakes on the event loop")
	f.BoolVar(&opts.ReverseLookup, "reverse-lookup", opts.ReverseLookup, "Resolve the client hostname on connect")
	f.BoolVar(&opts.Submission, "submission", opts.Submission, "Use submission defaults (port 587)")
	f.BoolVar(&opts.SystemdNotify, "systemd-notify", opts.SystemdNotify, "Enable systemd sd_notify callback")

	return cmd
}

func commandPlugins() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List the plugins compiled into this binary",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			for _, name := range plugin.Factories() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}

// daemon is one running server with its plugins and admin listener.
type daemon struct {
	logger  *slog.Logger
	server  *rook.Server
	plugins []plugin.Plugin
	admin   *http.Server
	notify  bool
}

func newDaemon(opts *options, logger *slog.Logger) (*daemon, error) {
	if opts.Submission && opts.Listen == ":25" {
		opts.Listen = rook.SubmissionConfig().Addr
	}
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	builder := rook.New(opts.Hostname)
	builder.Addr(opts.Listen).
		Logger(logger).
		MaxConnections(opts.MaxConnections).
		MaxMessageSize(opts.MaxMessageSize).
		MaxRecipients(opts.MaxRecipients).
		DNSTimeout(opts.DNSTimeout).
		ReverseLookup(opts.ReverseLookup).
		ShutdownTimeout(opts.ShutdownTimeout).
		NonBlockingTLS(opts.NonBlockingTLS)

	if opts.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(opts.TLSCert, opts.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("loading certificate: %w", err)
		}
		builder.TLS(&tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}
	if opts.SMTPSListen != "" {
		port, _ := listenPort(opts.SMTPSListen)
		builder.SMTPS(opts.SMTPSListen, port)
	}

	reg := rook.NewRegistry()
	loader := plugin.NewLoader(opts.ConfigDir, logger)
	plugins, err := loader.Load(reg)
	if err != nil {
		return nil, err
	}
	d := &daemon{logger: logger, plugins: plugins, notify: opts.SystemdNotify}

	server, err := builder.Registry(reg).Build()
	if err != nil {
		d.closePlugins()
		return nil, err
	}
	d.server = server

	if opts.AdminListen != "" {
		d.admin = &http.Server{
			Addr:              opts.AdminListen,
			Handler:           metrics.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return d, nil
}

func serve(ctx context.Context, opts *options) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger, err := newLogger(os.Stderr, opts.LogLevel, opts.LogFormat)
	if err != nil {
		return err
	}
	d, err := newDaemon(opts, logger)
	if err != nil {
		return err
	}
	defer d.closePlugins()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return d.run(ctx, opts)
}

func (d *daemon) run(ctx context.Context, opts *options) error {
	listener, err := net.Listen("tcp", opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", opts.Listen, err)
	}
	errc := make(chan error, 3)
	go func() { errc <- d.server.Serve(listener) }()

	if opts.SMTPSListen != "" {
		tlsListener, err := net.Listen("tcp", opts.SMTPSListen)
		if err != nil {
			_ = d.server.Close()
			return fmt.Errorf("listen %s: %w", opts.SMTPSListen, err)
		}
		go func() { errc <- d.server.Serve(tlsListener) }()
	}
	if d.admin != nil {
		go func() {
			if err := d.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("admin listener: %w", err)
			}
		}()
	}

	metrics.SetReady(true)
	d.sdNotify(systemDaemon.SdNotifyReady)
	d.logger.Info("rookd ready", slog.Int("plugins", len(d.plugins)))

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down")
	case err = <-errc:
		if errors.Is(err, rook.ErrServerClosed) {
			err = nil
		}
	}

	metrics.SetReady(false)
	d.sdNotify(systemDaemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.ShutdownTimeout)
	defer cancel()
	if shutdownErr := d.server.Shutdown(shutdownCtx); shutdownErr != nil {
		d.logger.Warn("forced shutdown", slog.Any("error", shutdownErr))
	}
	if d.admin != nil {
		_ = d.admin.Shutdown(shutdownCtx)
	}
	return err
}

func (d *daemon) sdNotify(state string) {
	if !d.notify {
		return
	}
	ok, err := systemDaemon.SdNotify(false, state)
	if err != nil {
		d.logger.Error("systemd sd_notify failed", slog.Any("error", err))
		return
	}
	d.logger.Debug("called systemd sd_notify", slog.String("state", state), slog.Bool("ok", ok))
}

func (d *daemon) closePlugins() {
	for _, p := range d.plugins {
		c, ok := p.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			d.logger.Warn("closing plugin", slog.String("plugin", p.Name()), slog.Any("error", err))
		}
	}
	d.plugins = nil
}

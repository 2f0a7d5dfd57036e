package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/glimte/amqclient"
	"github.com/glimte/amqclient/config"
	"github.com/glimte/amqclient/contracts"
	"github.com/glimte/amqclient/health"
	"github.com/spf13/cobra"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
)

// globalFlags are shared by every command
type globalFlags struct {
	configFile string
	brokerURI  string
	protocol   string
	verbose    bool
}

// destinationFlags select one queue or topic
type destinationFlags struct {
	queue string
	topic string
}

func (d destinationFlags) resolve() (string, contracts.DeliveryMode, error) {
	switch {
	case d.queue != "" && d.topic != "":
		return "", 0, errors.New("use either --queue or --topic, not both")
	case d.queue != "":
		return d.queue, contracts.PointToPoint, nil
	case d.topic != "":
		return d.topic, contracts.PublishSubscribe, nil
	default:
		return "", 0, errors.New("one of --queue or --topic is required")
	}
}

func (d *destinationFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&d.queue, "queue", "q", "", "Queue name")
	cmd.Flags().StringVarP(&d.topic, "topic", "t", "", "Topic name")
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   "amqctl",
		Short: "Send to and listen on ActiveMQ queues and topics",
		Long: `amqctl sends text or file contents to a queue or topic and prints the
messages arriving on one. The broker record is read from appsettings.json
unless --uri is given.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "", "Settings file (default: discover appsettings.json)")
	rootCmd.PersistentFlags().StringVarP(&flags.brokerURI, "uri", "u", "", "Broker URI, overrides the settings file")
	rootCmd.PersistentFlags().StringVar(&flags.protocol, "protocol", "", "Transport: amqp1, amqp091 or memory")
	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(sendCommand(&flags), listenCommand(&flags), configCommand(&flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, red("error:"), err)
		os.Exit(1)
	}
}

func sendCommand(flags *globalFlags) *cobra.Command {
	var (
		dest  destinationFlags
		text  string
		file  string
		count int
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a text message or file contents",
		Example: `  amqctl send --queue orders --text "hello"
  amqctl send --topic news --file edition.bin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, mode, err := dest.resolve()
			if err != nil {
				return err
			}

			var payload interface{}
			switch {
			case text != "" && file != "":
				return errors.New("use either --text or --file, not both")
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", file, err)
				}
				payload = data
			default:
				payload = text
			}

			opts, err := loadOptions(flags)
			if err != nil {
				return err
			}

			producer, err := amqclient.NewProducer(opts, amqclient.WithLogger(newLogger(flags.verbose)))
			if err != nil {
				return err
			}
			defer producer.Close()

			ctx, cancel := signalContext()
			defer cancel()

			for i := 0; i < count; i++ {
				if err := producer.SendTo(ctx, name, mode, payload); err != nil {
					return fmt.Errorf("send %d of %d: %w", i+1, count, err)
				}
			}

			fmt.Printf("%s %d message(s) to %s %s\n", green("sent"), count, mode, cyan(name))
			return nil
		},
	}

	dest.bind(cmd)
	cmd.Flags().StringVar(&text, "text", "", "Text body")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Send the file contents as a bytes message")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of copies to send")
	return cmd
}

func listenCommand(flags *globalFlags) *cobra.Command {
	var (
		dest       destinationFlags
		healthAddr string
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Print messages arriving on a queue or topic",
		Long:  "Prints every message until interrupted. Bodies are shown as text when they are text messages.",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, mode, err := dest.resolve()
			if err != nil {
				return err
			}

			opts, err := loadOptions(flags)
			if err != nil {
				return err
			}

			logger := newLogger(flags.verbose)
			consumer, err := amqclient.NewConsumer(opts,
				amqclient.WithLogger(logger),
				amqclient.WithErrorHandler(func(ctx context.Context, env *contracts.Envelope, err error) {
					fmt.Printf("%s %s: %v\n", red("failed"), env.MessageID, err)
				}))
			if err != nil {
				return err
			}
			defer consumer.Close()

			ctx, cancel := signalContext()
			defer cancel()

			if err := consumer.OnEnvelope(ctx, name, mode, printEnvelope); err != nil {
				return err
			}

			if healthAddr != "" {
				srv := healthServer(healthAddr, consumer)
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health endpoint stopped", "addr", healthAddr, "error", err)
					}
				}()
				defer srv.Close()
				fmt.Printf("Health endpoint on http://%s/health\n", healthAddr)
			}

			fmt.Printf("Listening on %s %s... Press Ctrl+C to stop\n", mode, cyan(name))
			fmt.Println(strings.Repeat("-", 60))

			<-ctx.Done()
			return nil
		},
	}

	dest.bind(cmd)
	cmd.Flags().StringVar(&healthAddr, "health-addr", "", "Serve /health on this address, e.g. :8081")
	return cmd
}

func configCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the broker record that would be used",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptions(flags)
			if err != nil {
				return err
			}

			fmt.Printf("Broker URI:      %s\n", contracts.SanitizeURL(opts.BrokerURI))
			fmt.Printf("Protocol:        %s\n", valueOr(opts.Protocol, "by scheme"))
			fmt.Printf("User:            %s\n", valueOr(opts.UserName, "anonymous"))
			fmt.Printf("Connect timeout: %s\n", opts.Timeout())

			if opts.BrokerURI == "" {
				fmt.Println(yellow("warning:"), "broker uri is not set; open will fail")
			}
			return nil
		},
	}
}

// loadOptions reads the settings file, or builds the record from --uri alone
func loadOptions(flags *globalFlags) (*config.Options, error) {
	var (
		opts *config.Options
		err  error
	)

	switch {
	case flags.configFile != "":
		opts, err = config.Load(flags.configFile)
	case flags.brokerURI != "":
		opts = &config.Options{}
	default:
		opts, err = config.Discover()
	}
	if err != nil {
		return nil, err
	}

	if flags.brokerURI != "" {
		opts.BrokerURI = flags.brokerURI
	}
	if flags.protocol != "" {
		opts.Protocol = flags.protocol
	}

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

func healthServer(addr string, consumer *amqclient.Consumer) *http.Server {
	registry := health.NewRegistry()
	registry.Register(health.NewClientChecker("consumer", consumer))
	registry.Register(health.NewRuntimeChecker(1000, 10000))

	mux := http.NewServeMux()
	mux.Handle("/health", health.NewHandler(registry, 5*time.Second))

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func printEnvelope(ctx context.Context, env *contracts.Envelope) error {
	fmt.Printf("%s %s %s\n",
		green(env.Timestamp.Format(time.RFC3339)),
		yellow(env.Kind.String()),
		env.MessageID)

	switch env.Kind {
	case contracts.KindText:
		fmt.Printf("  %s\n", env.Text)
	case contracts.KindObject:
		fmt.Printf("  type %s, %d bytes\n", env.TypeTag, len(env.Body))
	default:
		fmt.Printf("  %d bytes\n", len(env.Body))
	}
	for k, v := range env.Headers {
		fmt.Printf("  %s: %v\n", cyan(k), v)
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func valueOr(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

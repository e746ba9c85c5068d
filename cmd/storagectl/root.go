package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/danmuck/securestore/internal/config"
	"github.com/danmuck/securestore/internal/observability"
	"github.com/danmuck/securestore/internal/storage"
)

const defaultMaxRead = 16 << 20

// opener connects a Session for one command.
type opener func(ctx context.Context, cfg config.Client, logger zerolog.Logger) (*storage.Session, error)

func dialSession(ctx context.Context, cfg config.Client, logger zerolog.Logger) (*storage.Session, error) {
	dialer, err := storage.NewDialer(cfg.Addr, cfg.TransportConfig())
	if err != nil {
		return nil, err
	}
	opts := append(cfg.SessionOptions(), storage.WithLogger(logger))
	return storage.Connect(ctx, dialer, cfg.Port, opts...)
}

type rootFlags struct {
	configPath string
	envFile    string
	addr       string
	port       string
}

type cli struct {
	open   opener
	flags  rootFlags
	logger zerolog.Logger
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "storagectl",
		Short: "Read and write files on a secure storage service",
		Long: `storagectl talks to a secure storage service port.

Every command is one finalized request sequence; apply runs a whole plan
file inside a single transaction.

Examples:
  storagectl write settings.bin -f ./settings.bin
  storagectl --port tp read rollback-index
  storagectl apply rotate-keys.toml`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.preRun,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&c.flags.configPath, "config", "", "client config file (default $"+config.EnvConfig+")")
	pf.StringVar(&c.flags.envFile, "env-file", ".env", "dotenv file loaded before env overrides")
	pf.StringVar(&c.flags.addr, "addr", "", "service address host:port")
	pf.StringVar(&c.flags.port, "port", "", "storage port: td, tdp, tdea or tp")

	root.AddCommand(
		c.readCmd(),
		c.writeCmd(),
		c.removeCmd(),
		c.renameCmd(),
		c.sizeCmd(),
		c.truncateCmd(),
		c.listCmd(),
		c.applyCmd(),
		portsCmd(),
	)
	return root
}

func (c *cli) preRun(_ *cobra.Command, _ []string) error {
	_ = godotenv.Load(c.flags.envFile)
	c.logger = observability.InitLogger("storagectl")
	return nil
}

func (c *cli) clientConfig() (config.Client, error) {
	path := c.flags.configPath
	if path == "" {
		path = os.Getenv(config.EnvConfig)
	}
	cfg := config.DefaultClient()
	if path != "" {
		loaded, err := config.LoadClient(path)
		if err != nil {
			return config.Client{}, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return config.Client{}, err
	}
	if c.flags.addr != "" {
		cfg.Addr = c.flags.addr
	}
	if c.flags.port != "" {
		p, err := storage.ParsePort(c.flags.port)
		if err != nil {
			return config.Client{}, err
		}
		cfg.Port = p
	}
	return cfg, config.ValidateClient(cfg)
}

// withSession connects, runs fn and closes the session.
func (c *cli) withSession(cmd *cobra.Command, fn func(s *storage.Session) error) error {
	cfg, err := c.clientConfig()
	if err != nil {
		return err
	}
	s, err := c.open(cmd.Context(), cfg, c.logger)
	if err != nil {
		return fmt.Errorf("connect %s (%s): %w", cfg.Addr, cfg.Port, err)
	}
	runErr := fn(s)
	if err := s.Close(); runErr == nil {
		runErr = err
	}
	return runErr
}

func (c *cli) readCmd() *cobra.Command {
	var (
		output  string
		maxSize int
	)
	cmd := &cobra.Command{
		Use:   "read NAME",
		Short: "Print a file's contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if maxSize < 0 {
				return fmt.Errorf("--max-size must not be negative, got %d", maxSize)
			}
			return c.withSession(cmd, func(s *storage.Session) error {
				data, err := s.Read(args[0], make([]byte, maxSize))
				if err != nil {
					return err
				}
				if output != "" {
					return os.WriteFile(output, data, 0o600)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write contents to a file instead of stdout")
	cmd.Flags().IntVar(&maxSize, "max-size", defaultMaxRead, "largest file read accepts")
	return cmd
}

func (c *cli) writeCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "write NAME [DATA]",
		Short: "Replace a file's contents",
		Long:  "Replace a file's contents with DATA, the file given by -f, or stdin.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			switch {
			case len(args) == 2:
				data = []byte(args[1])
			case file != "":
				data, err = os.ReadFile(file)
			default:
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			return c.withSession(cmd, func(s *storage.Session) error {
				return s.Write(args[0], data)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read contents from a local file")
	return cmd
}

func (c *cli) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "rm NAME",
		Aliases: []string{"delete"},
		Short:   "Delete a file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(s *storage.Session) error {
				return s.Remove(args[0])
			})
		},
	}
}

func (c *cli) renameCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "mv FROM TO",
		Aliases: []string{"rename"},
		Short:   "Rename a file, replacing TO if it exists",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(s *storage.Session) error {
				return s.Rename(args[0], args[1])
			})
		},
	}
}

func (c *cli) sizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size NAME",
		Short: "Print a file's size in bytes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(cmd, func(s *storage.Session) error {
				f, err := s.OpenFile(args[0], storage.Open)
				if err != nil {
					return err
				}
				defer f.Close()
				size, err := s.GetSize(f)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), size)
				return err
			})
		},
	}
}

func (c *cli) truncateCmd() *cobra.Command {
	var create bool
	cmd := &cobra.Command{
		Use:   "truncate NAME SIZE",
		Short: "Set a file's size, zero-filling when it grows",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			size, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("size %q: %w", args[1], err)
			}
			mode := storage.Open
			if create {
				mode = storage.Create
			}
			return c.withSession(cmd, func(s *storage.Session) error {
				f, err := s.OpenFile(args[0], mode)
				if err != nil {
					return err
				}
				defer f.Close()
				return s.SetSize(f, size)
			})
		},
	}
	cmd.Flags().BoolVar(&create, "create", false, "create the file when missing")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List committed files",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withSession(cmd, func(s *storage.Session) error {
				files, err := s.ListFiles()
				if err != nil {
					return err
				}
				for _, f := range files {
					if _, err := fmt.Fprintln(cmd.OutOrStdout(), f.Name); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (c *cli) applyCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "apply PLAN.toml",
		Short: "Run every step of a plan file in one transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			plan, err := LoadPlan(args[0])
			if err != nil {
				return err
			}
			if dryRun {
				return plan.Describe(cmd.OutOrStdout())
			}
			return c.withSession(cmd, func(s *storage.Session) error {
				if err := plan.Apply(s); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "applied %d steps\n", len(plan.Steps))
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the steps without connecting")
	return cmd
}

func portsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List storage ports and their service names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PORT\tSERVICE\tDESCRIPTION")
			for _, p := range storage.Ports() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", p, p.ServiceName(), p.Description())
			}
			return w.Flush()
		},
	}
}

// Command coopd runs one side of a cooperative session: it hosts or joins a
// peer, relays chat from the terminal and keeps snapshot slots on disk.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/coopsync/coopsync/internal/config"
	"github.com/coopsync/coopsync/internal/log"
	"github.com/coopsync/coopsync/internal/store"
	"github.com/pterm/pterm"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

const version = "0.1.0-dev"

// DefaultConfigPath is read when it exists and --config is not given.
const DefaultConfigPath = "~/.config/coopsync/coopd.yaml"

// expandPath expands the ~ in a path to the user's home directory.
func expandPath(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadConfig builds the configuration from defaults, the config file and
// the command line, in that order.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()

	path := expandPath(c.String("config"))
	if path != "" {
		var err error
		cfg, err = config.Load(path)
		if err != nil && (c.IsSet("config") || !errors.Is(err, os.ErrNotExist)) {
			return cfg, err
		}
		if err != nil {
			cfg = config.Default()
		}
	}

	if c.IsSet("name") {
		cfg.Name = c.String("name")
	}
	if c.IsSet("port") {
		cfg.Transport.Port = c.Int("port")
	}
	if c.IsSet("store") {
		cfg.StorePath = expandPath(c.String("store"))
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("mod-version") {
		cfg.ModVersion = c.String("mod-version")
	}
	if c.IsSet("no-accept") {
		cfg.AcceptPeers = !c.Bool("no-accept")
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return cfg, fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(level)
	return cfg, nil
}

func main() {
	app := &cli.App{
		Name:    "coopd",
		Usage:   "Cooperative session daemon",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				Value:   DefaultConfigPath,
			},
			&cli.StringFlag{
				Name:    "name",
				Aliases: []string{"n"},
				Usage:   "Player name shown to the peer",
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to host on, and default port to join",
			},
			&cli.StringFlag{
				Name:    "store",
				Aliases: []string{"s"},
				Usage:   "Path to the slot database",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Logging level (debug, info, warn, error)",
			},
			&cli.StringFlag{
				Name:  "metrics-addr",
				Usage: "Serve Prometheus metrics on this address",
			},
			&cli.StringFlag{
				Name:  "mod-version",
				Usage: "Mod version announced in the handshake",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "host",
				Usage: "Wait for a peer to join",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "no-accept",
						Usage: "Refuse joining peers as server full",
					},
				},
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return run(cfg, func(ctx context.Context, d *daemon) error {
						return d.node.Host(ctx)
					})
				},
			},
			{
				Name:      "join",
				Usage:     "Join a host",
				ArgsUsage: "<address[:port]>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("Usage: coopd join <address[:port]>", 1)
					}
					target := c.Args().First()
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return run(cfg, func(ctx context.Context, d *daemon) error {
						return d.node.Join(ctx, target)
					})
				},
			},
			{
				Name:  "slots",
				Usage: "List stored snapshot slots",
				Action: func(c *cli.Context) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return listSlots(c.Context, cfg)
				},
			},
			{
				Name:      "export",
				Usage:     "Write a stored snapshot slot to a file",
				ArgsUsage: "<role> <slot> <file>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 3 {
						return cli.Exit("Usage: coopd export <role> <slot> <file>", 1)
					}
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					return exportSlot(c.Context, cfg, c.Args().Get(0), c.Args().Get(1), c.Args().Get(2))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error().Err(err).Msg("Coopd failed")
		os.Exit(1)
	}
}

func listSlots(ctx context.Context, cfg config.Config) error {
	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	slots, err := st.ListSlots(ctx)
	if err != nil {
		return err
	}
	if len(slots) == 0 {
		pterm.Info.Println("No slots stored")
		return nil
	}

	data := pterm.TableData{{"Role", "Slot", "Size", "Save", "Digest", "Updated"}}
	for _, s := range slots {
		data = append(data, []string{
			s.Role,
			s.Name,
			strconv.Itoa(s.Size),
			strconv.FormatBool(s.Save),
			shortDigest(s.Digest),
			s.UpdatedAt.Format("2006-01-02 15:04:05"),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func exportSlot(ctx context.Context, cfg config.Config, role, name, file string) error {
	st, err := store.Open(ctx, cfg.StorePath)
	if err != nil {
		return err
	}
	defer st.Close()

	slot, err := st.GetSlot(ctx, role, name)
	if err != nil {
		return fmt.Errorf("failed to read slot %s/%s: %w", role, name, err)
	}
	if err := os.WriteFile(file, slot.Data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", file, err)
	}
	pterm.Success.Printfln("Wrote %d bytes to %s", len(slot.Data), file)
	return nil
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}

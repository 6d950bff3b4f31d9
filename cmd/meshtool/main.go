package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/yaleman/yaleman-meshtastic-tools/internal/config"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/configure"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/crypto"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/device"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/directory"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/layers"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/listener"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/logging"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/seen"
	"github.com/yaleman/yaleman-meshtastic-tools/internal/transport"
)

func defaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".meshtool")
}

func envInt(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

var rootCmd = &cobra.Command{
	Use:   "meshtool",
	Short: "Meshtastic MQTT decoder and device configuration tools",
	Long: `meshtool watches Meshtastic traffic on an MQTT broker and manages node configuration.

listen     decode every packet seen on the broker, one JSON line per packet
decode     decode a single base64 ServiceEnvelope
configure  push a config file onto a node over serial or TCP
layer      stack YAML override files into one config file
keys       manage channel keys used for decryption`,
	SilenceUsage: true,
}

func newLogger(cmd *cobra.Command) (zerolog.Logger, error) {
	level, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	return logging.New(os.Stderr, level, format)
}

func openKeyring(cmd *cobra.Command) (*crypto.Keyring, error) {
	dataDir, _ := cmd.Flags().GetString("data")
	strict, _ := cmd.Flags().GetBool("strict-keys")
	return loadKeyring(dataDir, strict)
}

// ─── listen ─────────────────────────────────────────────────────────────────

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Decode packets from an MQTT broker until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		host, _ := cmd.Flags().GetString("hostname")
		port, _ := cmd.Flags().GetInt("port")
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")
		topics, _ := cmd.Flags().GetStringArray("topic")
		if host == "" {
			return errors.New("no broker given: set --hostname or MQTT_HOSTNAME")
		}

		kr, err := openKeyring(cmd)
		if err != nil {
			return err
		}

		tr := transport.NewMQTT(transport.MQTTConfig{
			Host:     host,
			Port:     port,
			Username: username,
			Password: password,
			Logger:   log,
		})
		l := listener.New(listener.Config{
			Transport: tr,
			Pipeline:  listener.NewPipeline(kr, seen.New()),
			Topics:    topics,
			Out:       os.Stdout,
			Logger:    log,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("broker", tr.Broker()).
			Strs("channels", kr.Channels()).
			Bool("strict_keys", kr.Strict).
			Msg("starting listener")
		return l.Run(ctx)
	},
}

// ─── decode ─────────────────────────────────────────────────────────────────

var decodeCmd = &cobra.Command{
	Use:   "decode <base64-envelope>",
	Short: "Decode one ServiceEnvelope given as base64 (or on stdin)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		var input string
		if len(args) == 1 {
			input = args[0]
		} else {
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}
			input = string(b)
		}
		kr, err := openKeyring(cmd)
		if err != nil {
			return err
		}
		return runDecode(os.Stdout, log, kr, input)
	},
}

// ─── configure ──────────────────────────────────────────────────────────────

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Apply a config file to a node over serial or TCP",
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		path, _ := cmd.Flags().GetString("config")
		host, _ := cmd.Flags().GetString("host")
		serialPath, _ := cmd.Flags().GetString("serial")
		wait, _ := cmd.Flags().GetDuration("reboot-wait")

		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		var conn io.ReadWriteCloser
		if host != "" {
			conn, err = device.DialTCP(ctx, host)
		} else {
			conn, err = device.OpenSerial(serialPath)
		}
		if err != nil {
			return err
		}

		client, err := device.Connect(ctx, conn, device.Options{Logger: log, RebootWait: wait})
		if err != nil {
			return err
		}
		defer client.Close()

		log.Info().
			Str("node", fmt.Sprintf("%08x", client.MyNodeNum())).
			Str("long_name", client.LongName()).
			Str("short_name", client.ShortName()).
			Msg("connected")

		changes, err := configure.Apply(ctx, client, configure.Resolve(cfg, client.ShortName()), log)
		configure.PrintSummary(os.Stdout, changes)
		return err
	},
}

// ─── layer ──────────────────────────────────────────────────────────────────

var layerCmd = &cobra.Command{
	Use:   "layer <id>",
	Short: "Merge the layers listed in layers-<id>.yml into layered-<id>.yml",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if debug, _ := cmd.Flags().GetBool("debug"); debug {
			cmd.Flags().Set("log-level", "debug") //nolint:errcheck
		}
		log, err := newLogger(cmd)
		if err != nil {
			return err
		}
		dir, _ := cmd.Flags().GetString("config-dir")
		noWrite, _ := cmd.Flags().GetBool("no-write")

		cfg, err := layers.Build(dir, args[0], log)
		if err != nil {
			return err
		}
		out, err := layers.Render(cfg)
		if err != nil {
			return err
		}
		os.Stdout.Write(out) //nolint:errcheck
		if noWrite {
			return nil
		}
		written, err := layers.Write(dir, args[0], cfg)
		if err != nil {
			return err
		}
		log.Info().Str("file", written).Msg("wrote layered config")
		return nil
	},
}

// ─── keys ───────────────────────────────────────────────────────────────────

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage channel keys",
}

var keysAddCmd = &cobra.Command{
	Use:   "add <channel> <psk-base64>",
	Short: "Store the PSK for a channel",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()

		if err := dir.Add(&directory.Entry{Channel: args[0], PSK: args[1]}); err != nil {
			return err
		}
		fmt.Printf("✓ Stored key for %s\n", args[0])
		return nil
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored channel keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()

		entries := dir.All()
		fmt.Printf("%d channel keys (default key always applies)\n", len(entries))
		for _, e := range entries {
			fmt.Printf("  %-20s %-46s %s\n", e.Channel, e.PSK, time.Unix(e.Added, 0).Format(time.DateOnly))
		}
		return nil
	},
}

var keysRmCmd = &cobra.Command{
	Use:   "rm <channel>",
	Short: "Remove the key for a channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data")
		dir, err := directory.New(dataDir)
		if err != nil {
			return err
		}
		defer dir.Close()

		if err := dir.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Removed key for %s\n", args[0])
		return nil
	},
}

func init() {
	// a missing .env is normal
	godotenv.Load() //nolint:errcheck

	rootCmd.PersistentFlags().String("data", defaultDataDir(), "Data directory holding the channel key store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", logging.FormatConsole, "Log format: console or json")

	for _, cmd := range []*cobra.Command{listenCmd, decodeCmd} {
		cmd.Flags().Bool("strict-keys", false, "Drop packets on channels with no stored key instead of trying the default key")
	}

	listenCmd.Flags().String("hostname", os.Getenv("MQTT_HOSTNAME"), "MQTT broker host (MQTT_HOSTNAME)")
	listenCmd.Flags().Int("port", envInt("MQTT_PORT", transport.DefaultPort), "MQTT broker port (MQTT_PORT)")
	listenCmd.Flags().String("username", os.Getenv("MQTT_USERNAME"), "MQTT username (MQTT_USERNAME)")
	listenCmd.Flags().String("password", os.Getenv("MQTT_PASSWORD"), "MQTT password (MQTT_PASSWORD)")
	listenCmd.Flags().StringArray("topic", nil, "Topic filter to subscribe to, repeatable (default: the msh/ and meshtastic/ trees)")

	configureCmd.Flags().String("config", config.DefaultPath, "Config file (YAML or JSON)")
	configureCmd.Flags().String("host", "", "Connect over TCP to this host instead of serial")
	configureCmd.Flags().String("serial", "", "Serial device (auto-detected when empty)")
	configureCmd.Flags().Duration("reboot-wait", device.DefaultRebootWait, "Pause after each write before rereading the config")

	layerCmd.Flags().StringP("config-dir", "c", layers.DefaultDir, "Directory containing the layer files")
	layerCmd.Flags().BoolP("debug", "d", false, "Log each merge step")
	layerCmd.Flags().BoolP("no-write", "n", false, "Print only, don't write layered-<id>.yml")

	keysCmd.AddCommand(keysAddCmd, keysListCmd, keysRmCmd)
	rootCmd.AddCommand(listenCmd, decodeCmd, configureCmd, layerCmd, keysCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

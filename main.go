// netctld manages network connections and exposes them over NetworkManager's D-Bus API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nikicat/netctld/internal/api"
	"github.com/nikicat/netctld/internal/cli"
	"github.com/nikicat/netctld/internal/config"
	"github.com/nikicat/netctld/internal/daemon"
	"github.com/nikicat/netctld/internal/network"
	"github.com/nikicat/netctld/internal/nmdbus"
	"github.com/nikicat/netctld/internal/privilege"
	"github.com/nikicat/netctld/internal/service"
	"github.com/nikicat/netctld/internal/store"
)

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "status", "devices", "connections", "active", "up", "down":
		runCLI(os.Args[1], os.Args[2:])
	case "import":
		runImport(os.Args[2:])
	case "grant":
		runGrant(os.Args[2:])
	case "revoke":
		runRevoke(os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "version", "--version":
		fmt.Println(api.BuildVersion)
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Run the daemon (D-Bus service and local API)
  status        Show the global connectivity state
  devices       List network devices
  connections   List stored connection profiles
  active        List active connections
  up <name>     Activate a connection profile
  down <id|name>  Deactivate an active connection
  import        Import NetworkManager .nmconnection profiles
  grant         Issue a time-limited privilege token (root only)
  revoke        Revoke the privilege token (root only)
  service       Manage the systemd service
  version       Print the version

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.SystemPath+")")
	stateDirFlag := fs.String("state-dir", "", "State directory holding the API cookie (default: "+config.DefaultStateDir+")")
	serverAddr := fs.String("server", "", "API address, a unix socket path or host:port (default: "+config.DefaultListenAddr+")")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	var device *string
	var replace *bool
	if cmd == "up" {
		device = fs.String("device", "", "Interface to activate on (default: any matching device)")
		replace = fs.Bool("replace", false, "Replace the connection already active on the device")
	}
	fs.Parse(args)

	// Load config and apply values for flags not explicitly set
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	set := setFlags(fs)
	if !set["state-dir"] {
		*stateDirFlag = cfg.StateDir
	}
	if !set["server"] {
		*serverAddr = cfg.Listen
	}
	defaults := (&config.Config{StateDir: *stateDirFlag, Listen: *serverAddr}).WithDefaults()

	// The cookie is only readable by root. Unprivileged users reach the
	// unix socket without it and are authorized by peer credentials.
	var token string
	auth, err := api.LoadAuth(defaults.StateDir)
	switch {
	case err == nil:
		token = auth.Token()
	case config.IsUnixAddr(defaults.Listen):
		slog.Debug("no API cookie, relying on peer credentials", "error", err)
	case os.IsNotExist(err):
		fmt.Fprintf(os.Stderr, "error: %s is not running (no cookie file found)\n", progName)
		fmt.Fprintf(os.Stderr, "Start the service first with: %s serve\n", progName)
		os.Exit(1)
	default:
		fmt.Fprintf(os.Stderr, "error loading auth: %v\n", err)
		os.Exit(1)
	}

	client := cli.NewClient(defaults.Listen, token)
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	switch cmd {
	case "status":
		status, err := client.Status()
		exitOnError(err)
		err = formatter.FormatStatus(status)
		exitOnError(err)

	case "devices":
		devices, err := client.Devices()
		exitOnError(err)
		err = formatter.FormatDevices(devices)
		exitOnError(err)

	case "connections":
		conns, err := client.Connections()
		exitOnError(err)
		err = formatter.FormatConnections(conns)
		exitOnError(err)

	case "active":
		list, err := client.Active()
		exitOnError(err)
		err = formatter.FormatActive(list)
		exitOnError(err)

	case "up":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s up [--device <iface>] [--replace] <name>\n", progName)
			os.Exit(1)
		}
		active, err := client.Up(fs.Arg(0), *device, *replace)
		exitOnError(err)
		err = formatter.FormatActivation(active)
		exitOnError(err)

	case "down":
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s down <active-id|connection-name>\n", progName)
			os.Exit(1)
		}
		id, err := client.Down(fs.Arg(0))
		exitOnError(err)
		err = formatter.FormatAction("deactivated", id)
		exitOnError(err)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// runImport converts NetworkManager keyfiles into stored profiles. A running
// daemon picks them up through its directory watch.
func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.SystemPath+")")
	fs.Parse(args)
	if fs.NArg() == 0 {
		fmt.Fprintf(os.Stderr, "usage: %s import <file.nmconnection|dir>...\n", progName)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	exitOnError(err)
	cfg = cfg.WithDefaults()

	profiles, err := store.Open(cfg.Serve.ConnectionsDir, slog.Default())
	exitOnError(err)

	files, err := keyfiles(fs.Args())
	exitOnError(err)
	imported := 0
	for _, path := range files {
		c, err := importKeyfile(profiles, path)
		if err != nil {
			slog.Warn("import failed", "file", path, "error", err)
			continue
		}
		fmt.Printf("Imported %s as %q (%s)\n", path, c.Name, c.ID)
		imported++
	}
	fmt.Printf("Imported %d of %d profiles into %s\n", imported, len(files), profiles.Dir())
	if imported < len(files) {
		os.Exit(1)
	}
}

// keyfiles expands directories to the keyfiles they contain.
func keyfiles(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(arg, "*"+nmdbus.KeyfileExt))
		if err != nil {
			return nil, err
		}
		out = append(out, matches...)
	}
	return out, nil
}

func importKeyfile(profiles *store.Store, path string) (network.Connection, error) {
	f, err := os.Open(path)
	if err != nil {
		return network.Connection{}, err
	}
	defer f.Close()
	c, err := nmdbus.ParseKeyfile(f)
	if err != nil {
		return network.Connection{}, err
	}
	return profiles.Add(c)
}

// runGrant writes a privilege token the daemon accepts in place of root for
// mutating calls until it expires.
func runGrant(args []string) {
	fs := flag.NewFlagSet("grant", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.SystemPath+")")
	duration := fs.Duration("duration", time.Hour, fmt.Sprintf("Token lifetime (max %s)", privilege.MaxDuration))
	uid := fs.String("uid", "", "Restrict the token to this user id (default: any user)")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	exitOnError(err)
	cfg = cfg.WithDefaults()

	var allowed *uint32
	if *uid != "" {
		n, err := strconv.ParseUint(*uid, 10, 32)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid --uid %q\n", *uid)
			os.Exit(1)
		}
		u := uint32(n)
		allowed = &u
	}

	v := privilege.NewVerifier(cfg.Serve.RunDir, time.Now)
	t, err := v.Grant(uint32(os.Geteuid()), *duration, allowed)
	exitOnError(err)

	who := "any user"
	if t.AllowedUID != nil {
		who = "uid " + strconv.FormatUint(uint64(*t.AllowedUID), 10)
	}
	fmt.Printf("Granted privileges to %s until %s\n", who, t.ExpiresAt.Format(time.DateTime))
}

func runRevoke(args []string) {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.SystemPath+")")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	exitOnError(err)
	cfg = cfg.WithDefaults()

	v := privilege.NewVerifier(cfg.Serve.RunDir, time.Now)
	exitOnError(v.Revoke(uint32(os.Geteuid())))
	fmt.Println("Revoked privilege token")
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: "+config.SystemPath+")")
	listenAddr := fs.String("listen", "", "API listen address, a unix socket path or loopback host:port (default: "+config.DefaultListenAddr+")")
	stateDirFlag := fs.String("state-dir", "", "State directory (default: "+config.DefaultStateDir+")")
	busAddress := fs.String("bus-address", "", "D-Bus address to register on (default: system bus)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "", "Log format: text, json")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Flags explicitly set on the command line win over the config file
	set := setFlags(fs)
	if set["listen"] {
		cfg.Listen = *listenAddr
	}
	if set["state-dir"] {
		cfg.StateDir = *stateDirFlag
	}
	if set["bus-address"] {
		cfg.Serve.BusAddress = *busAddress
	}
	if set["log-level"] {
		cfg.Serve.LogLevel = *logLevel
	}
	if set["log-format"] {
		cfg.Serve.LogFormat = *logFormat
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Serve.LogFormat, parseLogLevel(cfg.Serve.LogLevel))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("starting", "version", api.BuildVersion, "connections_dir", cfg.Serve.ConnectionsDir)
	if err := daemon.Run(ctx, daemon.Config{Settings: *cfg, Logger: logger}); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// newLogger builds the process logger. Text output goes through tint; under
// systemd colors and timestamps are dropped since the journal adds its own.
func newLogger(format string, level slog.Level) *slog.Logger {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		underSystemd := os.Getenv("INVOCATION_ID") != ""
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    underSystemd,
		}
		if underSystemd {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		runServiceInstall(args[1:])
	case "uninstall":
		if err := service.Uninstall(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
	case "status":
		service.Status()
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(args []string) {
	fs := flag.NewFlagSet("service install", flag.ExitOnError)
	start := fs.Bool("start", false, "Start the service immediately after installing")
	configPath := fs.String("config", "", "Config file path to embed in the unit file (a default config is written if missing)")
	fs.Parse(args)

	if err := service.Install(service.Options{
		ConfigPath: *configPath,
		Start:      *start,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the systemd service and its D-Bus policy
  uninstall     Stop, disable, and remove the systemd service
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
`, progName)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, statErr := os.Stat(explicitPath); statErr != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", config.DefaultPath(), err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}

package commands

import (
	"fmt"
	"log/syslog"
	"os"
	"os/exec"
	"os/signal"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/ouni3233/alljoyn-core/pkg/daemon"
)

// Process exit codes.
const (
	exitOK = iota
	exitOption
	exitConfig
	exitStartup
	exitFork
	exitIO
	exitSession
)

var (
	sessionBus   bool
	systemBus    bool
	configFile   string
	printAddress string
	printPid     string
	forkDaemon   bool
	noFork       bool
	verbosity    int
	syslogAddr   string
)

var logger = logging.MustGetLogger("ajrouterd")

var rootCmd = &cobra.Command{
	Use:   "ajrouterd",
	Short: "Message bus routing daemon",
	Run: func(_ *cobra.Command, args []string) {
		os.Exit(run(args))
	},
	Version: daemon.Version,
}

func run(args []string) int {
	if len(args) > 0 {
		fmt.Fprintf(os.Stderr, "unexpected argument %q\n", args[0])
		return exitOption
	}
	if sessionBus && systemBus {
		fmt.Fprintln(os.Stderr, "--session and --system are mutually exclusive")
		return exitOption
	}

	setVerbosity(verbosity)
	if syslogAddr != "" {
		hook, err := logrus_syslog.NewSyslogHook("udp", syslogAddr, syslog.LOG_INFO, "ajrouterd")
		if err != nil {
			logger.Errorf("Unable to connect to syslog daemon on %v", syslogAddr)
		} else {
			logging.AddHook(hook)
		}
	}

	conf, err := loadConfig()
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		return exitConfig
	}

	if conf.User != "" {
		if _, err := user.Lookup(conf.User); err != nil {
			logger.Errorf("Unknown bus user %q: %v", conf.User, err)
			return exitSession
		}
	}

	if (forkDaemon || conf.Fork) && !noFork {
		return forkChild()
	}

	d, err := daemon.New(conf)
	if err != nil {
		logger.Errorf("Failed to initialise daemon: %v", err)
		return exitStartup
	}
	if err := d.Serve(); err != nil {
		logger.Errorf("Failed to start daemon: %v", err)
		return exitStartup
	}

	if printAddress != "" {
		if err := printToFD(printAddress, strings.Join(d.Addresses(), ";")); err != nil {
			logger.Errorf("Failed to print address: %v", err)
			return exitIO
		}
	}
	if printPid != "" {
		if err := printToFD(printPid, strconv.Itoa(os.Getpid())); err != nil {
			logger.Errorf("Failed to print pid: %v", err)
			return exitIO
		}
	}
	if conf.PidFile != "" {
		pid := strconv.Itoa(os.Getpid()) + "\n"
		if err := os.WriteFile(conf.PidFile, []byte(pid), 0644); err != nil {
			logger.Errorf("Failed to write pidfile: %v", err)
			return exitIO
		}
		defer os.Remove(conf.PidFile) // nolint: errcheck
	}

	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM)
	for sig := range ch {
		if sig == syscall.SIGHUP {
			reloadConfig()
			continue
		}
		logger.Infof("Received signal %s: terminating", sig)
		break
	}
	go func() {
		s := <-ch
		logger.Fatalf("Received second signal %s: aborting", s)
	}()

	if err := d.Close(); err != nil {
		logger.Errorf("Failed to close daemon: %v", err)
		return exitStartup
	}
	return exitOK
}

// loadConfig builds the effective configuration from the config file and
// the bus type flags.
func loadConfig() (*daemon.Config, error) {
	if configFile != "" {
		conf, err := daemon.ParseConfig(configFile)
		if err != nil {
			return nil, err
		}
		if systemBus {
			conf.BusType = daemon.BusTypeSystem
		}
		return conf, nil
	}

	conf := daemon.DefaultConfig()
	if systemBus {
		conf.BusType = daemon.BusTypeSystem
		conf.Listen = []string{"unix:path=/var/run/alljoyn/system_bus_socket"}
	} else {
		conf.Listen = []string{"unix:path=/tmp/alljoyn-" + strconv.Itoa(os.Getuid()) + ".sock"}
	}
	return conf, conf.Validate()
}

// reloadConfig re-reads the config file. Listener bindings and the bus
// type are fixed for the process lifetime; a changed file is validated
// and reported so the operator learns about errors before a restart.
func reloadConfig() {
	if configFile == "" {
		logger.Info("Reload requested, no config file to reload")
		return
	}
	if _, err := daemon.ParseConfig(configFile); err != nil {
		logger.Errorf("Reload failed, keeping previous config: %v", err)
		return
	}
	logger.Infof("Config %s reloaded, settings apply on restart", configFile)
}

// forkChild re-executes the daemon in the background with --nofork
// appended and detaches it from the controlling terminal.
func forkChild() int {
	exe, err := os.Executable()
	if err != nil {
		logger.Errorf("Failed to locate executable: %v", err)
		return exitFork
	}

	childArgs := make([]string, 0, len(os.Args))
	for _, a := range os.Args[1:] {
		if a == "--fork" {
			continue
		}
		childArgs = append(childArgs, a)
	}
	childArgs = append(childArgs, "--nofork")

	cmd := exec.Command(exe, childArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		logger.Errorf("Failed to fork daemon: %v", err)
		return exitFork
	}
	return exitOK
}

// printToFD writes line followed by a newline to the numeric file
// descriptor given in spec. FD 1 is standard output.
func printToFD(spec, line string) error {
	fd, err := strconv.Atoi(spec)
	if err != nil || fd < 0 {
		return fmt.Errorf("bad file descriptor %q", spec)
	}
	f := os.NewFile(uintptr(fd), "fd"+spec)
	if f == nil {
		return fmt.Errorf("file descriptor %d not open", fd)
	}
	_, err = fmt.Fprintln(f, line)
	return err
}

func setVerbosity(n int) {
	levels := []string{"error", "warn", "info", "debug"}
	if n < 0 {
		n = 0
	}
	if n >= len(levels) {
		n = len(levels) - 1
	}
	level, err := logging.LevelFromString(levels[n])
	if err != nil {
		return
	}
	logging.SetLevel(level)
}

func init() {
	rootCmd.Flags().BoolVar(&sessionBus, "session", false, "run a session bus (default)")
	rootCmd.Flags().BoolVar(&systemBus, "system", false, "run the system bus")
	rootCmd.Flags().StringVar(&configFile, "config-file", "", "read configuration from FILE")
	rootCmd.Flags().StringVar(&printAddress, "print-address", "", "print the bus address on file descriptor FD")
	rootCmd.Flags().Lookup("print-address").NoOptDefVal = "1"
	rootCmd.Flags().StringVar(&printPid, "print-pid", "", "print the daemon pid on file descriptor FD")
	rootCmd.Flags().Lookup("print-pid").NoOptDefVal = "1"
	rootCmd.Flags().BoolVar(&forkDaemon, "fork", false, "run in the background")
	rootCmd.Flags().BoolVar(&noFork, "nofork", false, "stay in the foreground")
	rootCmd.Flags().IntVar(&verbosity, "verbosity", 1, "log verbosity, 0 (quiet) to 3 (debug)")
	rootCmd.Flags().StringVar(&syslogAddr, "syslog", "", "syslog server address, e.g. localhost:514")
}

// Execute executes the root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitOption)
	}
}

package main

import (
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
	"tinygo.org/x/bluetooth"

	"github.com/trainerday/fitness-machine-connector/internal/bt"
	"github.com/trainerday/fitness-machine-connector/internal/connector"
	"github.com/trainerday/fitness-machine-connector/internal/devicespec"
	"github.com/trainerday/fitness-machine-connector/internal/ftms"
)

var adapter = bluetooth.DefaultAdapter

func main() {
	v := loadConfig()

	// The feed owns stdin, so it cannot share the terminal with the UI.
	headless := v.GetBool("headless") || v.GetBool("feed")

	logChan := make(chan string, 64)
	var logTee io.Writer
	if !headless {
		logTee = &chanWriter{ch: logChan}
	}
	logger := buildLogger(v.GetString("log-file"), logTee, headless)
	logger.Println("fitness connector starting")

	profile, err := ftms.ParseProfile(v.GetString("profile"))
	must("parse profile", err)

	registry := devicespec.NewRegistry(logger)
	must("load built-in device specs", registry.LoadDefaults())
	if dir := v.GetString("specs-dir"); dir != "" {
		must("load device specs", registry.LoadDir(dir))
	}

	engine := connector.NewEngine(logger, registry, profile, v.GetDuration("broadcast-period"))
	control := ftms.NewControlPoint(logger)

	central := bt.NewCentral(adapter, logger)
	must("enable BLE stack", central.Enable())
	peripheral := bt.NewPeripheral(adapter, logger)

	bridge := connector.NewBridge(logger, central, registry, engine, connector.BridgeConfig{
		AutoConnect: v.GetBool("auto-connect"),
		FilterScan:  v.GetBool("scan-filter"),
		StateFile:   v.GetString("state-file"),
	})
	broadcaster := connector.NewBroadcaster(logger, peripheral, engine, control, v.GetString("device-name"))

	engine.Start()
	bridge.Start()
	must("start broadcasting", broadcaster.Start())

	var sim *connector.Simulator
	if v.GetBool("sim") {
		sim = connector.NewSimulator(logger, engine, 0)
		sim.Start()
	}

	var monitor *connector.Monitor
	if addr := v.GetString("monitor-addr"); addr != "" {
		monitor = connector.NewMonitor(logger, engine, control)
		monitor.Start(addr)
	}

	if headless {
		runHeadless(logger, engine, control, v.GetBool("feed"))
	} else {
		app := tview.NewApplication()
		dashboard := connector.NewDashboard(connector.DashboardArgs{
			Logger:    logger,
			App:       app,
			Central:   central,
			Bridge:    bridge,
			Engine:    engine,
			Control:   control,
			LocalName: v.GetString("device-name"),
			LogChan:   logChan,
		})
		must("run dashboard", dashboard.Run())
		dashboard.Shutdown()
	}

	if monitor != nil {
		monitor.Stop()
	}
	if sim != nil {
		sim.Stop()
	}
	bridge.Shutdown()
	broadcaster.Stop()
	engine.Stop()
	central.Shutdown()
	logger.Println("fitness connector: shutdown complete")
}

// runHeadless streams JSON status lines to stdout until the feed ends or a
// signal arrives.
func runHeadless(logger *log.Logger, engine *connector.Engine, control *ftms.ControlPoint, useFeed bool) {
	status := connector.NewStatusWriter(logger, engine, control, os.Stdout)
	status.Start()

	if useFeed {
		feed := connector.NewFeed(logger, engine, nil)
		if err := feed.Run(os.Stdin); err != nil {
			logger.Printf("feed error: %v", err)
		}
	} else {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		logger.Printf("received %s, shutting down", sig)
	}

	status.Stop()
}

func loadConfig() *viper.Viper {
	flags := pflag.NewFlagSet("fitness-connector", pflag.ExitOnError)
	flags.String("config", "", "config file (default ~/.fitness-machine-connector/config.yaml)")
	flags.String("device-name", "TD Bike", "name advertised to head units")
	flags.String("profile", "extended", "indoor bike data layout: minimal or extended")
	flags.Duration("broadcast-period", connector.DefaultBroadcastPeriod, "interval between outgoing frames")
	flags.String("specs-dir", "", "directory of extra device spec JSON files")
	flags.String("state-file", "", "where remembered pairings are stored")
	flags.String("log-file", defaultLogFile(), "log destination")
	flags.Bool("auto-connect", true, "connect to any supported sensor seen in a scan")
	flags.Bool("scan-filter", false, "restrict scanning to supported services (hides broadcast-only bikes)")
	flags.Bool("sim", false, "feed the broadcast from a built-in ride simulator")
	flags.Bool("headless", false, "run without the terminal UI, emitting JSON status lines")
	flags.Bool("feed", false, "read metric JSON lines from stdin (implies --headless)")
	flags.String("monitor-addr", "", "serve the web monitor on this address, e.g. :8080")
	must("parse flags", flags.Parse(os.Args[1:]))

	v := viper.New()
	must("bind flags", v.BindPFlags(flags))
	v.SetEnvPrefix("FMC")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if cfgFile, _ := flags.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		must("read config file", v.ReadInConfig())
	} else {
		v.SetConfigName("config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".fitness-machine-connector"))
		}
		// The default config file is optional; only an explicit one must exist.
		_ = v.ReadInConfig()
	}
	return v
}

// buildLogger writes to a rotated log file, plus tee for the dashboard's
// log tail and stderr in headless mode. Stdout stays clean for the status
// stream.
func buildLogger(logFile string, tee io.Writer, alsoStderr bool) *log.Logger {
	writers := []io.Writer{&lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
	}}
	if tee != nil {
		writers = append(writers, tee)
	}
	if alsoStderr {
		writers = append(writers, os.Stderr)
	}
	return log.New(io.MultiWriter(writers...), "", log.LstdFlags)
}

func defaultLogFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "fitness-connector.log"
	}
	return filepath.Join(home, ".fitness-machine-connector", "connector.log")
}

// chanWriter copies each log write into a channel for the dashboard's log
// tail, dropping lines when the reader falls behind.
type chanWriter struct {
	ch chan string
}

func (w *chanWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- string(p):
	default:
	}
	return len(p), nil
}

func must(action string, err error) {
	if err != nil {
		panic("failed to " + action + ": " + err.Error())
	}
}

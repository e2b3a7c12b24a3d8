// Package main is the btagent daemon.
package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	btagent "github.com/edgelinkio/btagent"
	"github.com/edgelinkio/btagent/bluetooth"
	"github.com/edgelinkio/btagent/bluez"
	"github.com/edgelinkio/btagent/httpapi"
	"github.com/edgelinkio/btagent/relay"
	"github.com/edgelinkio/btagent/service"
	"github.com/edgelinkio/btagent/vsp"
	"github.com/jessevdk/go-flags"
	"github.com/nightlyone/lockfile"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

var (
	activeBackgroundWorkers sync.WaitGroup

	// only changed/set at startup, so no mutex.
	globalLogger = logging.NewLogger("btagent")
)

//nolint:lll
type agentOpts struct {
	Config  string `default:"/etc/btagent.json"              description:"Path to config file"    long:"config"  short:"c"`
	Debug   bool   `description:"Enable debug logging"       env:"BTAGENT_DEBUG"                  long:"debug"   short:"d"`
	Help    bool   `description:"Show this help message"     long:"help"                          short:"h"`
	Version bool   `description:"Show version"               long:"version"                       short:"v"`
	Install bool   `description:"Install systemd service"    long:"install"`
	DevMode bool   `description:"Allow non-root operation"   env:"BTAGENT_DEVMODE"                long:"dev-mode"`
}

func main() {
	ctx, cancel := setupExitSignalHandling()

	defer func() {
		cancel()
		activeBackgroundWorkers.Wait()
	}()

	var opts agentOpts

	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	parser.Usage = "runs as a background service exposing bluetooth controllers over a local REST API."

	_, err := parser.Parse()
	exitIfError(err)

	if opts.Help {
		var b bytes.Buffer
		parser.WriteHelp(&b)
		//nolint:forbidigo
		fmt.Println(b.String())
		return
	}

	if opts.Version {
		//nolint:forbidigo
		fmt.Printf("Version: %s\nGit Revision: %s\n", btagent.GetVersion(), btagent.GetRevision())
		return
	}

	if opts.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	// need to be root to talk to bluez and manage the system service
	curUser, err := user.Current()
	exitIfError(err)
	if curUser.Uid != "0" && !opts.DevMode {
		//nolint:forbidigo
		fmt.Printf("btagent must be run as root (uid 0), but current user is %s (uid %s)\n", curUser.Username, curUser.Uid)
		return
	}

	if opts.Install {
		exitIfError(service.Install(globalLogger.AsZap()))
		return
	}

	// use a lockfile to prevent running two agents on the same machine
	pidFile, err := getLock()
	exitIfError(err)
	defer func() {
		if err := pidFile.Unlock(); err != nil {
			globalLogger.Error(errors.Wrapf(err, "unlocking %s", pidFile))
		}
	}()

	globalLogger.Infof("btagent Version: %s Git Revision: %s", btagent.GetVersion(), btagent.GetRevision())

	cfg, err := btagent.LoadConfig(opts.Config)
	exitIfError(err)
	if cfg.Debug {
		globalLogger.SetLevel(logging.DEBUG)
	}

	if err := service.CheckBluezVersion(ctx, globalLogger); err != nil {
		globalLogger.Warn(err)
	}

	bus, err := bluez.NewSystemBus(globalLogger.Sublogger("dbus"))
	exitIfError(err)
	defer func() {
		if err := bus.Close(); err != nil {
			globalLogger.Error(errors.Wrap(err, "closing system bus"))
		}
	}()

	manager := bluetooth.NewManager(bus, globalLogger.Sublogger("bluetooth"))
	exitIfError(manager.Registry().Discover(ctx, cfg.RenumberControllers))

	relayPlugin := relay.NewPlugin(bus, globalLogger.Sublogger("relay"))
	vspPlugin := vsp.NewPlugin(bus, manager, globalLogger.Sublogger("vsp"))
	manager.RegisterPlugin(relayPlugin)
	manager.RegisterPlugin(vspPlugin)

	exitIfError(manager.StartMonitor(ctx))

	srv := httpapi.NewServer(manager, bus, globalLogger.Sublogger("http"), cfg.HTTPBind)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		if err := srv.Serve(ctx); err != nil {
			globalLogger.Error(errors.Wrap(err, "http server"))
		}
	}()

	service.NotifyReady(globalLogger)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		service.RunWatchdog(ctx, globalLogger)
	}()

	<-ctx.Done()
	service.NotifyStopping(globalLogger)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second*10)
	defer shutdownCancel()
	vspPlugin.Shutdown(shutdownCtx)
	relayPlugin.Shutdown()
	manager.Close()
}

func setupExitSignalHandling() (context.Context, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 16)
	activeBackgroundWorkers.Add(1)
	go func() {
		defer activeBackgroundWorkers.Done()
		defer cancel()
		for {
			var sig os.Signal
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case sig = <-sigChan:
			}

			switch sig {
			// things we exit for
			case os.Interrupt:
				fallthrough
			case syscall.SIGQUIT:
				fallthrough
			case syscall.SIGABRT:
				fallthrough
			case syscall.SIGTERM:
				globalLogger.Info("exiting")
				signal.Ignore(os.Interrupt, syscall.SIGTERM, syscall.SIGABRT) // keeping SIGQUIT for stack trace debugging
				return

			// SIGHUP will eventually trigger a config reload instead of exit
			case syscall.SIGHUP:

			// log everything else
			default:
				globalLogger.Debugw("received unknown signal", "signal", sig)
			}
		}
	}()

	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGABRT)
	return ctx, cancel
}

// helper to log.Fatal if error is non-nil.
func exitIfError(err error) {
	if err != nil {
		globalLogger.Fatal(err)
	}
}

func getLock() (lockfile.Lockfile, error) {
	pidFile, err := lockfile.New(filepath.Join(os.TempDir(), "btagent.pid"))
	if err != nil {
		return "", errors.Wrap(err, "init lockfile")
	}
	err = pidFile.TryLock()
	if err == nil {
		return pidFile, nil
	}

	globalLogger.Warn(errors.Wrapf(err, "locking %s", pidFile))

	// if it's a potentially temporary error, retry
	if errors.Is(err, lockfile.ErrBusy) || errors.Is(err, lockfile.ErrNotExist) {
		time.Sleep(2 * time.Second)
		globalLogger.Warn("retrying lock")
		err = pidFile.TryLock()
		if err == nil {
			return pidFile, nil
		}

		// if (still) busy, validate that the PID in question is actually btagent
		// some systems use sequential, low numbered PIDs that can easily repeat after a reboot or crash
		// this could result some other valid/running process that matches a leftover lockfile PID
		if errors.Is(err, lockfile.ErrBusy) {
			var staleFile bool
			proc, err := pidFile.GetOwner()
			if err != nil {
				globalLogger.Error(errors.Wrap(err, "getting lockfile owner"))
				staleFile = true
			}
			runPath, err := filepath.EvalSymlinks(fmt.Sprintf("/proc/%d/exe", proc.Pid))
			if err != nil {
				globalLogger.Error(errors.Wrap(err, "cannot get info on lockfile owner"))
				staleFile = true
			} else if !strings.Contains(runPath, "btagent") {
				globalLogger.Warn("lockfile owner isn't btagent")
				staleFile = true
			}
			if staleFile {
				globalLogger.Warnf("deleting lockfile %s", pidFile)
				if err := os.RemoveAll(string(pidFile)); err != nil {
					return "", errors.Wrap(err, "removing lockfile")
				}
				return pidFile, pidFile.TryLock()
			}
			return "", errors.Errorf("other instance of btagent is already running with PID: %d", proc.Pid)
		}
	}
	return "", err
}

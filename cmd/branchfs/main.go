// Command branchfs mounts a single branch-per-file git repository as a
// local FUSE filesystem.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/branchfs/branchfs/internal/branchconfig"
	"github.com/branchfs/branchfs/internal/branchlog"
	"github.com/branchfs/branchfs/internal/controlserver"
	"github.com/branchfs/branchfs/internal/tokenprompt"
	"github.com/branchfs/branchfs/remote/git"
	"github.com/branchfs/branchfs/vfs"
	"github.com/branchfs/branchfs/vfs/fuseadapter"
)

func main() {
	if err := rootCommand.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCommand = &cobra.Command{
	Use:   "branchfs",
	Short: "Mount a branch-per-file git repository as a FUSE filesystem",
}

func init() {
	rootCommand.AddCommand(mountCommand)

	defaults := branchconfig.Defaults()
	cmdFlags := mountCommand.Flags()
	cmdFlags.Int64("cache-size-gb", defaults.CacheSizeGB, "local cache capacity, in gigabytes")
	cmdFlags.Duration("sync-interval", defaults.SyncInterval, "how often the manifest is synchronized with the remote")
	cmdFlags.Int("workers", defaults.Workers, "worker pool size for remote mutations")
	cmdFlags.String("base-dir", defaults.BaseDir, "local state directory (cache, scratch, canonical clone)")
	cmdFlags.Int("control-port", defaults.ControlPort, "control server port on 127.0.0.1, 0 disables")
}

var mountCommand = &cobra.Command{
	Use:   "mount <username> <remote-url> <mountpoint>",
	Short: "Clone the repository and mount it at mountpoint",
	Args:  cobra.ExactArgs(3),
	RunE: func(command *cobra.Command, args []string) error {
		return runMount(command, args[0], args[1], args[2])
	},
}

func runMount(command *cobra.Command, username, remoteURL, mountpoint string) error {
	opts, err := resolveOptions(command)
	if err != nil {
		return err
	}

	token, err := tokenprompt.Resolve(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}
	credentialedURL, err := embedCredentials(remoteURL, username, token)
	if err != nil {
		return err
	}

	if err := branchconfig.Save(opts); err != nil {
		return err
	}

	log := branchlog.New(logrus.New())
	runner := &git.CLIRunner{}
	v := vfs.New(vfs.Options{
		BaseDir:            opts.BaseDir,
		RemoteURL:          credentialedURL,
		DefaultBranch:      "main",
		CacheCapacityBytes: opts.CacheCapacityBytes(),
		SyncInterval:       opts.SyncInterval,
		Workers:            opts.Workers,
		OpenTimeout:        30 * time.Second,
	}, runner, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := v.Bootstrap(ctx); err != nil {
		return err
	}

	// Bootstrap has already completed by the time the control server
	// starts, so readiness is unconditional.
	var control *controlserver.Server
	if opts.ControlPort != 0 {
		control = controlserver.New(v, func() bool { return true })
		addr := fmt.Sprintf("127.0.0.1:%d", opts.ControlPort)
		go func() {
			if err := serveControl(addr, control); err != nil {
				log.Errorf("control", "control server stopped: %v", err)
			}
		}()
	}

	go v.Run(ctx)

	host := fuseadapter.NewHost(v)
	go func() {
		if !host.Mount(mountpoint, nil) {
			log.Errorf("mount", "fuse mount exited with failure for %s", mountpoint)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Warnf("mount", "shutting down")
	cancel()
	host.Unmount()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return v.Shutdown(shutdownCtx)
}

// resolveOptions merges compiled defaults, an existing branchfs.toml
// under the resolved base directory, and any flags the caller actually
// set, in that increasing order of precedence.
func resolveOptions(command *cobra.Command) (branchconfig.Options, error) {
	opts := branchconfig.Defaults()

	flags := command.Flags()
	if baseDir, err := flags.GetString("base-dir"); err == nil {
		opts.BaseDir = baseDir
	}

	merged, err := branchconfig.LoadFile(opts, branchconfig.ConfigPath(opts.BaseDir))
	if err != nil {
		return branchconfig.Options{}, err
	}
	opts = merged

	if flags.Changed("cache-size-gb") {
		opts.CacheSizeGB, _ = flags.GetInt64("cache-size-gb")
	}
	if flags.Changed("sync-interval") {
		opts.SyncInterval, _ = flags.GetDuration("sync-interval")
	}
	if flags.Changed("workers") {
		opts.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("base-dir") {
		opts.BaseDir, _ = flags.GetString("base-dir")
	}
	if flags.Changed("control-port") {
		opts.ControlPort, _ = flags.GetInt("control-port")
	}
	return opts, nil
}

// embedCredentials builds the clone/push URL branchfs authenticates
// with, embedding username and token as userinfo.
func embedCredentials(remoteURL, username, token string) (string, error) {
	parsed, err := url.Parse(remoteURL)
	if err != nil {
		return "", err
	}
	parsed.User = url.UserPassword(username, token)
	return parsed.String(), nil
}

func serveControl(addr string, handler *controlserver.Server) error {
	server := &http.Server{Addr: addr, Handler: handler}
	return server.ListenAndServe()
}

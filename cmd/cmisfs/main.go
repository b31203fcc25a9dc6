// cmisfs mounts a CMIS repository (browser binding) as a filesystem.
//
// Sub-commands:
//
//	cmisfs mount [flags] [mountpoint]  Mount the repository (default)
//	cmisfs ls [flags] [path]           List a folder without mounting
//	cmisfs info [flags]                Show repository information
//	cmisfs login [flags]               Save a bearer token
//	cmisfs logout [flags]              Remove the saved token
//
// Every flag can also be set through a CMISFS_* environment variable or a
// YAML file given with -config.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/fruitsalade/cmisfs/internal/config"
	"github.com/fruitsalade/cmisfs/internal/logging"
	"github.com/fruitsalade/cmisfs/internal/metrics"
	"github.com/fruitsalade/cmisfs/internal/mount"
	"github.com/fruitsalade/cmisfs/pkg/buffer"
	"github.com/fruitsalade/cmisfs/pkg/cache"
	"github.com/fruitsalade/cmisfs/pkg/cmis"
	"github.com/fruitsalade/cmisfs/pkg/retry"
	"github.com/fruitsalade/cmisfs/pkg/vfs"
)

func main() {
	args := os.Args[1:]
	cmd := "mount"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "mount", "ls", "info", "login", "logout":
			cmd, args = args[0], args[1:]
		}
	}

	var err error
	switch cmd {
	case "ls":
		err = cmdList(args)
	case "info":
		err = cmdInfo(args)
	case "login":
		err = cmdLogin(args)
	case "logout":
		err = cmdLogout(args)
	default:
		err = cmdMount(args)
	}
	logging.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func cmdMount(args []string) error {
	cfg, rest, err := config.Load("mount", args)
	if err != nil {
		return err
	}
	if cfg.MountPoint == "" && len(rest) > 0 {
		cfg.MountPoint = rest[0]
	}
	if err := cfg.ValidateMount(); err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	info, err := client.Connect(ctx)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.URL, err)
	}
	logging.Info("connected",
		logging.String("url", cfg.URL),
		logging.String("repository", info.ID),
		logging.String("product", strings.TrimSpace(info.ProductName+" "+info.ProductVersion)))

	if cfg.MetricsAddr != "" {
		go func() {
			logging.Info("serving metrics", logging.String("addr", cfg.MetricsAddr))
			if err := metrics.Serve(cfg.MetricsAddr); err != nil {
				logging.Error("metrics server stopped", logging.Err(err))
			}
		}()
	}

	d := newDispatcher(cfg, client)
	defer d.Close()

	backend, err := mount.New(cfg.Backend, mount.Options{
		MountPoint:  cfg.MountPoint,
		AllowOther:  cfg.AllowOther,
		Debug:       cfg.Debug,
		AttrTimeout: cfg.AttrTimeout,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Info("unmounting", logging.Path(cfg.MountPoint))
		cancel()
		backend.Stop()
	}()

	logging.Info("mounting", logging.String("backend", backend.Name()), logging.Path(cfg.MountPoint))
	err = backend.Start(ctx, d)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s backend: %w", backend.Name(), err)
	}

	s := d.Stats()
	logging.Info("stopped",
		logging.Int64("content_fetches", s.ContentFetches),
		logging.Int64("uploads", s.Uploads),
		logging.Int64("bytes_read", s.BytesRead),
		logging.Int64("bytes_written", s.BytesWritten),
		logging.Int64("renames", s.Renames),
		logging.Int64("errors", s.Errors))
	return nil
}

func cmdList(args []string) error {
	cfg, rest, err := config.Load("ls", args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	path := "/"
	if len(rest) > 0 {
		path = rest[0]
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	d := newDispatcher(cfg, client)
	defer d.Close()
	return list(context.Background(), os.Stdout, d, path)
}

// list prints the children of path with their kind and size.
func list(ctx context.Context, w io.Writer, d *vfs.Dispatcher, path string) error {
	entries, err := d.ReadDir(ctx, path)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if e.Dir {
			fmt.Fprintf(tw, "%s/\tfolder\t-\n", e.Name)
			continue
		}
		size := "-"
		if a, err := d.GetAttr(ctx, joinPath(path, e.Name)); err == nil {
			size = fmt.Sprintf("%d", a.Size)
		}
		fmt.Fprintf(tw, "%s\tdocument\t%s\n", e.Name, size)
	}
	return tw.Flush()
}

func joinPath(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

func cmdInfo(args []string) error {
	cfg, _, err := config.Load("info", args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}
	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	info, err := client.Connect(context.Background())
	if err != nil {
		return err
	}
	printInfo(os.Stdout, info)
	return nil
}

func printInfo(w io.Writer, info *cmis.RepositoryInfo) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Repository:\t%s\n", info.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", info.Name)
	if info.Description != "" {
		fmt.Fprintf(tw, "Description:\t%s\n", info.Description)
	}
	fmt.Fprintf(tw, "Vendor:\t%s\n", info.VendorName)
	fmt.Fprintf(tw, "Product:\t%s %s\n", info.ProductName, info.ProductVersion)
	fmt.Fprintf(tw, "CMIS version:\t%s\n", info.CMISVersion)
	fmt.Fprintf(tw, "Root folder:\t%s\n", info.RootFolderID)
	fmt.Fprintf(tw, "Root folder URL:\t%s\n", info.RootFolderURL)
	tw.Flush()
}

func cmdLogin(args []string) error {
	cfg, _, err := config.Load("login", args)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	token := cfg.Token
	if token == "" {
		fmt.Print("Token: ")
		b, err := readSecret()
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(string(b))
	}
	if token == "" {
		return errors.New("no token given")
	}
	if err := cmis.CheckToken(token, 0); err != nil {
		return err
	}

	client := cmis.New(clientConfig(cfg, cmis.Credentials{Token: token}))
	if _, err := client.Connect(context.Background()); err != nil {
		return fmt.Errorf("token rejected by %s: %w", cfg.URL, err)
	}

	path := tokenPath(cfg)
	tf := &cmis.TokenFile{Token: token, Server: cfg.URL, SavedAt: time.Now()}
	if err := cmis.SaveToken(path, tf); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	fmt.Printf("Login successful! Token saved to %s\n", path)
	return nil
}

func cmdLogout(args []string) error {
	cfg, _, err := config.Load("logout", args)
	if err != nil {
		return err
	}
	path := tokenPath(cfg)
	if err := cmis.DeleteToken(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	fmt.Printf("Removed %s\n", path)
	return nil
}

func initLogging(cfg *config.Config) error {
	lc := logging.DefaultConfig()
	lc.Level = cfg.LogLevel
	lc.Format = cfg.LogFormat
	if cfg.LogFile != "" {
		lc.Output = cfg.LogFile
	}
	return logging.Init(lc)
}

func tokenPath(cfg *config.Config) string {
	if cfg.TokenFile != "" {
		return cfg.TokenFile
	}
	return cmis.TokenFilePath()
}

// credentials picks the authentication for cfg: an explicit token, then
// user and password (prompting for a missing password), then a token saved
// by "cmisfs login" for the same URL.
func credentials(cfg *config.Config, prompt func() ([]byte, error)) (cmis.Credentials, error) {
	switch {
	case cfg.Token != "":
		if err := cmis.CheckToken(cfg.Token, 0); err != nil {
			return cmis.Credentials{}, err
		}
		return cmis.Credentials{Token: cfg.Token}, nil
	case cfg.User != "":
		password := cfg.Password
		if password == "" && prompt != nil {
			b, err := prompt()
			if err != nil {
				return cmis.Credentials{}, fmt.Errorf("read password: %w", err)
			}
			password = string(b)
		}
		return cmis.Credentials{User: cfg.User, Password: password}, nil
	}

	tf, err := cmis.LoadToken(tokenPath(cfg))
	if err != nil || tf.Server != cfg.URL {
		return cmis.Credentials{}, nil
	}
	if tf.IsExpired(0) {
		return cmis.Credentials{}, fmt.Errorf("saved token has expired, run 'cmisfs login': %w", cmis.ErrTokenExpired)
	}
	logging.Info("using saved token", logging.String("server", tf.Server))
	return cmis.Credentials{Token: tf.Token}, nil
}

func readSecret() ([]byte, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		return []byte(strings.TrimRight(line, "\r\n")), err
	}
	return term.ReadPassword(int(syscall.Stdin))
}

func promptPassword() ([]byte, error) {
	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)
	return readSecret()
}

func clientConfig(cfg *config.Config, creds cmis.Credentials) cmis.Config {
	rc := retry.DefaultConfig()
	rc.MaxAttempts = cfg.RetryAttempts
	return cmis.Config{
		URL:          cfg.URL,
		RepositoryID: cfg.RepositoryID,
		Credentials:  creds,
		Timeout:      cfg.Timeout,
		PageSize:     cfg.PageSize,
		RetryConfig:  rc,
	}
}

func newClient(cfg *config.Config) (*cmis.Client, error) {
	creds, err := credentials(cfg, promptPassword)
	if err != nil {
		return nil, err
	}
	return cmis.New(clientConfig(cfg, creds)), nil
}

func newDispatcher(cfg *config.Config, client *cmis.Client) *vfs.Dispatcher {
	cacheCfg := cache.Config{TTL: cfg.CacheTTL, Capacity: cfg.CacheCapacity}
	dcfg := vfs.DefaultConfig()
	dcfg.Buffer = buffer.Config{Threshold: int(cfg.WriteThreshold), SpillDir: cfg.SpillDir}
	return vfs.New(client, cache.NewObjectCache(cacheCfg), cache.NewFolderCache(cacheCfg), dcfg)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/term"

	"github.com/dirvault/dirvault"
)

// stringList collects repeated flag values.
type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// cliEnv bundles the process-level state every command needs.
type cliEnv struct {
	cfg *dirvault.EnvConfig
	log *logrus.Logger
}

func newCLIEnv() (*cliEnv, error) {
	cfg, err := dirvault.LoadEnvConfig()
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	return &cliEnv{cfg: cfg, log: log}, nil
}

// password returns the passphrase for an encrypted directory, preferring
// the environment over an interactive prompt. With confirm set the prompt
// is repeated and both entries must match.
func (e *cliEnv) password(confirm bool) ([]byte, error) {
	if e.cfg.Password != "" {
		return []byte(e.cfg.Password), nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	first, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if !confirm {
		return first, nil
	}
	fmt.Fprint(os.Stderr, "Confirm password: ")
	second, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, err
	}
	if string(first) != string(second) {
		dirvault.Zero(first)
		dirvault.Zero(second)
		return nil, errors.New("passwords do not match")
	}
	dirvault.Zero(second)
	return first, nil
}

func (e *cliEnv) openOptions() dirvault.OpenOptions {
	return dirvault.OpenOptions{
		Password:  func() ([]byte, error) { return e.password(false) },
		ChunkSize: uint32(e.cfg.ChunkSize),
	}
}

// openSyncer opens both trees and wires a Syncer. The local side must be
// plaintext; the remote side may be either.
func (e *cliEnv) openSyncer(localDir, remoteDir string, opts dirvault.SyncOptions) (*dirvault.Syncer, error) {
	local, err := dirvault.OpenDir(localDir, e.openOptions())
	if err != nil {
		return nil, err
	}
	remote, err := dirvault.OpenDir(remoteDir, e.openOptions())
	if err != nil {
		return nil, err
	}
	return dirvault.NewSyncer(e.log, local, remote, opts)
}

func runCLI(argv []string) error {
	if len(argv) < 2 || argv[1] == "help" || argv[1] == "-h" || argv[1] == "--help" {
		printHelp()
		return nil
	}
	env, err := newCLIEnv()
	if err != nil {
		return err
	}

	command := argv[1]
	args := argv[2:]
	switch command {
	case "push", "pull":
		return env.runSync(command, args)
	case "watch-push", "watch-pull":
		return env.runWatch(command, args)
	case "init-plain", "init-crypt":
		return env.runInit(command, args)
	case "change-password":
		return env.runChangePassword(args)
	case "rebuild-meta":
		return env.runRebuildMeta(args)
	case "check":
		return env.runCheck(args)
	case "version", "--version":
		fmt.Println("dirvault " + dirvault.Version)
		return nil
	default:
		return fmt.Errorf("unknown command %q, try 'dirvault help'", command)
	}
}

func (e *cliEnv) syncFlags(command string, args []string) (opts dirvault.SyncOptions, rest []string, err error) {
	fs := flag.NewFlagSet("dirvault "+command, flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose output")
	diffonly := fs.Bool("d", false, "only compute diffs, do not copy")
	useCtime := fs.Bool("c", false, "treat source ctime changes as modifications")
	if err := fs.Parse(args); err != nil {
		return opts, nil, err
	}
	if fs.NArg() != 2 {
		return opts, nil, fmt.Errorf("usage: dirvault %s [-v] [-d] [-c] LOCAL_DIR REMOTE_DIR", command)
	}
	opts = dirvault.SyncOptions{
		Verbose:  *verbose,
		DiffOnly: *diffonly,
		UseCtime: *useCtime,
	}
	return opts, fs.Args(), nil
}

func (e *cliEnv) runSync(command string, args []string) error {
	opts, dirs, err := e.syncFlags(command, args)
	if err != nil {
		return err
	}
	syncer, err := e.openSyncer(dirs[0], dirs[1], opts)
	if err != nil {
		return err
	}
	direction := dirvault.Push
	if command == "pull" {
		direction = dirvault.Pull
	}
	report, err := syncer.Sync(direction)
	if err != nil {
		return err
	}
	if n := len(report.Failures()); n > 0 {
		return fmt.Errorf("%d paths failed", n)
	}
	return nil
}

func (e *cliEnv) runWatch(command string, args []string) error {
	opts, dirs, err := e.syncFlags(command, args)
	if err != nil {
		return err
	}
	syncer, err := e.openSyncer(dirs[0], dirs[1], opts)
	if err != nil {
		return err
	}
	direction := dirvault.Push
	if command == "watch-pull" {
		direction = dirvault.Pull
	}
	watcher, err := dirvault.NewWatcher(e.log, syncer, direction, dirvault.WatchOptions{
		Settle: time.Duration(e.cfg.SettleMillis) * time.Millisecond,
	})
	if err != nil {
		return err
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (e *cliEnv) runInit(command string, args []string) error {
	fs := flag.NewFlagSet("dirvault "+command, flag.ContinueOnError)
	overwrite := fs.Bool("o", false, "overwrite config file if it already exists")
	var exclude stringList
	fs.Var(&exclude, "x", "filename pattern to exclude (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: dirvault %s [-o] [-x PATTERN] DIR_PATH", command)
	}
	dirType := dirvault.DirTypePlain
	var password []byte
	if command == "init-crypt" {
		dirType = dirvault.DirTypeCrypt
		pw, err := e.password(true)
		if err != nil {
			return err
		}
		defer dirvault.Zero(pw)
		password = pw
	}
	return dirvault.InitConfig(dirType, fs.Arg(0), exclude, password, *overwrite)
}

func (e *cliEnv) runChangePassword(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dirvault change-password DIR_PATH")
	}
	fmt.Fprintln(os.Stderr, "Current password")
	oldPw, err := e.password(false)
	if err != nil {
		return err
	}
	defer dirvault.Zero(oldPw)
	fmt.Fprintln(os.Stderr, "New password")
	newPw, err := e.promptNew()
	if err != nil {
		return err
	}
	defer dirvault.Zero(newPw)
	return dirvault.ChangePassword(args[0], oldPw, newPw)
}

// promptNew always prompts interactively: the environment password is the
// current one, not the replacement.
func (e *cliEnv) promptNew() ([]byte, error) {
	saved := e.cfg.Password
	e.cfg.Password = ""
	defer func() { e.cfg.Password = saved }()
	return e.password(true)
}

func (e *cliEnv) runRebuildMeta(args []string) error {
	if len(args) != 1 {
		return errors.New("usage: dirvault rebuild-meta DIR_PATH")
	}
	dir, err := dirvault.OpenDir(args[0], e.openOptions())
	if err != nil {
		return err
	}
	rebuilder, ok := dir.(dirvault.MetaRebuilder)
	if !ok {
		return errors.New(args[0] + " is not an encrypted directory")
	}
	if err := rebuilder.RebuildMeta(); err != nil {
		return err
	}
	e.log.Infof("rebuilt metadata for %d entries", len(dir.Included()))
	return nil
}

func (e *cliEnv) runCheck(args []string) error {
	fs := flag.NewFlagSet("dirvault check", flag.ContinueOnError)
	verbose := fs.Bool("v", false, "verbose output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("usage: dirvault check [-v] LOCAL_DIR REMOTE_DIR")
	}
	syncer, err := e.openSyncer(fs.Arg(0), fs.Arg(1), dirvault.SyncOptions{Verbose: *verbose})
	if err != nil {
		return err
	}
	result, err := syncer.Verify(dirvault.ChecksumXXHash)
	if err != nil {
		return err
	}
	result.Diff.Output(e.log, *verbose)
	for _, p := range result.Mismatched {
		e.log.Errorf("MISMATCH: %s", p)
	}
	for _, rec := range result.Errored {
		e.log.Errorf("CHECK FAILED: %s -> %v", rec.Path, rec.Err)
	}
	e.log.Infof("checked %d file pairs", result.Checked)
	if !result.Clean() {
		return errors.New("directories differ")
	}
	return nil
}

func printHelp() {
	fmt.Println(`dirvault — synchronize a directory with an encrypted mirror

USAGE:
  dirvault push        [-v] [-d] [-c] LOCAL_DIR REMOTE_DIR
  dirvault pull        [-v] [-d] [-c] LOCAL_DIR REMOTE_DIR
  dirvault watch-push  [-v] [-c] LOCAL_DIR REMOTE_DIR
  dirvault watch-pull  [-v] [-c] LOCAL_DIR REMOTE_DIR
  dirvault check       [-v] LOCAL_DIR REMOTE_DIR
  dirvault init-plain  [-o] [-x PATTERN] DIR_PATH
  dirvault init-crypt  [-o] [-x PATTERN] DIR_PATH
  dirvault change-password DIR_PATH
  dirvault rebuild-meta    DIR_PATH
  dirvault version

ENV:
  DIRVAULT_PASSWORD    passphrase (skips the prompt)
  DIRVAULT_CHUNK_SIZE  encryption chunk size in bytes (default 4096)
  DIRVAULT_SETTLE_MS   watch settle window in milliseconds (default 200)
  DIRVAULT_LOG_LEVEL   trace|debug|info|warn|error (default info)

EXAMPLES:
  dirvault init-crypt /backup/vault
  dirvault push /home/me/docs /backup/vault
  dirvault watch-push /home/me/docs /backup/vault
  dirvault pull /home/me/docs /backup/vault`)
}

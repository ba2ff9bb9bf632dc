// Package cli implements vaultctl, a single-user terminal client that runs
// the wizard, position reader and recovery sweep in-process with sessions
// persisted under a local state directory.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/jdai/vault-engine/internal/config"
	"github.com/jdai/vault-engine/internal/ledger"
	"github.com/jdai/vault-engine/internal/logging"
	"github.com/jdai/vault-engine/internal/position"
	"github.com/jdai/vault-engine/internal/recovery"
	"github.com/jdai/vault-engine/internal/store"
	"github.com/jdai/vault-engine/internal/verify"
	"github.com/jdai/vault-engine/internal/wizard"
)

// Deps replaces what the root command would otherwise build from the
// loaded configuration. Nil fields are built normally.
type Deps struct {
	Config *config.Config
	Client ledger.Client
	Fs     afero.Fs
	In     io.Reader
}

type app struct {
	deps Deps

	// flags
	address  string
	stateDir string
	jsonOut  bool
	yes      bool
	verbose  bool

	cfg     config.Config
	client  ledger.Client
	in      *bufio.Reader
	out     io.Writer
	errOut  io.Writer
	manager *wizard.Manager
	poller  *position.Poller
	sweeper *recovery.Sweeper
}

// NewRoot builds the vaultctl command tree.
func NewRoot(deps Deps) *cobra.Command {
	a := &app{deps: deps}
	cmd := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Drive vault operations one verified step at a time",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
		RunE: func(c *cobra.Command, _ []string) error { return c.Help() },
	}
	pf := cmd.PersistentFlags()
	pf.StringVar(&a.address, "address", "", "vault owner (defaults to the keystore account)")
	pf.StringVar(&a.stateDir, "state-dir", "", "session and recovery record directory (default ~/.vaultctl)")
	pf.BoolVar(&a.jsonOut, "json", false, "print JSON instead of text")
	pf.BoolVarP(&a.yes, "yes", "y", false, "sign transactions without prompting")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "log to stderr at the configured level")

	cmd.AddCommand(newPositionCmd(a))
	cmd.AddCommand(newOperationsCmd(a))
	cmd.AddCommand(newWizardCmd(a))
	cmd.AddCommand(newRecoveryCmd(a))
	return cmd
}

func (a *app) setup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.errOut = cmd.ErrOrStderr()
	in := a.deps.In
	if in == nil {
		in = os.Stdin
	}
	a.in = bufio.NewReader(in)

	if a.deps.Config != nil {
		a.cfg = *a.deps.Config
	} else {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		a.cfg = cfg
	}
	level := slog.LevelWarn
	if a.verbose {
		level = logging.ParseLevel(a.cfg.LogLevel)
	}
	logging.New(a.errOut, "vaultctl", a.cfg.Env, level)

	a.client = a.deps.Client
	if a.client == nil {
		client, err := a.openLedger(cmd.Context())
		if err != nil {
			return err
		}
		a.client = client
	}

	fs := a.deps.Fs
	if fs == nil {
		fs = afero.NewOsFs()
	}
	dir, err := a.resolveStateDir()
	if err != nil {
		return err
	}
	st := store.NewFileStore(fs, dir)

	ilk := a.cfg.Ledger.Ilk
	reader := position.NewReader(a.client, ilk, a.cfg.SafetyRatio.Decimal, nil)
	a.poller = position.NewPoller(reader, a.cfg.PollInterval.Duration, nil)
	a.manager = wizard.NewManager(a.client, verify.New(a.client, ilk, a.cfg.Epsilon.Decimal), st, wizard.Config{
		Ilk:    ilk,
		TTL:    a.cfg.SessionTTL.Duration,
		Poller: a.poller,
	})
	a.sweeper = recovery.New(a.client, a.manager, st, ilk, a.cfg.DustAmount.Decimal)
	return nil
}

func (a *app) resolveStateDir() (string, error) {
	switch {
	case a.stateDir != "":
		return a.stateDir, nil
	case a.cfg.StateDir != "":
		return a.cfg.StateDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".vaultctl"), nil
}

func (a *app) openLedger(ctx context.Context) (ledger.Client, error) {
	if a.cfg.DevMode() {
		slog.Warn("RPC_URL not set, using a fresh in-memory ledger")
		mem := ledger.NewMemory(a.cfg.Ledger.Contracts)
		mem.SetOracle(decimal.NewFromInt(2), decimal.NewFromInt(1), decimal.RequireFromString("1.5"))
		if a.cfg.DevFund != "" {
			mem.Fund(a.cfg.DevFund, decimal.NewFromInt(10_000), decimal.NewFromInt(1_000))
		}
		return mem, nil
	}

	var signer ledger.Signer
	if a.cfg.Ledger.Keystore != "" {
		ks, err := ledger.LoadKeystoreSigner(a.cfg.Ledger.Keystore, a.cfg.Passphrase(), a.confirm)
		if err != nil {
			return nil, err
		}
		signer = ks
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	eth, err := ledger.DialEth(dialCtx, a.cfg.Ledger.RPCURL, signer, a.cfg.EthConfig())
	if err != nil {
		return nil, err
	}
	return eth, nil
}

// confirm asks before every signature unless --yes was given.
func (a *app) confirm(_ context.Context, s ledger.TxSummary) bool {
	if a.yes {
		return true
	}
	value := "0"
	if s.Value != nil {
		value = s.Value.String()
	}
	fmt.Fprintf(a.errOut, "Sign %s on %s (value %s wei, gas %d)? [y/N] ", s.Method, s.To.Hex(), value, s.Gas)
	line, _ := a.in.ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// user returns the vault owner the command acts for.
func (a *app) user() (string, error) {
	raw := a.address
	if raw == "" {
		raw = a.client.Sender()
	}
	if raw == "" {
		return "", errors.New("no address: pass --address or configure a keystore")
	}
	return ledger.CheckAddress(raw)
}

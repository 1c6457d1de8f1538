package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/marketsettle/internal/app"
	"github.com/alanyoungcy/marketsettle/internal/config"
	"github.com/alanyoungcy/marketsettle/internal/crypto"
	"github.com/alanyoungcy/marketsettle/internal/derive"
	"github.com/alanyoungcy/marketsettle/internal/domain"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending PostgreSQL migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a program or authority key",
	Long: `Generate a secp256k1 key. With --out the key is sealed with the password
from --password or MARKETSETTLE_PROGRAM_KEY_PASSWORD; otherwise the hex key is printed.`,
	Args: cobra.NoArgs,
	RunE: runKeygen,
}

var addressesCmd = &cobra.Command{
	Use:   "addresses <market-id>",
	Short: "Print the derived addresses of a market",
	Args:  cobra.ExactArgs(1),
	RunE:  runAddresses,
}

var signSettlementCmd = &cobra.Command{
	Use:   "sign-settlement <market-id> <yes|no>",
	Short: "Sign a settlement with a market authority key",
	Args:  cobra.ExactArgs(2),
	RunE:  runSignSettlement,
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive settled markets to object storage once",
	Args:  cobra.NoArgs,
	RunE:  runArchive,
}

var (
	keygenOut      string
	keygenPassword string
	programFlag    string
	authorityKey   string
	archiveList    bool
)

func init() {
	keygenCmd.Flags().StringVar(&keygenOut, "out", "", "write an encrypted key file instead of printing the key")
	keygenCmd.Flags().StringVar(&keygenPassword, "password", "", "password for --out")

	addressesCmd.Flags().StringVar(&programFlag, "program", "", "program address (default: derived from the configured program key)")

	signSettlementCmd.Flags().StringVar(&programFlag, "program", "", "program address (default: derived from the configured program key)")
	archiveCmd.Flags().BoolVar(&archiveList, "list", false, "list existing archive files instead of archiving")

	signSettlementCmd.Flags().StringVar(&authorityKey, "key", os.Getenv("MARKETSETTLE_AUTHORITY_KEY"), "market authority private key hex")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	client, err := app.OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer client.Close()

	applied, err := client.RunMigrations(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if len(applied) == 0 {
		fmt.Println("Database is up to date.")
		return nil
	}
	for _, v := range applied {
		fmt.Printf("applied %s\n", v)
	}
	return nil
}

func runKeygen(cmd *cobra.Command, args []string) error {
	keyHex, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	auth, err := derive.NewAuthorityFromHex(keyHex)
	if err != nil {
		return err
	}

	if keygenOut == "" {
		fmt.Printf("address: %s\nkey:     %s\n", auth.Program().Hex(), keyHex)
		return nil
	}

	password := keygenPassword
	if password == "" {
		password = os.Getenv("MARKETSETTLE_PROGRAM_KEY_PASSWORD")
	}
	sealed, err := crypto.EncryptKey(keyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(keygenOut, sealed, 0o600); err != nil {
		return fmt.Errorf("keygen: write %s: %w", keygenOut, err)
	}
	fmt.Printf("address: %s\nwrote:   %s\n", auth.Program().Hex(), keygenOut)
	return nil
}

// resolveProgram returns --program when given, else the address of the
// configured program key.
func resolveProgram() (common.Address, error) {
	if programFlag != "" {
		if !common.IsHexAddress(programFlag) {
			return common.Address{}, fmt.Errorf("--program %q is not an address", programFlag)
		}
		return common.HexToAddress(programFlag), nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return common.Address{}, fmt.Errorf("load config %q: %w", configPath, err)
	}
	auth, err := app.LoadAuthority(cfg.Program)
	if err != nil {
		return common.Address{}, err
	}
	return auth.Program(), nil
}

func parseMarketID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid market id %q", s)
	}
	return id, nil
}

func runAddresses(cmd *cobra.Command, args []string) error {
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	program, err := resolveProgram()
	if err != nil {
		return err
	}

	addrs := derive.ForMarket(program, id)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "program\t%s\n", program.Hex())
	fmt.Fprintf(w, "market\t%s\n", addrs.Market)
	fmt.Fprintf(w, "vault\t%s\n", addrs.Vault)
	fmt.Fprintf(w, "outcome_mint_yes\t%s\n", addrs.OutcomeYes)
	fmt.Fprintf(w, "outcome_mint_no\t%s\n", addrs.OutcomeNo)
	return w.Flush()
}

func runSignSettlement(cmd *cobra.Command, args []string) error {
	id, err := parseMarketID(args[0])
	if err != nil {
		return err
	}
	outcome, err := domain.ParseOutcome(args[1])
	if err != nil {
		return err
	}
	if authorityKey == "" {
		return fmt.Errorf("--key or MARKETSETTLE_AUTHORITY_KEY is required")
	}
	program, err := resolveProgram()
	if err != nil {
		return err
	}

	signer, err := crypto.NewSigner(authorityKey, program)
	if err != nil {
		return err
	}
	sig, err := signer.SignSettlement(id, outcome)
	if err != nil {
		return err
	}
	fmt.Printf("caller:    %s\noutcome:   %s\nsignature: %s\n", signer.Address().Hex(), outcome, sig)
	return nil
}

func runArchive(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()

	deps, cleanup, err := app.Wire(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if archiveList {
		if deps.Archiver == nil {
			return fmt.Errorf("archive: s3.bucket is not configured")
		}
		files, err := deps.Archiver.Files(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, f := range files {
			fmt.Fprintf(w, "%s\t%d\t%s\n", f.Key, f.Size, f.Modified.Format(time.RFC3339))
		}
		return w.Flush()
	}

	n, err := app.New(cfg, logger).RunArchive(ctx, deps)
	if err != nil {
		return err
	}
	fmt.Printf("archived %d market(s)\n", n)
	return nil
}

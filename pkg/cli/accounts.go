package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/voicescribe/pkg/accounts"
	"github.com/platinummonkey/voicescribe/pkg/metering"
	"github.com/platinummonkey/voicescribe/pkg/quota"
)

func newCreateAccountCommand() *Command {
	cmd := &Command{
		Name:        "create-account",
		Description: "Register an account",
		Flags:       flag.NewFlagSet("create-account", flag.ContinueOnError),
		Run:         runCreateAccount,
	}
	addStoreFlags(cmd.Flags)
	cmd.Flags.String("phone", "", "Messaging phone number (E.164)")
	cmd.Flags.String("email", "", "Contact email")
	cmd.Flags.Float64("minutes", -1, "Free-tier allowance in minutes (default: service default)")
	return cmd
}

func runCreateAccount(args []string) error {
	cmd := newCreateAccountCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	phone := cmd.Flags.Lookup("phone").Value.String()
	email := cmd.Flags.Lookup("email").Value.String()
	if phone == "" && email == "" {
		return fmt.Errorf("phone or email is required")
	}

	account := &accounts.Account{Phone: phone, Email: email}
	if minutes := cmd.Flags.Lookup("minutes").Value.(flag.Getter).Get().(float64); minutes >= 0 {
		account.TotalMinutes = &minutes
	}

	store, err := openStore(cmd.Flags)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateAccount(context.Background(), account); err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return printJSON(account)
}

func newQuotaCommand() *Command {
	cmd := &Command{
		Name:        "quota",
		Description: "Show an account's quota and admission for a recording",
		Flags:       flag.NewFlagSet("quota", flag.ContinueOnError),
		Run:         runQuota,
	}
	addStoreFlags(cmd.Flags)
	cmd.Flags.Int64("account", 0, "Account ID")
	cmd.Flags.Float64("seconds", 0, "Recording length to check, in seconds")
	cmd.Flags.Float64("free-minutes", quota.DefaultFreeMinutes, "Default free-tier allowance")
	return cmd
}

// QuotaReport is printed by the quota command.
type QuotaReport struct {
	Admission *metering.Admission `json:"admission"`
	FreeUsed  float64             `json:"free_used_minutes"`
	FreeTotal float64             `json:"free_total_minutes"`
	Message   string              `json:"message,omitempty"`
}

func runQuota(args []string) error {
	cmd := newQuotaCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	accountID, err := accountFlag(cmd.Flags)
	if err != nil {
		return err
	}
	seconds := cmd.Flags.Lookup("seconds").Value.(flag.Getter).Get().(float64)
	freeMinutes := cmd.Flags.Lookup("free-minutes").Value.(flag.Getter).Get().(float64)

	store, err := openStore(cmd.Flags)
	if err != nil {
		return err
	}
	defer store.Close()

	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	meter := metering.NewService(store, logger, metering.WithFreeMinutes(freeMinutes))

	ctx := context.Background()
	snap, err := meter.Snapshot(ctx, accountID)
	if err != nil {
		return err
	}
	admission, err := meter.CheckAdmission(ctx, accountID, seconds)
	if err != nil {
		return err
	}

	report := QuotaReport{Admission: admission, FreeUsed: snap.FreeUsed}
	if snap.FreeTotal != nil {
		report.FreeTotal = *snap.FreeTotal
	}
	if exceeded, ok := quota.AsExceeded(admission.Err()); ok {
		report.Message = exceeded.Message()
	}
	return printJSON(report)
}

func newResetUsageCommand() *Command {
	cmd := &Command{
		Name:        "reset-usage",
		Description: "Zero an account's free-tier usage",
		Flags:       flag.NewFlagSet("reset-usage", flag.ContinueOnError),
		Run:         runResetUsage,
	}
	addStoreFlags(cmd.Flags)
	cmd.Flags.Int64("account", 0, "Account ID")
	return cmd
}

func runResetUsage(args []string) error {
	cmd := newResetUsageCommand()
	if err := cmd.Flags.Parse(args); err != nil {
		return err
	}

	accountID, err := accountFlag(cmd.Flags)
	if err != nil {
		return err
	}

	store, err := openStore(cmd.Flags)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.ResetAccountUsage(context.Background(), accountID); err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	fmt.Fprintf(stdout, "Reset free-tier usage for account %d\n", accountID)
	return nil
}

func accountFlag(fs *flag.FlagSet) (int64, error) {
	id, err := strconv.ParseInt(fs.Lookup("account").Value.String(), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("--account must be a positive account id")
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

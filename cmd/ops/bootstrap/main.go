// Package main implements the panelhub bootstrap tool.
//
// Usage:
//
//	bootstrap secrets --env=dev [--profile=NAME] [--region=REGION]
//	bootstrap migrate
//	bootstrap seed --username=root --balance=100000 --price-per-gb=100
//
// "secrets" verifies the AWS identity with STS, then walks the parameter
// inventory and writes each value to SSM under /{env}/panelhub/. "migrate"
// applies the database schema. "seed" creates the first reseller tenant.
// migrate and seed read DATABASE_URL, resolving DATABASE_URL_SSM_PARAM when
// APP_ENV is not local.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"panelhub/internal/config"
	"panelhub/internal/provisioning"
)

var validEnvironments = map[string]bool{"dev": true, "staging": true, "prod": true}

// BootstrapContext is the verified AWS session for the secrets command.
type BootstrapContext struct {
	Environment string
	AWSProfile  string
	AWSRegion   string
	AccountID   string
	CallerARN   string
	AWSConfig   aws.Config
	Logger      *slog.Logger
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], logger); err != nil {
		logger.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: bootstrap <secrets|migrate|seed> [flags]")
}

func run(ctx context.Context, args []string, logger *slog.Logger) error {
	if len(args) == 0 {
		usage(os.Stderr)
		return fmt.Errorf("missing command")
	}
	cmd, args := args[0], args[1:]

	switch cmd {
	case "secrets":
		return runSecrets(ctx, args, logger)
	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
		region := fs.String("region", os.Getenv("AWS_REGION"), "AWS region for SSM pointers")
		if err := fs.Parse(args); err != nil {
			return err
		}
		_, closeFn, conn, err := openDatabase(ctx, config.NewSSMProvider(*region))
		if err != nil {
			return err
		}
		defer closeFn()
		return migrate(ctx, conn, logger)
	case "seed":
		fs := flag.NewFlagSet("seed", flag.ContinueOnError)
		region := fs.String("region", os.Getenv("AWS_REGION"), "AWS region for SSM pointers")
		var opts SeedOptions
		fs.StringVar(&opts.Username, "username", "root", "tenant username")
		fs.Int64Var(&opts.Balance, "balance", 0, "opening balance")
		fs.Int64Var(&opts.PricePerGB, "price-per-gb", 0, "price per GB")
		fs.Int64Var(&opts.PricePerDay, "price-per-day", 0, "price per day")
		if err := fs.Parse(args); err != nil {
			return err
		}
		store, closeFn, _, err := openDatabase(ctx, config.NewSSMProvider(*region))
		if err != nil {
			return err
		}
		defer closeFn()
		svc := provisioning.New(provisioning.Config{Store: store, Logger: logger})
		_, err = seedTenant(ctx, svc, opts, logger)
		return err
	default:
		usage(os.Stderr)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runSecrets(ctx context.Context, args []string, logger *slog.Logger) error {
	fs := flag.NewFlagSet("secrets", flag.ContinueOnError)
	env := fs.String("env", "", "target environment (dev/staging/prod) [required]")
	profile := fs.String("profile", "", "AWS CLI profile")
	region := fs.String("region", "us-east-1", "AWS region")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !validEnvironments[*env] {
		return fmt.Errorf("invalid environment %q (must be dev, staging, or prod)", *env)
	}

	bctx, err := initializeSession(ctx, *env, *profile, *region, logger)
	if err != nil {
		return err
	}
	if bctx.Environment == "prod" && !confirmProduction(bctx, os.Stdin, os.Stderr) {
		fmt.Fprintln(os.Stderr, "Aborted. No changes were made.")
		return nil
	}
	printBanner(bctx, os.Stderr)

	if _, err := NewBootstrapRunner(bctx).Run(ctx); err != nil {
		return err
	}
	logger.Info("bootstrap completed", "env", bctx.Environment, "account", bctx.AccountID)
	return nil
}

// initializeSession loads AWS config and confirms the caller with STS.
func initializeSession(ctx context.Context, env, profile, region string, logger *slog.Logger) (*BootstrapContext, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	idCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	identity, err := sts.NewFromConfig(cfg).GetCallerIdentity(idCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return nil, fmt.Errorf("verifying AWS identity (profile %q, region %q): %w", profile, region, err)
	}

	b := &BootstrapContext{
		Environment: env,
		AWSProfile:  profile,
		AWSRegion:   region,
		AccountID:   aws.ToString(identity.Account),
		CallerARN:   aws.ToString(identity.Arn),
		AWSConfig:   cfg,
		Logger:      logger,
	}
	logger.Info("AWS identity verified", "account_id", b.AccountID, "arn", b.CallerARN, "region", region)
	return b, nil
}

// confirmProduction requires the operator to type "yes".
func confirmProduction(bctx *BootstrapContext, in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out, "\n  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintf(out, "  Account: %s\n  Region:  %s\n  ARN:     %s\n\n", bctx.AccountID, bctx.AWSRegion, bctx.CallerARN)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	s := bufio.NewScanner(in)
	if !s.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(s.Text()), "yes")
}

func printBanner(bctx *BootstrapContext, out io.Writer) {
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  panelhub bootstrap")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", bctx.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", bctx.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", bctx.AWSRegion)
	if bctx.AWSProfile != "" {
		fmt.Fprintf(out, "  Profile:      %s\n", bctx.AWSProfile)
	}
	fmt.Fprintf(out, "  SSM Prefix:   /%s/panelhub/\n", bctx.Environment)
	fmt.Fprintln(out, "------------------------------------------------------------")
}

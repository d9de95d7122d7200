package main

import (
	"context"
	"errors"
	"fmt"
	"github.com/qbixus/tcc-go"
	"github.com/qbixus/tcc-go/recovery"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	a := newApp()
	cmd := &cobra.Command{
		Use:           "tccdemo",
		Short:         "Try-Confirm-Cancel coordinator demo",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "configuration file")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	flags.Bool("log-dev", false, "human readable development logging")
	flags.String("repository", "memory", "transaction repository: memory or bolt")
	flags.String("db", "", "bolt database file")
	flags.Int("executor-size", tcc.DefaultExecutorSize, "concurrent asynchronous confirm and cancel tasks")
	flags.Bool("metrics", false, "serve Prometheus metrics")
	flags.String("metrics-listen", ":9464", "metrics listen address")
	cobra.CheckErr(a.bindFlags(flags))

	cmd.AddCommand(newRunCommand(a), newRecoverCommand(a))
	return cmd
}

func newRunCommand(a *app) *cobra.Command {
	var (
		count   int
		sku     string
		qty     int
		amount  int64
		stock   int
		balance int64
		decline bool
		async   bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Place orders, each in its own root transaction",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			defer func() { err = errors.Join(err, a.close(context.WithoutCancel(ctx))) }()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			registry := tcc.NewRegistry()
			manager, ic := a.newManager(repo, registry)
			s := newShop(ic, registry, shopOptions{
				stock:        map[string]int{sku: stock},
				balance:      balance,
				decline:      decline,
				asyncConfirm: async,
				asyncCancel:  async,
			})

			out := cmd.OutOrStdout()
			for i := range count {
				o := order{ID: fmt.Sprintf("order-%d", i+1), SKU: sku, Qty: qty, Amount: amount}
				if _, err := s.place(tcc.WithUniqueIdentity(ctx, o.ID), o); err != nil {
					fmt.Fprintf(out, "%s: failed: %v\n", o.ID, err)
					continue
				}
				fmt.Fprintf(out, "%s: placed\n", o.ID)
			}
			// Async fan-outs finish before the summary.
			manager.Close()
			for i := range count {
				id := fmt.Sprintf("order-%d", i+1)
				fmt.Fprintf(out, "%s: %s\n", id, s.orders.get(id))
			}
			fmt.Fprint(out, s.summary())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&count, "orders", 3, "number of orders")
	flags.StringVar(&sku, "sku", "apple", "ordered item")
	flags.IntVar(&qty, "qty", 1, "ordered quantity per order")
	flags.Int64Var(&amount, "amount", 10, "amount charged per order")
	flags.IntVar(&stock, "stock", 10, "initial stock of the item")
	flags.Int64Var(&balance, "balance", 100, "initial wallet balance")
	flags.BoolVar(&decline, "decline-payment", false, "fail every payment try")
	flags.BoolVar(&async, "async", false, "confirm and cancel asynchronously")
	return cmd
}

func newRecoverCommand(a *app) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "recover",
		Short: "Complete the transactions left in the repository",
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			ctx := cmd.Context()
			defer func() { err = errors.Join(err, a.close(context.WithoutCancel(ctx))) }()

			repo, err := a.openRepository(ctx)
			if err != nil {
				return err
			}
			registry := tcc.NewRegistry()
			_, ic := a.newManager(repo, registry)
			newShop(ic, registry, shopOptions{})

			rc := a.cfg.Recovery
			r := recovery.New(repo, tcc.NewTerminator(registry, nil),
				recovery.WithMaxRetryCount(rc.MaxRetryCount),
				recovery.WithRecoverDuration(rc.RecoverDuration),
				recovery.WithCronInterval(rc.CronInterval),
				recovery.WithScanRetry(rc.ScanAttempts, recovery.DefaultScanDelay),
				recovery.WithLogger(a.logger),
				recovery.WithMeterProvider(a.meterProvider),
			)
			if once {
				err = r.RecoverOnce(ctx)
			} else if err = r.Run(ctx); errors.Is(err, context.Canceled) {
				err = nil
			}
			st := r.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d confirmed=%d cancelled=%d skipped=%d failed=%d\n",
				st.Scanned, st.Confirmed, st.Cancelled, st.Skipped, st.Failed)
			return err
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "run a single recovery pass and exit")
	return cmd
}

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"options-risk-engine/internal/config"
	"options-risk-engine/internal/models"
	"options-risk-engine/internal/positions"
	"options-risk-engine/internal/store"
	"options-risk-engine/internal/trading"
	"options-risk-engine/pkg/utils"
)

func newPositionsCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "positions",
		Aliases: []string{"pos"},
		Short:   "Inspect and edit tracked positions",
		Long: `Inspect and edit positions in the position database.

Positions added here are picked up by a running 'riskd run' on its next
reconciliation pass.`,
	}

	cmd.AddCommand(newPositionsListCmd(app))
	cmd.AddCommand(newPositionsShowCmd(app))
	cmd.AddCommand(newPositionsAddCmd(app))
	cmd.AddCommand(newPositionsActivateCmd(app))
	cmd.AddCommand(newPositionsCancelCmd(app))
	cmd.AddCommand(newPositionsEventsCmd(app))
	return cmd
}

// withStore opens the store for the duration of fn.
func (a *App) withStore(fn func(st *store.SQLiteStore) error) error {
	st, err := a.openStore()
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func (a *App) tracker(st store.PositionStore) *trading.PositionTracker {
	return trading.NewPositionTracker(st, positions.NewCache(a.Logger), config.NewRiskStore(a.Config.Risk), a.Logger)
}

func newPositionsListCmd(app *App) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			want := make([]models.Status, 0, len(statuses))
			for _, s := range statuses {
				st := models.Status(strings.ToLower(s))
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				want = append(want, st)
			}
			return app.withStore(func(st *store.SQLiteStore) error {
				recs, err := st.ListByStatus(cmd.Context(), want...)
				if err != nil {
					return err
				}
				output := NewOutput(cmd)
				if output.IsJSON() {
					return output.JSON(recs)
				}
				renderPositions(output, recs)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status",
		[]string{string(models.StatusPending), string(models.StatusActive), string(models.StatusExitRequested)},
		"statuses to list (pending, active, exit_requested, exited, cancelled)")
	return cmd
}

func renderPositions(output *Output, recs []*models.PositionRecord) {
	if len(recs) == 0 {
		output.Dim("No positions")
		return
	}
	table := NewTable(output, "ORDER", "SYMBOL", "SIDE", "QTY", "ENTRY", "P&L", "P&L %", "PEAK", "STATUS", "UPDATED")
	total := decimal.Zero
	for _, r := range recs {
		pnl := r.LastPnLRupees
		if r.Status == models.StatusExited && r.ExitPrice.Valid {
			pnl = r.ExitPrice.Decimal.Sub(r.EntryPrice).Mul(decimal.NewFromInt(r.Quantity))
		}
		total = total.Add(pnl)
		table.AddRow(
			r.OrderNo,
			r.Symbol,
			string(r.Side),
			utils.FormatQuantity(r.Quantity),
			r.EntryPrice.StringFixed(2),
			output.FormatPnL(pnl),
			output.FormatPercent(r.LastPnLPct),
			utils.FormatRupees(r.HighWaterMarkPnL),
			output.Status(r.Status),
			formatTime(r.UpdatedAt),
		)
	}
	table.Render()
	output.Println()
	output.Printf("%d positions, P&L %s\n", len(recs), output.FormatPnL(total))
}

func newPositionsShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <order_no>",
		Short: "Show one position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(st *store.SQLiteStore) error {
				rec, err := st.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				output := NewOutput(cmd)
				if output.IsJSON() {
					return output.JSON(rec)
				}
				output.Bold("%s  %s", rec.OrderNo, rec.Symbol)
				output.Printf("  Status:      %s\n", output.Status(rec.Status))
				output.Printf("  Instrument:  %s %s (%s)\n", rec.Segment, rec.SecurityID, rec.UnderlyingSymbol)
				output.Printf("  Side:        %s, %s units (lot %d)\n", rec.Side, utils.FormatQuantity(rec.Quantity), rec.LotSize)
				output.Printf("  Entry:       %s\n", rec.EntryPrice.StringFixed(2))
				output.Printf("  SL / TP:     %s / %s\n", nullPrice(rec.SLPrice), nullPrice(rec.TPPrice))
				output.Printf("  P&L:         %s (%s)\n", output.FormatPnL(rec.LastPnLRupees), output.FormatPercent(rec.LastPnLPct))
				output.Printf("  Peak P&L:    %s\n", utils.FormatRupees(rec.HighWaterMarkPnL))
				if rec.ExitPrice.Valid {
					output.Printf("  Exit price:  %s\n", rec.ExitPrice.Decimal.StringFixed(2))
				}
				if rec.ExitedAt != nil {
					output.Printf("  Exited at:   %s\n", formatTime(*rec.ExitedAt))
				}
				for k, v := range rec.Meta {
					output.Printf("  %-12s %s\n", k+":", v)
				}
				return nil
			})
		},
	}
}

type addFlags struct {
	orderNo    string
	securityID string
	segment    string
	symbol     string
	underlying string
	side       string
	quantity   int64
	lotSize    int64
	entry      string
	sl         string
	tp         string
}

func (f addFlags) request() (trading.OpenRequest, error) {
	req := trading.OpenRequest{
		OrderNo:          f.orderNo,
		SecurityID:       f.securityID,
		Segment:          models.Segment(strings.ToUpper(f.segment)),
		Symbol:           f.symbol,
		UnderlyingSymbol: strings.ToUpper(f.underlying),
		Side:             models.Side(strings.ToLower(f.side)),
		Quantity:         f.quantity,
		LotSize:          f.lotSize,
	}
	var err error
	if req.SLPrice, err = parseNullPrice("sl", f.sl); err != nil {
		return req, err
	}
	if req.TPPrice, err = parseNullPrice("tp", f.tp); err != nil {
		return req, err
	}
	candidate := models.PositionRecord{
		OrderNo: req.OrderNo, SecurityID: req.SecurityID, Segment: req.Segment,
		Side: req.Side, Quantity: req.Quantity, LotSize: req.LotSize, Status: models.StatusPending,
	}
	return req, candidate.Validate()
}

func newPositionsAddCmd(app *App) *cobra.Command {
	var f addFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Track a new position",
		Long: `Track a new long option position. With --entry the position is active
immediately; without it the position stays pending until 'positions activate'.
Missing --sl and --tp are derived from risk.sl_pct and risk.tp_pct.`,
		Example: `  riskd positions add --order-no 240106000123 --security-id 52175 \
      --symbol "NIFTY 25JAN 23500 CE" --underlying NIFTY --side long_call \
      --qty 75 --lot-size 75 --entry 102.5`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request()
			if err != nil {
				return err
			}
			var entry decimal.Decimal
			if f.entry != "" {
				if entry, err = parsePrice("entry", f.entry); err != nil {
					return err
				}
			}
			return app.withStore(func(st *store.SQLiteStore) error {
				ctx := cmd.Context()
				tracker := app.tracker(st)
				if _, err := tracker.Open(ctx, req); err != nil {
					return err
				}
				if f.entry != "" {
					if _, err := tracker.Activate(ctx, req.OrderNo, entry); err != nil {
						return err
					}
				}
				return printPosition(cmd, st, req.OrderNo, "Tracking")
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.orderNo, "order-no", "", "entry order number (required)")
	flags.StringVar(&f.securityID, "security-id", "", "instrument token of the option (required)")
	flags.StringVar(&f.segment, "segment", string(models.SegmentNFO), "exchange segment (NFO, BFO)")
	flags.StringVar(&f.symbol, "symbol", "", "trading symbol")
	flags.StringVar(&f.underlying, "underlying", "", "underlying index (NIFTY, BANKNIFTY, SENSEX)")
	flags.StringVar(&f.side, "side", string(models.SideLongCall), "long_call or long_put")
	flags.Int64Var(&f.quantity, "qty", 0, "quantity in units (required)")
	flags.Int64Var(&f.lotSize, "lot-size", 0, "lot size; qty must be a multiple")
	flags.StringVar(&f.entry, "entry", "", "entry fill price; activates the position")
	flags.StringVar(&f.sl, "sl", "", "stop-loss price")
	flags.StringVar(&f.tp, "tp", "", "take-profit price")
	_ = cmd.MarkFlagRequired("order-no")
	_ = cmd.MarkFlagRequired("security-id")
	_ = cmd.MarkFlagRequired("qty")
	return cmd
}

func newPositionsActivateCmd(app *App) *cobra.Command {
	var entry string
	cmd := &cobra.Command{
		Use:   "activate <order_no>",
		Short: "Record the entry fill of a pending position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			price, err := parsePrice("entry", entry)
			if err != nil {
				return err
			}
			return app.withStore(func(st *store.SQLiteStore) error {
				if _, err := app.tracker(st).Activate(cmd.Context(), args[0], price); err != nil {
					return err
				}
				return printPosition(cmd, st, args[0], "Activated")
			})
		},
	}
	cmd.Flags().StringVar(&entry, "entry", "", "entry fill price (required)")
	_ = cmd.MarkFlagRequired("entry")
	return cmd
}

func newPositionsCancelCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <order_no>",
		Short: "Stop tracking a position without sending an exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.withStore(func(st *store.SQLiteStore) error {
				if err := app.tracker(st).Cancel(cmd.Context(), args[0]); err != nil {
					return err
				}
				return printPosition(cmd, st, args[0], "Cancelled")
			})
		},
	}
}

func newPositionsEventsCmd(app *App) *cobra.Command {
	var (
		outcome string
		limit   int
		today   bool
	)
	cmd := &cobra.Command{
		Use:   "events [order_no]",
		Short: "Show exit attempts",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ExitEventFilter{Outcome: outcome, Limit: limit}
			if len(args) == 1 {
				filter.OrderNo = args[0]
			}
			if today {
				now := time.Now().In(utils.IndiaLocation)
				filter.StartDate = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, utils.IndiaLocation)
			}
			return app.withStore(func(st *store.SQLiteStore) error {
				events, err := st.ExitEvents(cmd.Context(), filter)
				if err != nil {
					return err
				}
				output := NewOutput(cmd)
				if output.IsJSON() {
					return output.JSON(events)
				}
				renderEvents(output, events)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&outcome, "outcome", "", "only this outcome (confirmed, requested, pending, rejected)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events")
	cmd.Flags().BoolVar(&today, "today", false, "only events from today's session")
	return cmd
}

func renderEvents(output *Output, events []store.ExitEvent) {
	if len(events) == 0 {
		output.Dim("No exit events")
		return
	}
	table := NewTable(output, "TIME", "ORDER", "REASON", "OUTCOME", "PRICE", "BROKER ORDER", "ERROR")
	for _, ev := range events {
		table.AddRow(
			formatTime(ev.CreatedAt),
			ev.OrderNo,
			ev.Reason,
			output.Outcome(ev.Outcome),
			nullPrice(ev.ExitPrice),
			ev.BrokerOrderID,
			ev.Error,
		)
	}
	table.Render()
}

func printPosition(cmd *cobra.Command, st store.PositionStore, orderNo, verb string) error {
	rec, err := st.Get(cmd.Context(), orderNo)
	if err != nil {
		return err
	}
	output := NewOutput(cmd)
	if output.IsJSON() {
		return output.JSON(rec)
	}
	output.Success("%s %s (%s)", verb, rec.OrderNo, rec.Status)
	if rec.Status == models.StatusActive {
		output.Printf("  Entry %s, SL %s, TP %s\n", rec.EntryPrice.StringFixed(2), nullPrice(rec.SLPrice), nullPrice(rec.TPPrice))
	}
	return nil
}

func parsePrice(name, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("--%s must be a positive price, got %q", name, s)
	}
	return d, nil
}

func parseNullPrice(name, s string) (decimal.NullDecimal, error) {
	if s == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := parsePrice(name, s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func nullPrice(d decimal.NullDecimal) string {
	if !d.Valid {
		return "-"
	}
	return d.Decimal.StringFixed(2)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(utils.IndiaLocation).Format("02-Jan 15:04:05")
}

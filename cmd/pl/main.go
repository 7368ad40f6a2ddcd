package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"plantao/internal/app"
	"plantao/internal/cache"
	"plantao/internal/config"
	"plantao/internal/connectivity"
	"plantao/internal/daemon"
	"plantao/internal/db"
	"plantao/internal/domain"
	"plantao/internal/engine"
	"plantao/internal/fetch"
	"plantao/internal/migrate"
	"plantao/internal/remote"
	"plantao/internal/repo"
	"plantao/internal/server"
	"plantao/internal/shiftcycle"
	"plantao/internal/syncqueue"
)

var rootCmd = &cobra.Command{
	Use:   "pl",
	Short: "Plantao CLI",
	Long: `Plantao manages 24h-on / 72h-off shift rotations with offline-first data.
- Workspace: your .plantao directory holds the local database; plantao.yml holds config.
- Schedule: the anchor date of your first shift plus the work/rest pattern.
- Shift: computed from the schedule; 'pl shift today' and 'pl shift watch' never need the network.
- Data: collections fetched cache-first; writes queue locally and sync when online.
- Sync: 'pl sync daemon' probes connectivity and drains the queue on a schedule and on reconnect.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("PLANTAO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent", "", "agent id (overrides config)")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(shiftCmd())
	rootCmd.AddCommand(dataCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- config ---

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default plantao.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if agentID == "" {
				agentID = "local-agent"
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(agentID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

// --- schedule ---

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "schedule", Short: "Manage the shift schedule"}
	cmd.AddCommand(scheduleSetCmd())
	cmd.AddCommand(scheduleShowCmd())
	return cmd
}

func scheduleSetCmd() *cobra.Command {
	var firstShift string
	var workDays, restDays int
	var push bool
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Register the first shift date and rotation pattern",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, agentID string, cfg *config.Config, e engine.Engine) error {
				pattern := domain.CyclePattern{WorkDays: workDays, RestDays: restDays}
				s, err := e.RegisterSchedule(ctx, agentID, firstShift, pattern, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				if push && cfg.Remote.BaseURL != "" {
					client := newRemoteClient(cfg)
					if _, err := client.RegisterSchedule(ctx, agentID, firstShift, pattern); err != nil && !errors.Is(err, remote.ErrAlreadyConfigured) {
						fmt.Fprintln(os.Stderr, "warning: remote registration failed:", err)
					}
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().StringVar(&firstShift, "first-shift", "", "first shift date (YYYY-MM-DD)")
	cmd.Flags().IntVar(&workDays, "work-days", 1, "consecutive work days per cycle")
	cmd.Flags().IntVar(&restDays, "rest-days", 3, "rest days per cycle")
	cmd.Flags().BoolVar(&push, "push", false, "also register with the remote backend")
	_ = cmd.MarkFlagRequired("first-shift")
	return cmd
}

func scheduleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the registered schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, agentID string, cfg *config.Config, e engine.Engine) error {
				s, err := e.GetSchedule(ctx, agentID)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
}

// --- shift ---

func shiftCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "shift", Short: "Shift cycle computations"}
	cmd.AddCommand(shiftTodayCmd())
	cmd.AddCommand(shiftNextCmd())
	cmd.AddCommand(shiftWatchCmd())
	cmd.AddCommand(shiftCalendarCmd())
	return cmd
}

func shiftCalendarCmd() *cobra.Command {
	var days int
	var from string
	cmd := &cobra.Command{
		Use:   "calendar",
		Short: "Print upcoming work and rest days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, agentID string, cfg *config.Config, e engine.Engine) error {
				s, err := e.GetSchedule(ctx, agentID)
				if err != nil {
					return err
				}
				calc := shiftcycle.NewCalculator(time.Local)
				first, err := time.ParseInLocation(domain.DateLayout, s.FirstShiftDate, time.Local)
				if err != nil {
					return err
				}
				start := time.Now()
				if from != "" {
					start, err = time.ParseInLocation(domain.DateLayout, from, time.Local)
					if err != nil {
						return fmt.Errorf("invalid --from: %w", err)
					}
				}
				var rows []shiftStatus
				for i := 0; i < days; i++ {
					day := start.AddDate(0, 0, i)
					work, err := calc.IsWorkDay(day, first, s.Pattern)
					if err != nil {
						return err
					}
					row := shiftStatus{
						Date:     day.Format(domain.DateLayout),
						CycleDay: calc.CycleDay(day, first),
						WorkDay:  work,
					}
					if work {
						w := calc.Window(day, cfg.Shift.StartHour, cfg.Shift.DurationHours)
						row.Start = w.Start.Format(time.RFC3339)
						row.End = w.End.Format(time.RFC3339)
					}
					rows = append(rows, row)
				}
				if viper.GetBool("json") {
					return printJSON(rows)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Date", "Cycle Day", "On Duty", "Start", "End"})
				for _, r := range rows {
					duty := ""
					if r.WorkDay {
						duty = "x"
					}
					tw.AppendRow(table.Row{r.Date, r.CycleDay, duty, r.Start, r.End})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 14, "number of days to show")
	cmd.Flags().StringVar(&from, "from", "", "start date (defaults to today)")
	return cmd
}

type shiftStatus struct {
	Date     string `json:"date"`
	CycleDay int    `json:"cycle_day"`
	WorkDay  bool   `json:"work_day"`
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
}

func shiftTodayCmd() *cobra.Command {
	var dateFlag string
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Report whether a date is a work day and its shift window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, agentID string, cfg *config.Config, e engine.Engine) error {
				s, err := e.GetSchedule(ctx, agentID)
				if err != nil {
					return err
				}
				calc := shiftcycle.NewCalculator(time.Local)
				ref := time.Now()
				if dateFlag != "" {
					ref, err = time.ParseInLocation(domain.DateLayout, dateFlag, time.Local)
					if err != nil {
						return fmt.Errorf("invalid --date: %w", err)
					}
				}
				first, err := time.ParseInLocation(domain.DateLayout, s.FirstShiftDate, time.Local)
				if err != nil {
					return err
				}
				work, err := calc.IsWorkDay(ref, first, s.Pattern)
				if err != nil {
					return err
				}
				status := shiftStatus{
					Date:     ref.Format(domain.DateLayout),
					CycleDay: calc.CycleDay(ref, first),
					WorkDay:  work,
				}
				if work {
					w := calc.Window(ref, cfg.Shift.StartHour, cfg.Shift.DurationHours)
					status.Start = w.Start.Format(time.RFC3339)
					status.End = w.End.Format(time.RFC3339)
				}
				return printJSONOrTable(status)
			})
		},
	}
	cmd.Flags().StringVar(&dateFlag, "date", "", "date to check (defaults to today)")
	return cmd
}

func shiftNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the next work day",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, agentID string, cfg *config.Config, e engine.Engine) error {
				s, err := e.GetSchedule(ctx, agentID)
				if err != nil {
					return err
				}
				calc := shiftcycle.NewCalculator(time.Local)
				first, err := time.ParseInLocation(domain.DateLayout, s.FirstShiftDate, time.Local)
				if err != nil {
					return err
				}
				next, err := calc.NextWorkDay(time.Now(), first, s.Pattern)
				if err != nil {
					return err
				}
				w := calc.Window(next, cfg.Shift.StartHour, cfg.Shift.DurationHours)
				return printJSONOrTable(shiftStatus{
					Date:     next.Format(domain.DateLayout),
					CycleDay: calc.CycleDay(next, first),
					WorkDay:  true,
					Start:    w.Start.Format(time.RFC3339),
					End:      w.End.Format(time.RFC3339),
				})
			})
		},
	}
}

func shiftWatchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Track shift progress until the shift ends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, agentID string, cfg *config.Config, e engine.Engine) error {
				s, err := e.GetSchedule(ctx, agentID)
				if err != nil {
					return err
				}
				calc := shiftcycle.NewCalculator(time.Local)
				first, err := time.ParseInLocation(domain.DateLayout, s.FirstShiftDate, time.Local)
				if err != nil {
					return err
				}
				now := time.Now()
				work, err := calc.IsWorkDay(now, first, s.Pattern)
				if err != nil {
					return err
				}
				if !work {
					fmt.Println("not a work day")
					return nil
				}
				tracker := &shiftcycle.Tracker{
					Window:   calc.Window(now, cfg.Shift.StartHour, cfg.Shift.DurationHours),
					Interval: interval,
				}
				return tracker.Run(ctx, func(p shiftcycle.Progress) {
					fmt.Printf("\relapsed %s  %.1f%%", (time.Duration(p.ElapsedSeconds) * time.Second).String(), p.Percent)
					if p.Complete {
						fmt.Println("\nshift complete")
					}
				})
			})
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "refresh interval")
	return cmd
}

// --- data ---

func dataCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "data", Short: "Offline-first collection data"}
	cmd.AddCommand(dataGetCmd())
	cmd.AddCommand(dataPutCmd())
	cmd.AddCommand(dataDeleteCmd())
	return cmd
}

func dataGetCmd() *cobra.Command {
	var id, orderBy string
	var desc bool
	var limit int
	var filters []string
	cmd := &cobra.Command{
		Use:   "get <collection>",
		Short: "Fetch a collection, cache-first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				opts := remote.QueryOptions{OrderBy: orderBy, Descending: desc, Limit: limit}
				for _, f := range filters {
					k, v, ok := strings.Cut(f, "=")
					if !ok {
						return fmt.Errorf("invalid --filter %q, want field=value", f)
					}
					if opts.Filters == nil {
						opts.Filters = make(map[string]string)
					}
					opts.Filters[k] = v
				}
				req := fetch.Request{
					CacheKey:   cacheKeyFor(args[0], id, opts),
					Collection: args[0],
					RecordID:   id,
					Options:    opts,
					TTL:        st.cfg.DefaultTTL(),
				}
				st.monitor.CheckNow(ctx)
				w := st.fetcher.Watch(ctx, req)
				defer w.Close()
				snap := finalSnapshot(w)
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"state":      snap.State.String(),
						"from_cache": snap.FromCache,
						"stale":      snap.Stale,
						"items":      snap.Items,
					})
				}
				fmt.Printf("state=%s from_cache=%v stale=%v\n", snap.State, snap.FromCache, snap.Stale)
				for _, item := range snap.Items {
					fmt.Println(string(item))
				}
				if snap.Err != nil {
					fmt.Fprintln(os.Stderr, "fetch error:", snap.Err)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "fetch a single record")
	cmd.Flags().StringVar(&orderBy, "order-by", "", "order by document field")
	cmd.Flags().BoolVar(&desc, "desc", false, "descending order")
	cmd.Flags().IntVar(&limit, "limit", 0, "limit results")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "field=value equality filter")
	return cmd
}

// finalSnapshot waits for the watcher to settle and returns the last
// meaningful snapshot.
func finalSnapshot(w *fetch.Watcher) fetch.Snapshot {
	timeout := time.After(10 * time.Second)
	snap := w.Last()
	for {
		select {
		case s := <-w.Updates():
			snap = s
			if s.State == fetch.StateLoadedFresh || s.State == fetch.StateError {
				return s
			}
		case <-time.After(300 * time.Millisecond):
			if snap.State != fetch.StateLoading && snap.State != fetch.StateIdle {
				return snap
			}
		case <-timeout:
			return snap
		}
	}
}

func cacheKeyFor(collection, id string, opts remote.QueryOptions) string {
	parts := []string{collection}
	if id != "" {
		parts = append(parts, "id="+id)
	}
	// Filter keys are sorted so the same query shape always maps to the
	// same cache key.
	keys := make([]string, 0, len(opts.Filters))
	for k := range opts.Filters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+opts.Filters[k])
	}
	if opts.OrderBy != "" {
		parts = append(parts, "order="+opts.OrderBy)
	}
	return strings.Join(parts, ":")
}

func dataPutCmd() *cobra.Command {
	var id, data string
	cmd := &cobra.Command{
		Use:   "put <collection>",
		Short: "Insert or update a record (queued, synced when online)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				var doc map[string]any
				if err := json.Unmarshal([]byte(data), &doc); err != nil {
					return fmt.Errorf("--data must be a JSON object: %w", err)
				}
				action := domain.ActionInsert
				if id != "" {
					doc["id"] = id
					action = domain.ActionUpdate
				}
				payload, err := json.Marshal(doc)
				if err != nil {
					return err
				}
				item := st.queue.Enqueue(ctx, args[0], action, payload)
				if st.monitor.CheckNow(ctx) {
					if _, err := st.queue.Drain(ctx); err != nil {
						fmt.Fprintln(os.Stderr, "warning: drain failed:", err)
					}
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record id (update instead of insert)")
	cmd.Flags().StringVar(&data, "data", "", "record document as JSON")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func dataDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete <collection>",
		Short: "Delete a record (queued, synced when online)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				payload, _ := json.Marshal(map[string]string{"id": id})
				item := st.queue.Enqueue(ctx, args[0], domain.ActionDelete, payload)
				if st.monitor.CheckNow(ctx) {
					if _, err := st.queue.Drain(ctx); err != nil {
						fmt.Fprintln(os.Stderr, "warning: drain failed:", err)
					}
				}
				return printJSONOrTable(item)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "record id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- sync ---

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync", Short: "Pending sync queue"}
	cmd.AddCommand(syncStatusCmd())
	cmd.AddCommand(syncDrainCmd())
	cmd.AddCommand(syncDeadCmd())
	cmd.AddCommand(syncDaemonCmd())
	return cmd
}

func syncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "List pending items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				items := st.queue.Pending()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Collection", "Action", "Attempts", "Next Attempt", "Last Error"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, it.Collection, it.Action, it.Attempts, it.NextAttemptAt, it.LastError})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func syncDrainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Apply pending items to the remote backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				if !st.monitor.CheckNow(ctx) {
					return fmt.Errorf("remote unreachable; queue left intact")
				}
				res, err := st.queue.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
}

func syncDeadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dead",
		Short: "List items parked after repeated failures",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				items, err := st.queue.Dead(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func syncDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background sync loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				d := &daemon.Daemon{
					Queue:    st.queue,
					Probe:    st.monitor,
					CronSpec: st.cfg.Sync.CronSpec,
				}
				err := d.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
}

// --- cache ---

func cacheCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Offline cache"}
	cmd.AddCommand(cacheListCmd())
	cmd.AddCommand(cacheClearCmd())
	return cmd
}

func cacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				keys, err := st.store.Keys(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
}

func cacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear [key]",
		Short: "Remove one cached entry, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, st *stack) error {
				if len(args) == 1 {
					return st.store.Delete(ctx, args[0])
				}
				keys, err := st.store.Keys(ctx)
				if err != nil {
					return err
				}
				for _, k := range keys {
					if err := st.store.Delete(ctx, k); err != nil {
						return err
					}
				}
				fmt.Printf("cleared %d entries\n", len(keys))
				return nil
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- api keys ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage server API keys"}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyRevokeCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": key.ID, "actor_id": actor, "secret": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "filter by actor")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "revoke",
		Short: "Delete an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "key id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("PLANTAO_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PLANTAO_JWT_SECRET is required for bearer auth")
			}
			var hooks []config.WebhookConfig
			if cfg != nil {
				hooks = cfg.Webhooks
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg, Webhooks: hooks})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Plantao API on http://%s%s (OpenAPI at %s/openapi.json, metrics at /metrics)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func newRemoteClient(cfg *config.Config) *remote.Client {
	client := remote.New(cfg.Remote.BaseURL)
	client.APIKey = cfg.Remote.APIKey
	return client
}

// stack bundles the offline-first client pieces built from the
// workspace.
type stack struct {
	cfg     *config.Config
	store   *cache.Store
	queue   *syncqueue.Queue
	monitor *connectivity.Probe
	fetcher *fetch.Fetcher
}

func withStack(ctx context.Context, fn func(context.Context, *stack) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	_, cfg, err := app.ResolveAgentAndConfig(workspace, viper.GetString("agent"))
	if err != nil {
		return err
	}
	client := newRemoteClient(cfg)
	queue, err := syncqueue.New(ctx, conn, client)
	if err != nil {
		return err
	}
	queue.MaxAttempts = cfg.MaxAttempts()
	queue.BaseBackoff = cfg.BaseBackoff()
	queue.MaxBackoff = cfg.MaxBackoff()
	probe := connectivity.NewProbe(cfg.Remote.BaseURL)
	probe.Interval = cfg.ProbeInterval()
	store := &cache.Store{DB: conn}
	st := &stack{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		monitor: probe,
		fetcher: fetch.New(store, client, probe),
	}
	return fn(ctx, st)
}

func withEngine(ctx context.Context, fn func(context.Context, string, *config.Config, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	agentID, cfg, err := app.ResolveAgentAndConfig(workspace, viper.GetString("agent"))
	if err != nil {
		return err
	}
	return fn(ctx, agentID, cfg, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

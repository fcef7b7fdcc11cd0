package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DEEJ4Y/lease-scheduler"
	"github.com/DEEJ4Y/lease-scheduler/mongodb"
	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"gopkg.in/yaml.v3"
)

const connectTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute due jobs until interrupted",
	Long: `Start a scheduler with the built-in handlers and execute due jobs until
SIGINT or SIGTERM. In-flight jobs are drained before exiting.

Built-in handlers:
  test  prints payload.message
  log   logs the whole payload`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Add a one-shot job",
	Long: `Add a one-shot job to the collection. The run time is now unless one of
--in, --at or --at-cron is given. --at-cron picks the next instant matching a
six-field cron expression (seconds first); the job still runs only once.`,
	Args: cobra.NoArgs,
	RunE: runSchedule,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Remove a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var rescheduleCmd = &cobra.Command{
	Use:   "reschedule ID",
	Short: "Replace a job's name, payload and run time",
	Args:  cobra.ExactArgs(1),
	RunE:  runReschedule,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show stored jobs ordered by run time",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Create the index used to claim jobs",
	Args:  cobra.NoArgs,
	RunE:  runIndexes,
}

// jobFlags are shared by schedule and reschedule.
type jobFlags struct {
	name    string
	in      time.Duration
	at      string
	atCron  string
	payload string
}

var (
	scheduleFlags   jobFlags
	rescheduleFlags jobFlags

	shutdownTimeout time.Duration
	listLimit       int64
	listOutput      string
)

func init() {
	runFlags := runCmd.Flags()
	runFlags.Duration("process-every", 0, "Poll interval")
	runFlags.Int("default-concurrency", 0, "Simultaneous executions per job name")
	runFlags.Int("max-concurrency", 0, "Simultaneous executions in total")
	runFlags.Int("default-lock-limit", 0, "Jobs of one name claimed per tick (0 = unlimited)")
	runFlags.Int("lock-limit", 0, "Jobs claimed per tick in total (0 = unlimited)")
	runFlags.Duration("default-lock-lifetime", 0, "How long a claimed job stays leased")
	runFlags.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "How long to wait for running jobs on exit")

	addJobFlags(scheduleCmd, &scheduleFlags)
	addJobFlags(rescheduleCmd, &rescheduleFlags)
	_ = scheduleCmd.MarkFlagRequired("name")
	_ = rescheduleCmd.MarkFlagRequired("name")

	listCmd.Flags().Int64Var(&listLimit, "limit", 50, "Maximum number of jobs to show (0 = all)")
	listCmd.Flags().StringVarP(&listOutput, "output", "o", "table", "Output format: table, yaml")
}

func addJobFlags(cmd *cobra.Command, f *jobFlags) {
	cmd.Flags().StringVar(&f.name, "name", "", "Job name (handler key)")
	cmd.Flags().DurationVar(&f.in, "in", 0, "Run after this delay")
	cmd.Flags().StringVar(&f.at, "at", "", "Run at this RFC 3339 time")
	cmd.Flags().StringVar(&f.atCron, "at-cron", "", "Run once at the next occurrence of this cron expression")
	cmd.Flags().StringVar(&f.payload, "payload", "", "Payload as a JSON or YAML object")
	cmd.MarkFlagsMutuallyExclusive("in", "at", "at-cron")
}

// spec builds a scheduler.Spec from the flags at the given instant.
func (f *jobFlags) spec(now time.Time) (scheduler.Spec, error) {
	runAt, err := resolveRunAt(now, f.in, f.at, f.atCron)
	if err != nil {
		return scheduler.Spec{}, err
	}
	payload, err := parsePayload(f.payload)
	if err != nil {
		return scheduler.Spec{}, err
	}
	return scheduler.Spec{Name: f.name, RunAt: runAt, Payload: payload}, nil
}

// resolveRunAt returns the run time selected by at most one of in, at and
// atCron, or now when none is set.
func resolveRunAt(now time.Time, in time.Duration, at, atCron string) (time.Time, error) {
	switch {
	case in < 0:
		return time.Time{}, errors.Newf("--in must not be negative: %s", in)
	case in > 0:
		return now.Add(in), nil
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, errors.Wrap(err, "--at must be an RFC 3339 time")
		}
		return t, nil
	case atCron != "":
		return scheduler.NextOccurrence(atCron, now)
	default:
		return now, nil
	}
}

// parsePayload decodes a JSON or YAML object. An empty string is an empty
// payload.
func parsePayload(raw string) (map[string]interface{}, error) {
	payload := map[string]interface{}{}
	if strings.TrimSpace(raw) == "" {
		return payload, nil
	}
	if err := yaml.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, errors.Wrap(err, "--payload must be a JSON or YAML object")
	}
	return payload, nil
}

// openStore connects to MongoDB and returns the configured job store.
// The returned function disconnects the client.
func openStore(ctx context.Context) (*mongodb.Store, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to MongoDB")
	}
	disconnect := func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		_ = client.Disconnect(ctx)
	}
	if err := client.Ping(ctx, nil); err != nil {
		disconnect()
		return nil, nil, errors.Wrapf(err, "cannot reach MongoDB at %s", cfg.Mongo.URI)
	}

	collection := client.Database(cfg.Mongo.Database).Collection(cfg.Mongo.Collection)
	store, err := mongodb.NewStore(mongodb.Config{Collection: collection})
	if err != nil {
		disconnect()
		return nil, nil, err
	}
	return store, disconnect, nil
}

func newScheduler(store scheduler.Store) (*scheduler.Scheduler, error) {
	config := cfg.ToScheduler(logger)
	config.Store = store
	return scheduler.New(config)
}

// builtinHandlers are the handlers registered by the run command.
func builtinHandlers() scheduler.Handlers {
	type testPayload struct {
		Message string `bson:"message"`
	}

	return scheduler.NewHandlers().
		MustRegister("test", scheduler.Typed(func(ctx context.Context, job *scheduler.Job, p testPayload) error {
			pterm.Printfln("[test] %s", p.Message)
			return nil
		})).
		MustRegister("log", func(ctx context.Context, job *scheduler.Job) error {
			logger.Infow("job payload", "jobId", job.ID, "payload", job.Payload)
			return nil
		})
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, disconnect, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer disconnect()

	sched, err := newScheduler(store)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx, builtinHandlers()); err != nil {
		return err
	}
	logger.Infow("running", "collection", sched.CollectionName(), "handlers", builtinHandlers().Names())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	stopErr := sched.Stop(shutdownCtx)

	stats := sched.Stats()
	logger.Infow("stopped",
		"claimed", stats.Claimed,
		"succeeded", stats.Succeeded,
		"failed", stats.Failed,
		"unknownName", stats.UnknownName,
		"storeErrors", stats.StoreErrors,
	)
	return stopErr
}

func runSchedule(cmd *cobra.Command, args []string) error {
	spec, err := scheduleFlags.spec(time.Now())
	if err != nil {
		return err
	}

	store, disconnect, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer disconnect()

	id, err := scheduler.Enqueue(cmd.Context(), store, spec)
	if err != nil {
		return err
	}
	pterm.Success.Printfln("scheduled %s %q at %s", id, spec.Name, spec.RunAt.Format(time.RFC3339))
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	store, disconnect, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer disconnect()

	sched, err := newScheduler(store)
	if err != nil {
		return err
	}
	removed, err := sched.Cancel(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if !removed {
		pterm.Warning.Printfln("job %s not found", args[0])
		return nil
	}
	pterm.Success.Printfln("canceled %s", args[0])
	return nil
}

func runReschedule(cmd *cobra.Command, args []string) error {
	spec, err := rescheduleFlags.spec(time.Now())
	if err != nil {
		return err
	}

	store, disconnect, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer disconnect()

	sched, err := newScheduler(store)
	if err != nil {
		return err
	}
	updated, err := sched.Reschedule(cmd.Context(), args[0], spec)
	if err != nil {
		return err
	}
	if !updated {
		pterm.Warning.Printfln("job %s not found", args[0])
		return nil
	}
	pterm.Success.Printfln("rescheduled %s %q at %s", args[0], spec.Name, spec.RunAt.Format(time.RFC3339))
	return nil
}

// listedJob is the yaml form of a job in list output.
type listedJob struct {
	ID          string                 `yaml:"id"`
	Name        string                 `yaml:"name"`
	RunAt       time.Time              `yaml:"runAt"`
	LockedUntil *time.Time             `yaml:"lockedUntil,omitempty"`
	LastRunAt   *time.Time             `yaml:"lastRunAt,omitempty"`
	Payload     map[string]interface{} `yaml:"payload,omitempty"`
}

func runList(cmd *cobra.Command, args []string) error {
	store, disconnect, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer disconnect()

	jobs, err := store.List(cmd.Context(), listLimit)
	if err != nil {
		return err
	}

	switch listOutput {
	case "yaml":
		out, err := renderYAML(jobs)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	case "table":
		if len(jobs) == 0 {
			pterm.Info.Println("no jobs")
			return nil
		}
		return pterm.DefaultTable.WithHasHeader().WithData(tableData(jobs, time.Now())).Render()
	default:
		return errors.Newf("unsupported output: %s (supported: table, yaml)", listOutput)
	}
}

func renderYAML(jobs []*scheduler.Job) (string, error) {
	listed := make([]listedJob, 0, len(jobs))
	for _, job := range jobs {
		listed = append(listed, listedJob{
			ID:          job.ID,
			Name:        job.Name,
			RunAt:       job.RunAt,
			LockedUntil: job.LockedUntil,
			LastRunAt:   job.LastRunAt,
			Payload:     job.Payload,
		})
	}
	data, err := yaml.Marshal(listed)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal jobs to YAML")
	}
	return string(data), nil
}

func tableData(jobs []*scheduler.Job, now time.Time) pterm.TableData {
	data := pterm.TableData{{"ID", "NAME", "RUN AT", "STATE"}}
	for _, job := range jobs {
		data = append(data, []string{
			job.ID,
			job.Name,
			job.RunAt.Local().Format(time.DateTime),
			jobState(job, now),
		})
	}
	return data
}

// jobState describes a job relative to now.
func jobState(job *scheduler.Job, now time.Time) string {
	switch {
	case job.LockedUntil != nil && job.LockedUntil.After(now):
		return "running, leased for " + job.LockedUntil.Sub(now).Round(time.Second).String()
	case job.RunAt.After(now):
		return "due in " + job.RunAt.Sub(now).Round(time.Second).String()
	case job.LockedUntil != nil:
		return "lease expired"
	default:
		return "due"
	}
}

func runIndexes(cmd *cobra.Command, args []string) error {
	store, disconnect, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer disconnect()

	name, err := store.EnsureIndexes(cmd.Context())
	if err != nil {
		return err
	}
	pterm.Success.Printfln("index %s ready on %s", name, store.CollectionName())
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/MapColonies/arstotzka"
	"github.com/MapColonies/arstotzka/api"
	"github.com/MapColonies/arstotzka/internal/correlation"
	"github.com/MapColonies/arstotzka/internal/svcfields"
	"github.com/MapColonies/arstotzka/mediator"
)

const (
	clientServerKey      = "client.server"
	clientRegistryKey    = "client.registry_url"
	clientLockyKey       = "client.locky_url"
	clientActionyKey     = "client.actiony_url"
	clientTimeoutKey     = "client.timeout"
	clientRetriesKey     = "client.retries"
	clientRetryDelayKey  = "client.retry_delay"
	clientOutputKey      = "client.output"
	clientVerboseKey     = "client.verbose"
	envCorrelation       = "ARSTOTZKA_CLIENT_CORRELATION_ID"
	defaultClientServer  = "http://127.0.0.1" + arstotzka.DefaultListen
	defaultClientRetries = 0
)

type outputMode string

const (
	outputText outputMode = "text"
	outputJSON outputMode = "json"
)

func newClientCommand() *cobra.Command {
	cfg := &clientCLIConfig{}
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Talk to a running arstotzka deployment",
		Long: `Client calls the registry, locky and actiony roles over HTTP. --server is
used for every role unless a per-role URL is given.`,
	}

	flags := cmd.PersistentFlags()
	flags.StringP("server", "s", defaultClientServer, "base URL used for every role without its own URL")
	flags.String("registry-url", "", "registry base URL (defaults to --server)")
	flags.String("locky-url", "", "locky base URL (defaults to --server)")
	flags.String("actiony-url", "", "actiony base URL (defaults to --server)")
	flags.Duration("timeout", mediator.DefaultTimeout, "per-call timeout")
	flags.Int("retries", defaultClientRetries, "retries for idempotent calls")
	flags.Duration("retry-delay", mediator.DefaultRetryDelay, "delay between retries")
	flags.StringP("output", "o", string(outputText), "output format (text|json)")
	flags.BoolP("verbose", "v", false, "log requests to stderr")

	mustBindFlag(clientServerKey, "ARSTOTZKA_CLIENT_SERVER", flags.Lookup("server"))
	mustBindFlag(clientRegistryKey, "ARSTOTZKA_CLIENT_REGISTRY_URL", flags.Lookup("registry-url"))
	mustBindFlag(clientLockyKey, "ARSTOTZKA_CLIENT_LOCKY_URL", flags.Lookup("locky-url"))
	mustBindFlag(clientActionyKey, "ARSTOTZKA_CLIENT_ACTIONY_URL", flags.Lookup("actiony-url"))
	mustBindFlag(clientTimeoutKey, "ARSTOTZKA_CLIENT_TIMEOUT", flags.Lookup("timeout"))
	mustBindFlag(clientRetriesKey, "ARSTOTZKA_CLIENT_RETRIES", flags.Lookup("retries"))
	mustBindFlag(clientRetryDelayKey, "ARSTOTZKA_CLIENT_RETRY_DELAY", flags.Lookup("retry-delay"))
	mustBindFlag(clientOutputKey, "ARSTOTZKA_CLIENT_OUTPUT", flags.Lookup("output"))
	mustBindFlag(clientVerboseKey, "", flags.Lookup("verbose"))

	cmd.AddCommand(
		newClientServiceCommand(cfg),
		newClientLockCommand(cfg),
		newClientUnlockCommand(cfg),
		newClientReserveCommand(cfg),
		newClientActionCommand(cfg),
		newClientRotateCommand(cfg),
	)
	return cmd
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

type clientCLIConfig struct {
	loaded      bool
	registryURL string
	lockyURL    string
	actionyURL  string
	timeout     time.Duration
	retries     int
	retryDelay  time.Duration
	output      outputMode
	verbose     bool
}

func (c *clientCLIConfig) load() error {
	if c.loaded {
		return nil
	}
	server := strings.TrimRight(strings.TrimSpace(viper.GetString(clientServerKey)), "/")
	pick := func(key string) string {
		if v := strings.TrimSpace(viper.GetString(key)); v != "" {
			return v
		}
		return server
	}
	c.registryURL = pick(clientRegistryKey)
	c.lockyURL = pick(clientLockyKey)
	c.actionyURL = pick(clientActionyKey)
	c.timeout = viper.GetDuration(clientTimeoutKey)
	c.retries = viper.GetInt(clientRetriesKey)
	if c.retries < 0 {
		return fmt.Errorf("client retries must be >= 0")
	}
	c.retryDelay = viper.GetDuration(clientRetryDelayKey)
	switch mode := outputMode(strings.ToLower(strings.TrimSpace(viper.GetString(clientOutputKey)))); mode {
	case "", outputText:
		c.output = outputText
	case outputJSON:
		c.output = outputJSON
	default:
		return fmt.Errorf("invalid output %q (expected text or json)", mode)
	}
	c.verbose = viper.GetBool(clientVerboseKey)
	c.loaded = true
	return nil
}

func (c *clientCLIConfig) client() (*mediator.Client, error) {
	if err := c.load(); err != nil {
		return nil, err
	}
	mcfg := mediator.Config{
		RegistryURL: c.registryURL,
		LockyURL:    c.lockyURL,
		ActionyURL:  c.actionyURL,
		Timeout:     c.timeout,
	}
	if c.retries > 0 {
		mcfg.Retry = &mediator.RetryStrategy{Retries: c.retries, Delay: c.retryDelay}
	}
	var opts []mediator.Option
	if c.verbose {
		logger := pslog.NewWithOptions(os.Stderr, pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.DebugLevel})
		opts = append(opts, mediator.WithLogger(svcfields.WithSubsystem(logger, "client.cli")))
	}
	return mediator.New(mcfg, opts...)
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resolveCorrelationID() string {
	if env := strings.TrimSpace(os.Getenv(envCorrelation)); env != "" {
		if normalized, ok := correlation.Normalize(env); ok {
			return normalized
		}
	}
	return correlation.Generate()
}

func commandContextWithCorrelation(cmd *cobra.Command) (context.Context, string) {
	id := resolveCorrelationID()
	return correlation.Set(cmd.Context(), id), id
}

// parseMetadata turns key=value pairs into action metadata. Values that parse
// as JSON keep their JSON type; everything else is stored as a string.
func parseMetadata(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	meta := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid metadata %q (expected key=value)", pair)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("metadata key cannot be empty (%q)", pair)
		}
		value = strings.TrimSpace(value)
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			meta[key] = decoded
		} else {
			meta[key] = value
		}
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func formatWhen(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	return humanize.Time(ts)
}

func formatOptional[T any](v *T) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func printServiceDetail(out io.Writer, d api.ServiceDetail) {
	fmt.Fprintf(out, "service:     %s (%s)\n", d.ServiceName, d.ServiceID)
	fmt.Fprintf(out, "namespace:   %s (%d)\n", d.NamespaceName, d.NamespaceID)
	fmt.Fprintf(out, "type:        %s\n", d.ServiceType)
	fmt.Fprintf(out, "parallelism: %s\n", d.Parallelism)
	fmt.Fprintf(out, "rotation:    %d (parent %s)\n", d.ServiceRotation, formatOptional(d.ParentRotation))
	fmt.Fprintf(out, "parent:      %s\n", formatOptional(d.Parent))
	if len(d.Children) > 0 {
		fmt.Fprintf(out, "children:    %s\n", strings.Join(d.Children, ", "))
	}
	for _, b := range d.Blockees {
		fmt.Fprintf(out, "blocks:      %s (%s)\n", b.ServiceName, b.ServiceID)
	}
	fmt.Fprintf(out, "updated:     %s\n", formatWhen(d.UpdatedAt))
}

func printActions(out io.Writer, actions []api.Action) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ACTION\tSERVICE\tSTATE\tROTATION\tSTATUS\tCREATED\tCLOSED")
	for _, a := range actions {
		closed := "-"
		if a.ClosedAt != nil {
			closed = humanize.Time(*a.ClosedAt)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d/%s\t%s\t%s\t%s\n",
			a.ActionID, a.ServiceID, a.State, a.ServiceRotation, formatOptional(a.ParentRotation),
			a.Status, formatWhen(a.CreatedAt), closed)
	}
	return tw.Flush()
}

func newClientServiceCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "service [service-id]",
		Short: "Show a service, or list every service",
		Example: `  # List services
  arstotzka client service

  # Show one service with its children and blockees
  arstotzka client service 0190f1c2-...`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				detail, err := cli.FetchService(ctx, args[0])
				if err != nil {
					return err
				}
				if cfg.output == outputJSON {
					return writeJSON(out, detail)
				}
				printServiceDetail(out, detail)
				return nil
			}
			services, err := cli.ListServices(ctx)
			if err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(out, services)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tID\tNAMESPACE\tTYPE\tPARALLELISM\tROTATION\tUPDATED")
			for _, s := range services {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%s\t%s\n",
					s.ServiceName, s.ServiceID, s.NamespaceName, s.ServiceType, s.Parallelism,
					s.ServiceRotation, formatOptional(s.ParentRotation), formatWhen(s.UpdatedAt))
			}
			return tw.Flush()
		},
	}
}

func newClientLockCommand(cfg *clientCLIConfig) *cobra.Command {
	var services []string
	var expiration time.Duration
	var reason string
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Lock a set of services",
		Example: `  # Lock two services for ten minutes
  arstotzka client lock --service $A --service $B --expiration 10m --reason maintenance`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(services) == 0 {
				return fmt.Errorf("at least one --service is required")
			}
			if expiration < 0 {
				return fmt.Errorf("expiration must be >= 0")
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			lockID, err := cli.CreateLock(ctx, api.LockRequest{
				Services:   services,
				Expiration: expiration.Milliseconds(),
				Reason:     reason,
			})
			if err != nil {
				return err
			}
			return printLockID(cmd.OutOrStdout(), cfg.output, lockID)
		},
	}
	cmd.Flags().StringSliceVar(&services, "service", nil, "service id to lock (repeatable)")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "lock lifetime (0 never expires)")
	cmd.Flags().StringVar(&reason, "reason", "", "note stored with the lock")
	cmd.AddCommand(newClientLockGetCommand(cfg))
	return cmd
}

func printLockID(out io.Writer, mode outputMode, lockID string) error {
	if mode == outputJSON {
		return writeJSON(out, api.LockResponse{LockID: lockID})
	}
	_, err := fmt.Fprintln(out, lockID)
	return err
}

func newClientLockGetCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:           "get <lock-id>",
		Short:         "Show a lock",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			lock, err := cli.GetLock(ctx, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if cfg.output == outputJSON {
				return writeJSON(out, lock)
			}
			expires := "never"
			if lock.ExpiresAt != nil {
				expires = humanize.Time(*lock.ExpiresAt)
			}
			fmt.Fprintf(out, "lock:     %s\n", lock.LockID)
			fmt.Fprintf(out, "services: %s\n", strings.Join(lock.ServiceIDs, ", "))
			if lock.Reason != "" {
				fmt.Fprintf(out, "reason:   %s\n", lock.Reason)
			}
			fmt.Fprintf(out, "created:  %s\n", formatWhen(lock.CreatedAt))
			fmt.Fprintf(out, "expires:  %s\n", expires)
			return nil
		},
	}
}

func newClientUnlockCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:           "unlock <lock-id>",
		Short:         "Remove a lock",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			if err := cli.RemoveLock(ctx, args[0]); err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]bool{"removed": true})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "removed")
			return err
		},
	}
}

func newClientReserveCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve <service-id>",
		Short: "Reserve access for a service by locking its blockees",
		Long: `Reserve fails with active_blocking_actions while any blockee has active
work. On success the returned lock holds the blockees until it is removed or
expires.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			lockID, err := cli.ReserveAccess(ctx, args[0])
			if err != nil {
				return err
			}
			return printLockID(cmd.OutOrStdout(), cfg.output, lockID)
		},
	}
}

func newClientActionCommand(cfg *clientCLIConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "action",
		Short: "List, create and update actions",
	}
	cmd.AddCommand(
		newClientActionListCommand(cfg),
		newClientActionGetCommand(cfg),
		newClientActionCreateCommand(cfg),
		newClientActionUpdateCommand(cfg),
	)
	return cmd
}

func newClientActionListCommand(cfg *clientCLIConfig) *cobra.Command {
	var filter api.ActionFilter
	var rotation, parentRotation string
	var statuses []string
	var sort string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actions matching a filter",
		Example: `  # Active actions of a service, newest first
  arstotzka client action list --service $ID --status active --sort desc`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if filter.Rotation, err = parseOptionalInt(rotation, "rotation"); err != nil {
				return err
			}
			if filter.ParentRotation, err = parseOptionalInt(parentRotation, "parent-rotation"); err != nil {
				return err
			}
			for _, raw := range statuses {
				status := api.ActionStatus(strings.ToLower(strings.TrimSpace(raw)))
				if !status.Valid() {
					return fmt.Errorf("invalid status %q", raw)
				}
				filter.Status = append(filter.Status, status)
			}
			switch order := api.SortOrder(strings.ToLower(strings.TrimSpace(sort))); order {
			case "", api.SortAsc, api.SortDesc:
				filter.Sort = order
			default:
				return fmt.Errorf("invalid sort %q (expected asc or desc)", sort)
			}
			if filter.Limit < 0 {
				return fmt.Errorf("limit must be >= 0")
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			actions, err := cli.FilterActions(ctx, filter)
			if err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), actions)
			}
			return printActions(cmd.OutOrStdout(), actions)
		},
	}
	cmd.Flags().StringVar(&filter.Service, "service", "", "service id")
	cmd.Flags().StringVar(&rotation, "rotation", "", "service rotation")
	cmd.Flags().StringVar(&parentRotation, "parent-rotation", "", "parent rotation")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status (active, completed, failed, canceled; repeatable)")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of actions (0 returns all)")
	cmd.Flags().StringVar(&sort, "sort", "", "order by creation time (asc|desc)")
	return cmd
}

func parseOptionalInt(raw, name string) (*int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", name, raw, err)
	}
	return &v, nil
}

func newClientActionGetCommand(cfg *clientCLIConfig) *cobra.Command {
	return &cobra.Command{
		Use:           "get <action-id>",
		Short:         "Show an action",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			action, err := cli.GetAction(ctx, args[0])
			if err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), action)
			}
			return printActions(cmd.OutOrStdout(), []api.Action{action})
		},
	}
}

func newClientActionCreateCommand(cfg *clientCLIConfig) *cobra.Command {
	var state int64
	var namespaceID int64
	var metadata []string
	cmd := &cobra.Command{
		Use:   "create <service-id>",
		Short: "Start an action for a service",
		Example: `  # Record that state 42 is being processed
  arstotzka client action create $ID --state 42 --meta source=replication`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			actionID, err := cli.CreateAction(ctx, api.ActionRequest{
				ServiceID:   args[0],
				State:       state,
				NamespaceID: namespaceID,
				Metadata:    meta,
			})
			if err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), api.ActionResponse{ActionID: actionID})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), actionID)
			return err
		},
	}
	cmd.Flags().Int64Var(&state, "state", 0, "state the action works on")
	cmd.Flags().Int64Var(&namespaceID, "namespace-id", 0, "namespace id (defaults to the service namespace)")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "metadata key=value (repeatable; JSON values are decoded)")
	return cmd
}

func newClientActionUpdateCommand(cfg *clientCLIConfig) *cobra.Command {
	var status string
	var metadata []string
	cmd := &cobra.Command{
		Use:   "update <action-id>",
		Short: "Close an action or merge metadata into it",
		Example: `  # Close an action
  arstotzka client action update $ACTION --status completed`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch api.ActionPatch
			if status != "" {
				patch.Status = api.ActionStatus(strings.ToLower(strings.TrimSpace(status)))
				if !patch.Status.Valid() {
					return fmt.Errorf("invalid status %q", status)
				}
			}
			meta, err := parseMetadata(metadata)
			if err != nil {
				return err
			}
			patch.Metadata = meta
			if patch.Status == "" && patch.Metadata == nil {
				return fmt.Errorf("nothing to update (set --status or --meta)")
			}
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			action, err := cli.UpdateAction(ctx, args[0], patch)
			if err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), action)
			}
			return printActions(cmd.OutOrStdout(), []api.Action{action})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status (completed, failed, canceled)")
	cmd.Flags().StringArrayVar(&metadata, "meta", nil, "metadata key=value (repeatable; JSON values are decoded)")
	return cmd
}

func newClientRotateCommand(cfg *clientCLIConfig) *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "rotate <service-id>",
		Short: "Rotate a service and its descendants",
		Long: `Rotate locks the service subtree, checks that no service in it has active
work and advances the rotation of the service and every descendant.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := cfg.client()
			if err != nil {
				return err
			}
			ctx, _ := commandContextWithCorrelation(cmd)
			if err := cli.Rotate(ctx, args[0], description); err != nil {
				return err
			}
			if cfg.output == outputJSON {
				return writeJSON(cmd.OutOrStdout(), map[string]bool{"rotated": true})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "rotated")
			return err
		},
	}
	cmd.Flags().StringVar(&description, "description", "", "reason recorded on the rotation lock")
	return cmd
}

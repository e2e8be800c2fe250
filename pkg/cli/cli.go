package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "os"
    "os/signal"
    "sort"
    "syscall"
    "time"

    "github.com/spf13/cobra"
    "go.uber.org/zap"

    "github.com/amirimatin/go-gms/pkg/bootstrap"
    "github.com/amirimatin/go-gms/pkg/internal/logutil"
    "github.com/amirimatin/go-gms/pkg/leave"
    "github.com/amirimatin/go-gms/pkg/merge"
    tracing "github.com/amirimatin/go-gms/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-gms/pkg/security/tlsconfig"
    "github.com/amirimatin/go-gms/pkg/transport"
    httpjson "github.com/amirimatin/go-gms/pkg/transport/httpjson"
    "github.com/amirimatin/go-gms/pkg/view"
)

// AddAll attaches the gms subcommands (run/status/leave/suspect/resolve) to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewLeaveCmd())
    root.AddCommand(NewSuspectCmd())
    root.AddCommand(NewResolveCmd())
}

// NewGroupCommand returns a parent command "group" containing the gms subcommands.
func NewGroupCommand() *cobra.Command {
    parent := &cobra.Command{Use: "group", Short: "group membership commands"}
    AddAll(parent)
    return parent
}

// NewRunCmd returns the "run" command used to start a node.
func NewRunCmd() *cobra.Command {
    var (
        cfg                     bootstrap.Config
        traceEnable, leaveOnExit bool
    )
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a group membership node",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()

            logger, err := logutil.New(cfg.LogLevel)
            if err != nil { return fmt.Errorf("logger: %w", err) }
            defer func() { _ = logger.Sync() }()
            cfg.Logger = logger

            if traceEnable {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logger.Warn("tracing setup failed", zap.Error(err))
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            rt, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            logger.Info("node running, press Ctrl+C to exit", zap.Stringer("view", rt.Node.View()))
            <-ctx.Done()

            sctx, scancel := context.WithTimeout(context.Background(), 2*(cfg.LeaveTimeout+time.Second))
            defer scancel()
            if leaveOnExit {
                if resp, err := rt.Leave(sctx); err != nil {
                    logger.Warn("leave failed", zap.Error(err))
                } else {
                    logger.Info("left group", zap.String("status", resp.Status), zap.String("sender", resp.Sender))
                }
            }
            return rt.Close(sctx)
        },
    }
    f := cmd.Flags()
    f.StringVar(&cfg.NodeID, "id", "", "gossip node name (defaults to the gms address)")
    f.StringVar(&cfg.GMSBind, "gms-bind", "127.0.0.1:7950", "membership transport bind addr (host:port)")
    f.StringVar(&cfg.GMSAdvertise, "gms-adv", "", "membership transport advertise addr, required for wildcard binds")
    f.StringVar(&cfg.MemBind, "mem-bind", "", "failure detector bind addr (host:port), empty disables gossip")
    f.StringVar(&cfg.MemAdv, "mem-adv", "", "failure detector advertise addr (host:port, optional)")
    f.StringVar(&cfg.MgmtAddr, "mgmt-addr", "127.0.0.1:17950", "management HTTP address, empty disables it")
    f.StringVar(&cfg.DiscoveryKind, "discovery", bootstrap.DiscoveryStatic, "discovery backend: static|etcd")
    f.StringVar(&cfg.SeedsCSV, "join", "", "comma-separated gms seed addresses (discovery=static)")
    f.StringVar(&cfg.GossipSeedsCSV, "gossip-join", "", "comma-separated failure detector seeds (discovery=static)")
    f.StringVar(&cfg.EtcdEndpointsCSV, "etcd-endpoints", "", "comma-separated etcd endpoints (discovery=etcd)")
    f.StringVar(&cfg.EtcdPrefix, "etcd-prefix", "", "etcd key prefix for node registrations")
    f.Int64Var(&cfg.EtcdTTL, "etcd-ttl", 0, "etcd registration lease TTL in seconds")
    f.StringVar(&cfg.DataDir, "data", "", "view journal directory, empty keeps it in memory")
    f.IntVar(&cfg.JournalKeep, "journal-keep", bootstrap.DefaultJournalKeep, "journaled views kept after compaction")
    f.DurationVar(&cfg.LeaveTimeout, "leave-timeout", leave.DefaultTimeout, "how long a leave waits for the coordinator")
    f.DurationVar(&cfg.MergeTimeout, "merge-timeout", merge.DefaultTimeout, "how long a merge leader waits for responses")
    f.DurationVar(&cfg.JoinTimeout, "join-timeout", bootstrap.DefaultJoinTimeout, "how long to try each seed")
    f.IntVar(&cfg.HistorySize, "history", 20, "size of the request and merge id histories")
    f.DurationVar(&cfg.MaxBatchAge, "max-batch-age", 0, "flush a batch older than this despite in-flight submitters (0 disables)")
    f.BoolVar(&cfg.StateTransfer, "state-transfer", false, "request state transfer when joining")
    f.BoolVar(&cfg.UseFlush, "use-flush", false, "ask the coordinator to flush before installing views")
    f.BoolVar(&leaveOnExit, "leave-on-exit", true, "leave the group gracefully on shutdown")
    f.StringVar(&cfg.LogLevel, "log-level", "info", "log level (debug|info|warn|error)")
    f.BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    f.BoolVar(&cfg.TLSEnable, "tls-enable", false, "enable mTLS for the gms transport and management API")
    f.StringVar(&cfg.TLSCA, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&cfg.TLSCert, "tls-cert", "", "path to node certificate (PEM)")
    f.StringVar(&cfg.TLSKey, "tls-key", "", "path to node private key (PEM)")
    f.BoolVar(&cfg.TLSSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&cfg.TLSServerName, "tls-server-name", "", "expected server name (for TLS validation)")
    f.BoolVar(&cfg.TLSHotReload, "tls-hot-reload", true, "reload certificates from disk without restarting")
    return cmd
}

// clientFlags are shared by the commands talking to a management API.
type clientFlags struct {
    addr    string
    timeout time.Duration
    tls     tlsx.Options
}

func (c *clientFlags) register(cmd *cobra.Command) {
    f := cmd.Flags()
    f.StringVar(&c.addr, "addr", "127.0.0.1:17950", "management address of a node (host:port)")
    f.DurationVar(&c.timeout, "timeout", 3*time.Second, "request timeout")
    f.BoolVar(&c.tls.Enable, "tls-enable", false, "enable mTLS for the management API")
    f.StringVar(&c.tls.CAFile, "tls-ca", "", "path to CA cert (PEM)")
    f.StringVar(&c.tls.CertFile, "tls-cert", "", "path to client certificate (PEM)")
    f.StringVar(&c.tls.KeyFile, "tls-key", "", "path to client private key (PEM)")
    f.BoolVar(&c.tls.InsecureSkipVerify, "tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.StringVar(&c.tls.ServerName, "tls-server-name", "", "expected server name (for TLS validation)")
}

func (c *clientFlags) client() (*httpjson.Client, error) {
    cli := httpjson.NewClient(c.timeout)
    cfg, err := c.tls.Client()
    if err != nil { return nil, fmt.Errorf("tls client config: %w", err) }
    if cfg != nil { cli.UseTLS(cfg) }
    return cli, nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch node status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, cf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            _, _ = out.Write(data)
            if len(data) == 0 || data[len(data)-1] != '\n' { _, _ = out.Write([]byte("\n")) }
            return nil
        },
    }
    cf.register(cmd)
    return cmd
}

// NewLeaveCmd returns the "leave" command, which makes the addressed node
// leave its group.
func NewLeaveCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Make a node leave its group",
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
            defer cancel()
            resp, err := client.PostLeave(ctx, cf.addr)
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return json.NewEncoder(cmd.OutOrStdout()).Encode(resp)
        },
    }
    cf.register(cmd)
    return cmd
}

// NewSuspectCmd returns the "suspect" command.
func NewSuspectCmd() *cobra.Command {
    var cf clientFlags
    cmd := &cobra.Command{
        Use:   "suspect MEMBER",
        Short: "Report a member as failed to a node",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            client, err := cf.client()
            if err != nil { return err }
            ctx, cancel := context.WithTimeout(cmd.Context(), cf.timeout)
            defer cancel()
            if err := client.PostSuspect(ctx, cf.addr, transport.SuspectRequest{Member: args[0]}); err != nil {
                return fmt.Errorf("suspect error: %w", err)
            }
            _, err = fmt.Fprintf(cmd.OutOrStdout(), "suspected %s\n", args[0])
            return err
        },
    }
    cf.register(cmd)
    return cmd
}

// Resolution is the output of the resolve command.
type Resolution struct {
    Subgroups map[view.Address][]view.Address `json:"subgroups"`
    Leader    view.Address                    `json:"leader,omitempty"`
    Merged    *view.View                      `json:"merged,omitempty"`
}

// ResolveViews reads a JSON object mapping observers to the views they
// reported and computes the subgroups, the merge leader and the merge view
// the leader would install if every subgroup accepted.
func ResolveViews(r io.Reader) (Resolution, error) {
    var views map[view.Address]*view.View
    if err := json.NewDecoder(r).Decode(&views); err != nil { return Resolution{}, fmt.Errorf("decode views: %w", err) }
    views = merge.SanitizeViews(views)
    groups := merge.Resolve(views)
    res := Resolution{Subgroups: groups, Leader: merge.LeaderOf(groups)}

    coords := make([]view.Address, 0, len(groups))
    for c := range groups { coords = append(coords, c) }
    sort.Slice(coords, func(i, j int) bool { return coords[i] < coords[j] })
    accepted := make([]*view.View, 0, len(coords))
    for _, c := range coords {
        if v := views[c]; v != nil {
            accepted = append(accepted, v)
            continue
        }
        // a singleton subgroup whose own view was not reported
        accepted = append(accepted, view.New(view.ViewID{Creator: c, Counter: 1}, groups[c]...))
    }
    res.Merged = merge.Consolidate(accepted)
    return res, nil
}

// NewResolveCmd returns the "resolve" command, an offline aid for
// inspecting how a set of partition views would merge.
func NewResolveCmd() *cobra.Command {
    var file string
    cmd := &cobra.Command{
        Use:   "resolve",
        Short: "Compute subgroups and the merge view from observed views (JSON)",
        RunE: func(cmd *cobra.Command, args []string) error {
            in := cmd.InOrStdin()
            if file != "" && file != "-" {
                f, err := os.Open(file)
                if err != nil { return err }
                defer f.Close()
                in = f
            }
            res, err := ResolveViews(in)
            if err != nil { return err }
            enc := json.NewEncoder(cmd.OutOrStdout())
            enc.SetIndent("", "  ")
            return enc.Encode(res)
        },
    }
    cmd.Flags().StringVarP(&file, "file", "f", "-", "file with a JSON object of observer -> view, - for stdin")
    return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

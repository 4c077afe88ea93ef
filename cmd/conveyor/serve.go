package main

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/smtp"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lattice-ci/conveyor/pkg/changecache"
	"github.com/lattice-ci/conveyor/pkg/equeue"
	"github.com/lattice-ci/conveyor/pkg/executor"
	"github.com/lattice-ci/conveyor/pkg/gerrit"
	"github.com/lattice-ci/conveyor/pkg/gitlab"
	"github.com/lattice-ci/conveyor/pkg/log"
	"github.com/lattice-ci/conveyor/pkg/merger"
	"github.com/lattice-ci/conveyor/pkg/metrics"
	"github.com/lattice-ci/conveyor/pkg/nodepool"
	"github.com/lattice-ci/conveyor/pkg/pipeline"
	"github.com/lattice-ci/conveyor/pkg/reporter"
	"github.com/lattice-ci/conveyor/pkg/rpcproto"
	"github.com/lattice-ci/conveyor/pkg/security"
	"github.com/lattice-ci/conveyor/pkg/source"
	"github.com/lattice-ci/conveyor/pkg/timer"
	"github.com/lattice-ci/conveyor/pkg/types"
	"github.com/lattice-ci/conveyor/pkg/zkstore"
	"golang.org/x/crypto/ssh"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/spf13/cobra"
)

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Start the first replica of a new coordination cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, joinSpec{bootstrap: true})
	},
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Start a replica that joins an existing coordination cluster",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		if leader == "" {
			return fmt.Errorf("join: --leader is required")
		}
		return runServe(cmd, joinSpec{leaderControlAddr: leader})
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a replica, bootstrapping or joining depending on --leader",
	RunE: func(cmd *cobra.Command, args []string) error {
		leader, _ := cmd.Flags().GetString("leader")
		return runServe(cmd, joinSpec{bootstrap: leader == "", leaderControlAddr: leader})
	},
}

func init() {
	joinCmd.Flags().String("leader", "", "host:port of an existing replica's control-plane listener")
	serveCmd.Flags().String("leader", "", "host:port of an existing replica's control-plane listener; omit to bootstrap")
}

// joinSpec selects how runServe brings up the coordination store: as the
// first replica of a new cluster, or as a new member of an existing one.
type joinSpec struct {
	bootstrap         bool
	leaderControlAddr string
}

// runServe is the single entry point shared by bootstrap/join/serve: it
// wires every collaborator described by the replica's config file and
// blocks until an OS signal requests shutdown (spec §5's replica
// lifecycle): bootstrap/join split the way a multi-replica coordination
// store needs).
func runServe(cmd *cobra.Command, spec joinSpec) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := zkstore.NewRaftStore(zkstore.Config{
		NodeID:   cfg.Node.ID,
		BindAddr: cfg.Node.BindAddr,
		DataDir:  cfg.Node.DataDir,
	})
	if err != nil {
		return fmt.Errorf("open coordination store: %w", err)
	}
	defer store.Close()
	store.SetApplyDurationObserver(metrics.RaftApplyDuration)

	if spec.bootstrap {
		if err := store.Bootstrap(); err != nil {
			return fmt.Errorf("bootstrap coordination store: %w", err)
		}
	} else {
		if err := store.Join(); err != nil {
			return fmt.Errorf("join coordination store: %w", err)
		}
		if err := requestAddVoter(ctx, spec.leaderControlAddr, cfg.Node.ID, cfg.Node.BindAddr); err != nil {
			return fmt.Errorf("register with leader %s: %w", spec.leaderControlAddr, err)
		}
	}
	metrics.RegisterComponent("store", true, "started")

	sm, err := security.NewSecretsManagerFromPassword(cfg.ClusterID)
	if err != nil {
		return fmt.Errorf("init secrets manager: %w", err)
	}

	ca := security.NewCertAuthority(store)
	if err := ca.LoadFromStore(); err != nil {
		if spec.bootstrap {
			if err := ca.Initialize(); err != nil {
				return fmt.Errorf("initialize CA: %w", err)
			}
			if err := ca.SaveToStore(); err != nil {
				return fmt.Errorf("persist CA: %w", err)
			}
		} else {
			return fmt.Errorf("load CA: %w", err)
		}
	}

	leaseID, err := store.NewLease(30 * time.Second)
	if err != nil {
		return fmt.Errorf("acquire replica lease: %w", err)
	}
	go renewLeaseForever(ctx, store, leaseID)

	grpcServer := grpc.NewServer()
	rpcproto.RegisterControlServer(grpcServer, newControlServer(store, cfg.Node.ID))
	listener, err := net.Listen("tcp", cfg.Node.APIAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Node.APIAddr, err)
	}
	go func() {
		if err := grpcServer.Serve(listener); err != nil {
			log.Logger.Error().Err(err).Msg("control-plane server exited")
		}
	}()
	defer grpcServer.GracefulStop()
	metrics.RegisterComponent("control", true, "started")

	sources, mux, err := buildSources(ctx, store, cfg, sm, leaseID)
	if err != nil {
		return fmt.Errorf("build source connections: %w", err)
	}
	caches := make(map[string]*changecache.Cache, len(sources))
	for name := range sources {
		caches[name] = changecache.New(store, "/zuul/cache/connection/"+name)
	}

	nodes := nodepool.New(store, cfg.Nodepool.Root, cfg.Nodepool.QPS, cfg.Nodepool.Burst)
	dispatcher := executor.New(store, cfg.Executor.Root)

	var mergerClient *merger.Client
	if cfg.Merger.Addr != "" {
		mergerClient, err = dialMerger(ca, cfg.Merger.Addr, cfg.Merger.ClientTLSName)
		if err != nil {
			return fmt.Errorf("dial merger: %w", err)
		}
		defer mergerClient.Close()
	}

	reporters, err := buildReporters(cfg, sources, caches)
	if err != nil {
		return fmt.Errorf("build reporters: %w", err)
	}

	jobGraph := pipeline.NewStaticJobGraph()
	tenants := make(map[string]*types.Tenant, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenants[t.Name] = t.toType()
	}

	managers := make([]*pipeline.Manager, 0, len(cfg.Pipelines))
	for _, pc := range cfg.Pipelines {
		jobGraph.Register(pc.Tenant, pc.Name, pc.jobTemplates())
		tenant, ok := tenants[pc.Tenant]
		if !ok {
			return fmt.Errorf("pipeline %s references unknown tenant %s", pc.Name, pc.Tenant)
		}
		mgr := pipeline.New(tenant, pc.toType(), pipeline.Deps{
			Store:     store,
			Sources:   sources,
			Caches:    caches,
			Nodes:     nodes,
			Executor:  dispatcher,
			Reporters: reporters,
			Jobs:      jobGraph,
			Merger:    mergerClient,
		})
		managers = append(managers, mgr)
		go func(mgr *pipeline.Manager) {
			if err := mgr.Start(ctx, leaseID); err != nil {
				log.Logger.Error().Err(err).Msg("pipeline manager exited")
			}
		}(mgr)
	}

	collector := metrics.NewCollector(store, pipelineRefs(cfg), defaultMetricsInterval)
	collector.Start()
	defer collector.Stop()
	metrics.SetVersion(Version)
	metrics.RegisterComponent("raft", true, "started")

	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics/webhook server exited")
		}
	}()
	defer metricsServer.Close()

	log.Logger.Info().Str("node_id", cfg.Node.ID).Msg("conveyor replica started")
	<-ctx.Done()
	log.Logger.Info().Msg("shutting down")
	for _, mgr := range managers {
		mgr.Stop()
	}
	return nil
}

func renewLeaseForever(ctx context.Context, store *zkstore.RaftStore, leaseID string) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.RenewLease(leaseID); err != nil {
				log.Logger.Warn().Err(err).Msg("lease renewal failed")
			}
			if err := store.ReapExpiredLeases(); err != nil {
				log.Logger.Debug().Err(err).Msg("lease reap failed")
			}
		}
	}
}

func pipelineRefs(cfg *fileConfig) []metrics.PipelineRef {
	refs := make([]metrics.PipelineRef, 0, len(cfg.Pipelines))
	for _, p := range cfg.Pipelines {
		refs = append(refs, metrics.PipelineRef{
			Tenant:   p.Tenant,
			Pipeline: p.Name,
			Root:     fmt.Sprintf("/zuul/pipeline/%s/%s", p.Tenant, p.Name),
		})
	}
	return refs
}

func dialMerger(ca *security.CertAuthority, addr, tlsName string) (*merger.Client, error) {
	if !ca.IsInitialized() {
		return merger.Dial(addr, nil, nil)
	}
	cert, err := ca.IssueClientCertificate(tlsName)
	if err != nil {
		return nil, fmt.Errorf("issue merger client cert: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(ca.GetRootCACert())
	return merger.Dial(addr, cert, pool)
}

// requestAddVoter asks the current leader (or whoever answers at addr) to
// admit this replica, following one leader redirect if told the wrong
// node answered.
func requestAddVoter(ctx context.Context, addr, nodeID, raftAddr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	req := &rpcproto.JoinRequest{NodeID: nodeID, RaftAddr: raftAddr}
	resp := new(rpcproto.JoinResponse)
	method := "/" + rpcproto.ControlServiceName + "/Join"
	if err := conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(rpcproto.Name)); err != nil {
		return err
	}
	if !resp.Accepted {
		return fmt.Errorf("join rejected: %s", resp.Error)
	}
	return nil
}

// runElectedConnector campaigns for the single-consumer election at
// electionPath (spec.md:158-160: "a single consumer per connection
// event-queue is elected by grabbing a CS lock") and runs run only while
// holding that election, re-campaigning whenever a run ends while ctx is
// still live. Losing leadership is observed as run returning (the
// connector's own ctx is cancelled alongside the outer ctx, so it stops
// cleanly rather than mid-write) or Campaign itself failing; either way the
// election is resigned before the next campaign attempt.
func runElectedConnector(ctx context.Context, store *zkstore.RaftStore, leaseID, electionPath, connection string, run func(context.Context) error) {
	election := equeue.NewElection(store, electionPath, leaseID)
	go func() {
		<-ctx.Done()
		election.Stop()
	}()

	elog := log.WithComponent("connector.election").With().Str("connection", connection).Logger()
	for {
		if err := election.Campaign(); err != nil {
			if errors.Is(err, zkstore.ErrLeaseExpired) {
				return
			}
			elog.Warn().Err(err).Msg("campaign for connector leadership failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		elog.Info().Msg("won connector election, streaming events")
		err := run(ctx)
		if rerr := election.Resign(); rerr != nil {
			elog.Warn().Err(rerr).Msg("resign connector election")
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil && err != context.Canceled {
			elog.Error().Err(err).Msg("connector exited, re-campaigning")
		}
	}
}

func buildSources(ctx context.Context, store *zkstore.RaftStore, cfg *fileConfig, sm *security.SecretsManager, leaseID string) (map[string]source.Source, *http.ServeMux, error) {
	sources := make(map[string]source.Source, len(cfg.Connections))
	mux := http.NewServeMux()

	// timer connections borrow another connection's RefResolver, so build
	// every non-timer connection first.
	var timerConns []connectionConfig
	for _, cc := range cfg.Connections {
		if cc.Driver == string(types.ConnTimer) {
			timerConns = append(timerConns, cc)
			continue
		}
		src, handler, err := buildOneSource(ctx, store, cc, sm, leaseID)
		if err != nil {
			return nil, nil, fmt.Errorf("connection %s: %w", cc.Name, err)
		}
		sources[cc.Name] = src
		if handler != nil {
			path := cc.WebhookPath
			if path == "" {
				path = "/webhooks/" + cc.Name
			}
			mux.Handle(path, handler)
		}
	}
	for _, cc := range timerConns {
		resolver, ok := sources[cc.SourceConnection].(timer.RefResolver)
		if !ok {
			return nil, nil, fmt.Errorf("timer connection %s: source-connection %q not found or unsuitable", cc.Name, cc.SourceConnection)
		}
		src := timer.New(store, timer.Config{
			Connection:     cc.toType(),
			CacheRoot:      "/zuul/cache/connection/" + cc.Name,
			EventQueueRoot: "/zuul/events/connection/" + cc.Name,
			Projects:       cc.TimerSchedules,
		}, resolver)
		sources[cc.Name] = src
		go func(s *timer.Source) {
			if err := s.Run(context.Background()); err != nil && err != context.Canceled {
				log.Logger.Error().Err(err).Msg("timer source exited")
			}
		}(src)
	}
	return sources, mux, nil
}

func buildOneSource(ctx context.Context, store *zkstore.RaftStore, cc connectionConfig, sm *security.SecretsManager, leaseID string) (source.Source, http.Handler, error) {
	switch types.ConnectionKind(cc.Driver) {
	case types.ConnGerrit:
		keyData, err := loadCredential(sm, cc.CredentialRef)
		if err != nil {
			return nil, nil, err
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, nil, fmt.Errorf("parse gerrit ssh key: %w", err)
		}
		client := gerrit.NewSSHClient(fmt.Sprintf("%s:%d", cc.Server, cc.Port), cc.User, signer, cc.BaseURL)
		eventQueueRoot := "/zuul/events/connection/" + cc.Name
		src := gerrit.New(store, gerrit.Config{
			Connection:      cc.toType(),
			CacheRoot:       "/zuul/cache/connection/" + cc.Name,
			EventQueueRoot:  eventQueueRoot,
			MaxDependencies: cc.MaxDependencies,
		}, client)
		conn := gerrit.NewConnector(src, fmt.Sprintf("%s:%d", cc.Server, cc.Port), &ssh.ClientConfig{
			User:            cc.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		})
		go runElectedConnector(ctx, store, leaseID, eventQueueRoot+"/election", cc.Name, conn.Run)
		return src, nil, nil

	case types.ConnGitLab:
		tokenData, err := loadCredential(sm, cc.CredentialRef)
		if err != nil {
			return nil, nil, err
		}
		webhookSecret, err := loadCredential(sm, cc.WebhookSecretRef)
		if err != nil {
			return nil, nil, err
		}
		client := gitlab.NewRESTClient(cc.BaseURL, string(tokenData), http.DefaultClient)
		src := gitlab.New(store, gitlab.Config{
			Connection:      cc.toType(),
			CacheRoot:       "/zuul/cache/connection/" + cc.Name,
			EventQueueRoot:  "/zuul/events/connection/" + cc.Name,
			WebhookSecret:   string(webhookSecret),
			MaxDependencies: cc.MaxDependencies,
			Projects:        cc.Projects,
		}, client)
		return src, src.Handler(), nil

	default:
		return nil, nil, fmt.Errorf("unknown driver %q", cc.Driver)
	}
}

// logPublisher stands in for reporter.Publisher when no MQTT broker client
// is configured: no complete example repo in the retrieval pack imports one
// (see DESIGN.md), so an "mqtt" reporter logs what it would have published
// instead of silently holding a nil Publisher.
type logPublisher struct{}

func (logPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	log.Logger.Info().Str("topic", topic).Bytes("payload", payload).Msg("mqtt publish (no broker client configured)")
	return nil
}

func buildReporters(cfg *fileConfig, sources map[string]source.Source, caches map[string]*changecache.Cache) (map[string]reporter.Reporter, error) {
	reporters := make(map[string]reporter.Reporter, len(cfg.Reporters))
	for _, rc := range cfg.Reporters {
		switch rc.Kind {
		case "review":
			src, ok := sources[rc.Connection]
			if !ok {
				return nil, fmt.Errorf("reporter %s: unknown connection %s", rc.Name, rc.Connection)
			}
			reporters[rc.Name] = reporter.NewReviewReporter(src, caches[rc.Connection])
		case "sql":
			r, err := reporter.NewSQLReporter(rc.DSN, rc.Table)
			if err != nil {
				return nil, fmt.Errorf("reporter %s: %w", rc.Name, err)
			}
			reporters[rc.Name] = r
		case "mqtt":
			reporters[rc.Name] = reporter.NewMQTTReporter(logPublisher{}, rc.Topic)
		case "smtp":
			reporters[rc.Name] = reporter.NewSMTPReporter(rc.SMTPAddr, smtp.Auth(nil), rc.From, rc.To)
		default:
			return nil, fmt.Errorf("reporter %s: unknown kind %q", rc.Name, rc.Kind)
		}
	}
	return reporters, nil
}

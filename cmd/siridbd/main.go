// Command siridbd runs one node of the cluster coordination core: it
// accepts backend (server-to-server) and client connections, authenticates
// each, and keeps this process's view of pool membership and server
// liveness in sync with the rest of the cluster.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/siridb/siridb-cluster/internal/adminapi"
	"github.com/siridb/siridb-cluster/internal/clientauth"
	"github.com/siridb/siridb-cluster/internal/cluster"
	"github.com/siridb/siridb-cluster/internal/clusterstore"
	"github.com/siridb/siridb-cluster/internal/config"
	"github.com/siridb/siridb-cluster/internal/groups"
	"github.com/siridb/siridb-cluster/internal/identity"
	"github.com/siridb/siridb-cluster/internal/lifecycle"
	"github.com/siridb/siridb-cluster/internal/telemetry"
)

func main() {
	cfg := config.Get()

	localUUID, err := uuid.Parse(cfg.Cluster.UUID)
	if err != nil {
		localUUID = uuid.New()
		slog.Warn("siridbd: no valid cluster.uuid configured, generated one", "uuid", localUUID)
	}

	sup := lifecycle.New()
	metrics := telemetry.NewMetrics()

	registry := cluster.NewRegistry()
	local := cluster.NewLocalServer(localUUID, cfg.Server.Interface, uint16(cfg.Server.Port), cfg.Cluster.Pool)
	local.SetFlags(cluster.FlagRunning)
	if err := registry.AddServer(local); err != nil {
		slog.Error("siridbd: registering local server", "error", err)
		os.Exit(1)
	}

	for _, seed := range cfg.Cluster.Seeds {
		id, err := uuid.Parse(seed.UUID)
		if err != nil {
			slog.Warn("siridbd: skipping seed with invalid uuid", "uuid", seed.UUID, "error", err)
			continue
		}
		srv := cluster.NewServer(id, seed.Address, seed.Port, seed.Pool)
		if err := registry.AddServer(srv); err != nil {
			slog.Warn("siridbd: skipping seed, registration failed", "uuid", id, "error", err)
		}
	}

	clientAuth := clientauth.NewRegistry()
	clientAuth.Register(clientauth.NewStore(cfg.Database.Name, cfg.Auth.BcryptCost))

	groupsPath := groups.DefaultPath(cfg.Database.DataDir)
	groupRegistry, err := groups.NewRegistry(groupsPath)
	if err != nil {
		slog.Error("siridbd: loading group registry", "path", groupsPath, "error", err)
		os.Exit(1)
	}
	groupWorker := groups.NewWorker(groupRegistry)
	unregisterGroupWorker := sup.Register(groupWorker)

	responder := &cluster.Responder{
		DBName:     cfg.Database.Name,
		LocalUUID:  localUUID,
		Version:    cfg.Database.Version,
		MinVersion: cfg.Database.MinVersion,
		Lookup: func(id uuid.UUID) *cluster.Server {
			srv, ok := registry.ByUUID(id)
			if !ok {
				return nil
			}
			return srv
		},
		VersionLess: versionLess,
	}

	var flagBus *clusterstore.FlagBus
	if cfg.PubSub.Enabled {
		flagBus = clusterstore.NewFlagBus(cfg.PubSub.Addr, cfg.PubSub.Channel)
	}

	var auditLog *clusterstore.AuditLog
	if cfg.AuditLog.Enabled {
		auditLog, err = clusterstore.OpenAuditLog(cfg.AuditLog.DSN)
		if err != nil {
			slog.Warn("siridbd: audit log unavailable, continuing without it", "error", err)
			auditLog = nil
		}
	}

	var id *identity.Identity
	if cfg.Identity.Enabled {
		id, err = identity.Connect(cfg.Identity.SocketPath, cfg.Identity.TrustDomain)
		if err != nil {
			slog.Warn("siridbd: SPIFFE identity unavailable, backend listener runs without mTLS", "error", err)
			id = nil
		}
	}

	admin, err := adminapi.NewServer(registry, groupRegistry)
	if err != nil {
		slog.Error("siridbd: building admin API", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	go groupWorker.Run(ctx)

	if cfg.Telemetry.Enabled {
		go func() {
			slog.Info("siridbd: telemetry listening", "addr", cfg.Telemetry.Addr)
			if err := serveMetrics(cfg.Telemetry.Addr); err != nil {
				slog.Error("siridbd: telemetry server exited", "error", err)
			}
		}()
	}

	if cfg.AdminAPI.Enabled {
		go func() {
			if err := admin.Serve(cfg.AdminAPI.Addr); err != nil {
				slog.Error("siridbd: admin API server exited", "error", err)
			}
		}()
	}

	if flagBus != nil {
		go func() {
			err := flagBus.Subscribe(ctx, func(serverUUID uuid.UUID, flags cluster.Flag) {
				srv, ok := registry.ByUUID(serverUUID)
				if !ok {
					return
				}
				srv.ApplyPeerFlags(flags)
				metrics.SetServerOnline(serverUUID.String(), fmt.Sprint(srv.Pool), srv.Online())
				admin.Broadcast(adminapi.TopologyEvent{
					Kind:       "flags",
					ServerUUID: serverUUID.String(),
					Pool:       srv.Pool,
					Predicate:  srv.Flags().Classify().String(),
				})
			})
			if err != nil {
				slog.Warn("siridbd: flag bus subscription ended", "error", err)
			}
		}()
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Interface, cfg.Server.Port))
	if err != nil {
		slog.Error("siridbd: listening", "error", err)
		os.Exit(1)
	}
	slog.Info("siridbd: listening", "addr", listener.Addr())

	srv := &connServer{
		registry:   registry,
		responder:  responder,
		clientAuth: clientAuth,
		metrics:    metrics,
		auditLog:   auditLog,
		admin:      admin,
		sup:        sup,
	}

	go srv.acceptLoop(listener)

	sup.OnShutdown(func(context.Context) {
		listener.Close()
		local.SetFlags(local.Flags() &^ cluster.FlagRunning)
		if flagBus != nil {
			_ = flagBus.Publish(context.Background(), localUUID, local.Flags())
			flagBus.Close()
		}
		groupWorker.Stop()
		<-groupWorker.Done()
		unregisterGroupWorker()
		if auditLog != nil {
			auditLog.Close()
		}
		if id != nil {
			id.Close()
		}
	})

	code := sup.Run(ctx)
	slog.Info("siridbd: exiting", "code", code)
	os.Exit(code)
}

// versionLess compares dotted version strings ("2.0.0" < "2.1.0") well
// enough for the handshake's compatibility window; it is not a full semver
// comparator (no pre-release/build metadata handling).
func versionLess(a, b string) bool {
	pa, pb := splitVersion(a), splitVersion(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var va, vb int
		if i < len(pa) {
			va = pa[i]
		}
		if i < len(pb) {
			vb = pb[i]
		}
		if va != vb {
			return va < vb
		}
	}
	return false
}

func splitVersion(v string) []int {
	var out []int
	cur := 0
	has := false
	for _, r := range v {
		if r >= '0' && r <= '9' {
			cur = cur*10 + int(r-'0')
			has = true
			continue
		}
		out = append(out, cur)
		cur, has = 0, false
	}
	if has || len(out) == 0 {
		out = append(out, cur)
	}
	return out
}

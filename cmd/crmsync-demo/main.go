// Command crmsync-demo runs the full sync pipeline end to end against an
// in-process fake CRM: credential registration, token refresh, a batched
// upsert through the gateway, conflict resolution, and the session report.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/c0deZ3R0/go-crm-sync/batch"
	"github.com/c0deZ3R0/go-crm-sync/config"
	"github.com/c0deZ3R0/go-crm-sync/credentials"
	"github.com/c0deZ3R0/go-crm-sync/crmsync"
	"github.com/c0deZ3R0/go-crm-sync/gateway"
	"github.com/c0deZ3R0/go-crm-sync/logging"
	"github.com/c0deZ3R0/go-crm-sync/session"
	"github.com/c0deZ3R0/go-crm-sync/storage/sqlite"
)

func main() {
	logging.Init(logging.GetConfigFromEnv())

	if err := run(context.Background()); err != nil {
		logging.LogError(context.Background(), err, "demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(os.Getenv("CRMSYNC_CONFIG"))
	if err != nil {
		return err
	}

	// A local fake CRM keeps the demo self-contained.
	baseURL, shutdown, err := startFakeCRM()
	if err != nil {
		return err
	}
	defer shutdown()

	dir, err := os.MkdirTemp("", "crmsync-demo")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	store, err := sqlite.New(sqlite.DefaultConfig("file:" + filepath.Join(dir, "crmsync.db")))
	if err != nil {
		return err
	}
	defer store.Close()

	manager, err := credentials.NewManager(credentials.ManagerOptions{
		Store: store,
		TokenClient: credentials.NewTokenClient(credentials.TokenClientOptions{
			TokenURL: baseURL + "/oauth2/token",
		}),
		RefreshMargin:  cfg.RefreshMargin,
		EvictThreshold: cfg.EvictThreshold,
	})
	if err != nil {
		return err
	}

	if err := manager.Add(ctx, &credentials.Credential{
		Identity:      "demo@acme",
		ClientID:      "demo-client",
		ClientSecret:  "demo-secret",
		RefreshToken:  "demo-refresh",
		APIBaseDomain: baseURL,
	}); err != nil {
		return err
	}

	// Acquire mints the first access token via the refresh grant.
	lease, err := manager.Acquire(ctx, "demo@acme")
	if err != nil {
		return err
	}
	defer lease.Release()

	gw := gateway.New(lease, gateway.Options{
		RetryAfterDefault: cfg.RetryAfterDefault,
		QuotaReserve:      cfg.QuotaReserve,
		ConnectTimeout:    cfg.ConnectTimeout,
		ReadTimeout:       cfg.ReadTimeout,
	})

	tracker, err := session.NewTracker(session.TrackerOptions{Store: store})
	if err != nil {
		return err
	}

	orchestrator, err := batch.New(batch.Options{
		Tracker:         tracker,
		BatchSize:       cfg.BatchSize,
		InterBatchDelay: cfg.InterBatchDelay,
	})
	if err != nil {
		return err
	}

	// Push a batch of deals up.
	records := make([]crmsync.Record, 250)
	for i := range records {
		records[i] = crmsync.Record{
			"Id":     fmt.Sprintf("deal-%03d", i),
			"Name":   fmt.Sprintf("Deal %d", i),
			"Amount": 1000 + i,
		}
	}
	result, err := orchestrator.Run(ctx, gw, crmsync.OpBulkUpsert, records)
	if err != nil {
		return err
	}
	logging.Info("bulk upsert finished",
		slog.String("session_id", result.SessionID),
		slog.Int("successful", result.Successful),
		slog.Int("failed", result.Failed))

	// Pull the remote view back and merge it against local analytical state.
	remote, err := gw.Get(ctx, "/deals/deal-001", nil)
	if err != nil {
		return err
	}
	if len(remote.Records) == 0 {
		return fmt.Errorf("fake CRM returned no record for deal-001")
	}

	local := crmsync.Record{
		"Id":            "deal-001",
		"Amount":        1001,
		"health_signal": "RED",
		"health_phase":  "negotiation",
	}
	resolver := crmsync.NewResolver(crmsync.DefaultDealPolicy())
	merged, conflicts := resolver.Resolve(local, remote.Records[0], "deal-001")

	mergeSession, err := tracker.Start(ctx, crmsync.OpIncrementalSync, lease.Identity(), 1)
	if err != nil {
		return err
	}
	if _, err := tracker.Record(ctx, mergeSession.ID, session.Progress{
		Successful: 1,
		Conflicts:  conflicts,
	}); err != nil {
		return err
	}
	if _, err := tracker.Complete(ctx, mergeSession.ID); err != nil {
		return err
	}

	logging.Info("merge finished",
		slog.String("session_id", mergeSession.ID),
		slog.Int("conflicts", len(conflicts)),
		slog.Any("merged_amount", merged["Amount"]),
		slog.Any("health_signal", merged["health_signal"]))

	report, err := tracker.Health(ctx, time.Hour)
	if err != nil {
		return err
	}
	logging.Info("health report",
		slog.Int("sessions", report.SessionsConsidered),
		slog.Float64("score", report.Score),
		slog.String("bucket", string(report.Bucket)))

	return nil
}

// startFakeCRM serves a minimal slice of the remote protocol: the token
// endpoint, bulk upsert, and single-record reads.
func startFakeCRM() (string, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}

	deals := make(map[string]crmsync.Record)

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "demo-access-token",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/deals/bulk/upsert", func(w http.ResponseWriter, r *http.Request) {
		var payload struct {
			Data []crmsync.Record `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		results := make([]map[string]interface{}, len(payload.Data))
		for i, rec := range payload.Data {
			id := rec.ID("Id")
			_, existed := deals[id]
			// The remote nudges every amount up to create a divergence the
			// resolver will flag on the next pull.
			rec = rec.Clone()
			if amount, ok := rec["Amount"].(float64); ok {
				rec["Amount"] = amount + 500
			}
			deals[id] = rec
			results[i] = map[string]interface{}{"id": id, "success": true, "created": !existed}
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"results": results})
	})
	mux.HandleFunc("/deals/", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Path[len("/deals/"):]
		rec, ok := deals[id]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"data": []crmsync.Record{rec}})
	})

	server := &http.Server{Handler: mux}
	go server.Serve(listener)

	return "http://" + listener.Addr().String(), func() { server.Close() }, nil
}

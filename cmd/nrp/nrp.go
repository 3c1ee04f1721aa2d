package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"

	"github.com/asmogo/nrp/config"
	"github.com/asmogo/nrp/pool"
	"github.com/asmogo/nrp/store"
	"github.com/nbd-wtf/go-nostr"
	"github.com/spf13/cobra"
)

const (
	usageKinds   = "event kinds to request"
	usageAuthors = "author public keys to request"
	usageLimit   = "per-relay event limit"
	usageRelays  = "target relays (overrides configuration)"
)

var (
	flagKinds   []int
	flagAuthors []string
	flagLimit   int
	flagRelays  []string
)

func main() {
	rootCmd := &cobra.Command{Use: "nrp"}
	queryCmd := &cobra.Command{Use: "query", Run: runQuery, Short: "fetch events and exit after EOSE"}
	streamCmd := &cobra.Command{Use: "stream", Run: runStream, Short: "stream live events until interrupted"}
	publishCmd := &cobra.Command{Use: "publish", Run: runPublish, Short: "publish signed events read from stdin"}
	for _, cmd := range []*cobra.Command{queryCmd, streamCmd} {
		cmd.Flags().IntSliceVarP(&flagKinds, "kinds", "k", []int{1}, usageKinds)
		cmd.Flags().StringSliceVarP(&flagAuthors, "authors", "a", nil, usageAuthors)
		cmd.Flags().IntVarP(&flagLimit, "limit", "l", 100, usageLimit)
	}
	rootCmd.PersistentFlags().StringSliceVarP(&flagRelays, "relays", "r", nil, usageRelays)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(streamCmd)
	rootCmd.AddCommand(publishCmd)
	err := rootCmd.Execute()
	if err != nil {
		panic(err)
	}
}

func setup(ctx context.Context) (*config.PoolConfig, *pool.Pool, *store.Store) {
	cfg, err := config.LoadConfig[config.PoolConfig]()
	if err != nil {
		slog.Error("could not load configuration", "error", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.DatabasePath, store.WithIdleTimeout(cfg.IdleTimeout))
	if err != nil {
		slog.Error("could not open store", "error", err)
		os.Exit(1)
	}
	p := pool.New(ctx,
		pool.WithResponseTimeout(cfg.ResponseTimeout),
		pool.WithBatchWindow(cfg.StreamingBufferWindow),
		pool.WithRelayGroups(cfg.Groups()),
		pool.WithOnEvents(func(subID string, events []*nostr.Event, relaysForID map[string][]string) {
			if err := st.SaveEvents(events, relaysForID); err != nil {
				slog.Error("could not persist events", "error", err)
			}
		}),
	)
	return cfg, p, st
}

func targetRelays(cfg *config.PoolConfig) []string {
	if len(flagRelays) > 0 {
		return flagRelays
	}
	return cfg.Relays()
}

func buildFilter() nostr.Filter {
	return nostr.Filter{
		Kinds:   flagKinds,
		Authors: flagAuthors,
		Limit:   flagLimit,
	}
}

func runQuery(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	cfg, p, st := setup(ctx)
	defer st.Close()
	defer p.Dispose()

	done, err := p.Query(pool.NewRequest("cli", buildFilter()), pool.Source{
		Relays: targetRelays(cfg),
	})
	if err != nil {
		slog.Error("query failed", "error", err)
		os.Exit(1)
	}
	events := <-done
	sort.Slice(events, func(i, j int) bool {
		return events[i].CreatedAt > events[j].CreatedAt
	})
	for _, evt := range events {
		printEvent(evt)
	}
}

func runStream(cmd *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	cfg, p, st := setup(ctx)
	defer st.Close()
	defer p.Dispose()

	req := pool.NewRequest("cli", buildFilter())
	_, err := p.Query(req, pool.Source{
		Relays: targetRelays(cfg),
		Stream: true,
	})
	if err != nil {
		slog.Error("stream failed", "error", err)
		os.Exit(1)
	}
	slog.Info("streaming, press ctrl-c to stop")
	<-ctx.Done()
	p.Unsubscribe(req.ID)
}

func runPublish(cmd *cobra.Command, _ []string) {
	ctx := cmd.Context()
	cfg, p, st := setup(ctx)
	defer st.Close()
	defer p.Dispose()

	var events []*nostr.Event
	decoder := json.NewDecoder(os.Stdin)
	for decoder.More() {
		var evt nostr.Event
		if err := decoder.Decode(&evt); err != nil {
			slog.Error("could not decode event", "error", err)
			os.Exit(1)
		}
		events = append(events, &evt)
	}
	if len(events) == 0 {
		slog.Info("nothing to publish")
		return
	}

	// events only go to connected relays, so warm the sockets first
	warm, err := p.Query(pool.NewRequest("warmup", nostr.Filter{Limit: 1}), pool.Source{
		Relays: targetRelays(cfg),
	})
	if err != nil {
		slog.Error("could not reach relays", "error", err)
		os.Exit(1)
	}
	<-warm
	done, err := p.Publish(events, pool.Source{Relays: targetRelays(cfg)})
	if err != nil {
		slog.Error("publish failed", "error", err)
		os.Exit(1)
	}
	resp := <-done
	for relay, ids := range resp.Accepted {
		for _, id := range ids {
			fmt.Printf("accepted %s by %s\n", id, relay)
		}
	}
	for relay, byEvent := range resp.Rejected {
		for id, reason := range byEvent {
			fmt.Printf("rejected %s by %s: %s\n", id, relay, reason)
		}
	}
}

func printEvent(evt *nostr.Event) {
	encoded, err := json.Marshal(evt)
	if err != nil {
		slog.Error("could not encode event", "error", err)
		return
	}
	fmt.Println(string(encoded))
}

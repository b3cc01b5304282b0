package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"relaycore/internal/domain"
	"relaycore/internal/usecase/apiclient"
	"relaycore/internal/usecase/scheduling"
)

// commonFlags are accepted by every subcommand.
type commonFlags struct {
	config string
	class  string
}

func newFlagSet(name string, cf *commonFlags, withClass bool) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringVar(&cf.config, "config", "", "config file (default ./relaycore.yaml, env RELAYCORE_CONFIG)")
	if withClass {
		fs.StringVar(&cf.class, "class", string(domain.ServerCaching), "server class: caching, upload or wallet")
	}
	return fs
}

// parseFilter checks that raw is a JSON object before it goes on the wire.
func parseFilter(raw string) (json.RawMessage, error) {
	if raw == "" {
		return nil, domain.NewDomainError("parseFilter", domain.ErrInvalidInput, "--filter is required")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, domain.NewDomainError("parseFilter", domain.ErrInvalidInput, fmt.Sprintf("--filter must be a JSON object: %v", err))
	}
	return json.RawMessage(raw), nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runQuery(args []string, out io.Writer) error {
	var cf commonFlags
	var filterRaw, subID string
	fs := newFlagSet("query", &cf, true)
	fs.StringVar(&filterRaw, "filter", "", "REQ filter as a JSON object")
	fs.StringVar(&subID, "sub-id", "", "subscription id (generated when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	class, err := domain.ParseServerClass(cf.class)
	if err != nil {
		return err
	}
	filter, err := parseFilter(filterRaw)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	client := rt.client(class)
	defer client.Close()

	var opts []apiclient.QueryOption
	if subID != "" {
		opts = append(opts, apiclient.WithSubscriptionID(subID))
	}
	res, err := client.Query(ctx, filter, opts...)
	if err != nil {
		return err
	}

	for _, ev := range append(res.Events(), res.Extended()...) {
		fmt.Fprintln(out, string(ev.Raw))
	}
	fmt.Fprintf(out, "# %d events, %d extended, ended by %s\n", len(res.Events()), len(res.Extended()), res.Terminal().Verb)
	return nil
}

func runCount(args []string, out io.Writer) error {
	var cf commonFlags
	var filterRaw string
	fs := newFlagSet("count", &cf, true)
	fs.StringVar(&filterRaw, "filter", "", "COUNT filter as a JSON object")
	if err := fs.Parse(args); err != nil {
		return err
	}
	class, err := domain.ParseServerClass(cf.class)
	if err != nil {
		return err
	}
	filter, err := parseFilter(filterRaw)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	client := rt.client(class)
	defer client.Close()

	n, err := client.Count(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, n)
	return nil
}

func runEndpoints(args []string, out io.Writer) error {
	var cf commonFlags
	if err := newFlagSet("endpoints", &cf, false).Parse(args); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	printEndpoints(out, rt.store.Endpoints())
	return nil
}

func printEndpoints(out io.Writer, eps []domain.Endpoint) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CLASS\tURL\tOVERRIDDEN")
	for _, ep := range eps {
		fmt.Fprintf(tw, "%s\t%s\t%t\n", ep.Class, ep.URL, ep.Overridden)
	}
	tw.Flush()
}

func runOverride(args []string, out io.Writer) error {
	var cf commonFlags
	var url string
	fs := newFlagSet("override", &cf, true)
	fs.StringVar(&url, "url", "", "ws:// or wss:// URL to pin")
	if err := fs.Parse(args); err != nil {
		return err
	}
	class, err := domain.ParseServerClass(cf.class)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.store.OverrideURL(ctx, class, url); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s -> %s (overridden)\n", class, rt.store.URL(class))
	return nil
}

func runRevert(args []string, out io.Writer) error {
	var cf commonFlags
	if err := newFlagSet("revert", &cf, true).Parse(args); err != nil {
		return err
	}
	class, err := domain.ParseServerClass(cf.class)
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.store.RevertToDefault(ctx, class); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s -> %s\n", class, rt.store.URL(class))
	return nil
}

func runRefresh(args []string, out io.Writer) error {
	var cf commonFlags
	if err := newFlagSet("refresh", &cf, false).Parse(args); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	if err := rt.store.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh: %w (code %s)", err, domain.ErrorCodeOf(err))
	}
	printEndpoints(out, rt.store.Endpoints())
	return nil
}

// runWatch keeps one API client per class following the store, runs the
// refresh schedule and prints lifecycle events until interrupted.
func runWatch(args []string, out io.Writer) error {
	var cf commonFlags
	if err := newFlagSet("watch", &cf, false).Parse(args); err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	rt, err := newRuntime(ctx, cf.config)
	if err != nil {
		return err
	}
	defer rt.close()

	// One subscriber means handler calls are serialized.
	unsubscribe := rt.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		fmt.Fprintf(out, "%s %-22s %-8s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, ev.Class, ev.Payload)
	})
	defer unsubscribe()

	sched := scheduling.New(rt.log)
	if s := rt.cfg.Endpoints.RefreshSchedule; s != "" {
		if err := sched.Add(scheduling.JobEndpointRefresh, s, scheduling.RefreshJob(rt.store)); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	for _, class := range domain.ServerClasses() {
		c := rt.client(class)
		c.Start(ctx)
		defer c.Close()
	}

	rt.log.Info("watching endpoints", "schedule", rt.cfg.Endpoints.RefreshSchedule)
	<-ctx.Done()
	return nil
}

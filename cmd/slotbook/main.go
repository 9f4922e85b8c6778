package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"slotbook/internal/admin"
	"slotbook/internal/api"
	"slotbook/internal/bus"
	"slotbook/internal/calendar"
	"slotbook/internal/config"
	"slotbook/internal/ics"
	appLog "slotbook/internal/log"
	"slotbook/internal/notify"
	"slotbook/internal/prefs"
	"slotbook/internal/refresher"
	"slotbook/internal/web"
)

type flagConfig struct {
	configPath string
	listen     string
	once       bool
	exportPath string
}

func main() {
	os.Exit(run())
}

func run() int {
	defer appLog.Sync()
	appLog.Info("slotbook starting", "version", "0.1.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		if conf == nil {
			return 1
		}
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("unknown timezone, using local", err, "timezone", conf.Timezone)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"api_base_url", conf.APIBaseURL,
		"timezone", loc.String(),
		"user_id", conf.UserID,
		"categories", len(conf.Categories),
		"admin_anchor_date", conf.AdminAnchorDate,
		"refresh", conf.RefreshCron,
		"preferences_backend", conf.Preferences.Backend,
		"once", flags.once,
		"export", flags.exportPath,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := bus.New(conf.DefaultCategory)
	client, err := api.NewClient(conf.APIBaseURL, b, api.Options{
		Timeout:   conf.RequestTimeout,
		RateLimit: conf.RateLimit,
	})
	if err != nil {
		appLog.Error("invalid api_base_url", err, "api_base_url", conf.APIBaseURL)
		return 1
	}

	store, err := prefs.Open(ctx, conf.Preferences)
	if err != nil {
		appLog.Error("failed to open preferences store", err, "backend", conf.Preferences.Backend)
		return 1
	}
	defer store.Close()

	alerts := notify.NewRing(0)

	pc := prefs.New(store, b, prefs.Options{
		Default:    conf.DefaultCategory,
		Categories: conf.Categories,
	})
	pc.Start(ctx)

	cal := calendar.New(client, b, calendar.Options{
		UserID:   conf.UserID,
		Location: loc,
		Alerter:  alerts,
	})
	cal.Start(ctx)
	defer cal.Stop()

	if flags.once || flags.exportPath != "" {
		return runOnce(cal, flags)
	}

	adm := admin.New(client, b, admin.Options{
		AnchorDate:    conf.AdminAnchorDate,
		Categories:    conf.Categories,
		Location:      loc,
		SettleDelay:   conf.SettleDelay,
		SendUTCOffset: conf.SendUTCOffset,
		Alerter:       alerts,
	})
	adm.Start(ctx)
	defer adm.Stop()

	ref, err := refresher.New(conf.RefreshCron, b)
	if err != nil {
		appLog.Error("invalid refresh schedule", err, "refresh", conf.RefreshCron)
		return 1
	}
	ref.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		ref.Stop(stopCtx)
	}()

	srv := web.NewServer(conf, web.Deps{
		Calendar: cal,
		Admin:    adm,
		Prefs:    pc,
		Alerts:   alerts,
	})
	if err := srv.Serve(ctx); err != nil {
		appLog.Error("HTTP server failed", err, "listen", conf.Listen)
		return 1
	}

	appLog.Info("slotbook exiting")
	return 0
}

// runOnce prints and/or exports the week the calendar loaded on start.
func runOnce(cal *calendar.Controller, flags flagConfig) int {
	if flags.once {
		printWeek(os.Stdout, cal)
	}
	if flags.exportPath != "" {
		data, err := ics.Export(cal.Slots(), cal.Location(), ics.ExportOptions{
			Name:   "SlotBook " + cal.Category() + " " + cal.WeekRange(),
			UserID: cal.UserID(),
		})
		if err != nil {
			appLog.Error("export failed", err)
			return 1
		}
		if err := os.WriteFile(flags.exportPath, data, 0o644); err != nil {
			appLog.Error("write export failed", err, "path", flags.exportPath)
			return 1
		}
		appLog.Info("week exported", "path", flags.exportPath, "slots", len(cal.Slots()))
	}
	return 0
}

func printWeek(w io.Writer, cal *calendar.Controller) {
	fmt.Fprintf(w, "%s  [%s]\n\n", cal.WeekRange(), cal.Category())

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTART\tEND\tSTATUS")
	for _, s := range cal.Slots() {
		id := "-"
		if s.ID != nil {
			id = fmt.Sprint(*s.ID)
		}
		status := s.Status()
		if cal.IsSignedUp(s) {
			status = "Yours"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, s.StartTime, s.EndTime, status)
	}
	tw.Flush()
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/slotbook/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Load the current week, print it and exit")
	flag.StringVar(&cfg.exportPath, "export", "", "Write the current week as iCalendar to this path and exit")

	flag.Parse()

	return cfg
}

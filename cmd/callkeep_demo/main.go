package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/callkeep/pkg/callkeep"
	"github.com/arzzra/callkeep/pkg/config"
	"github.com/arzzra/callkeep/pkg/dispatch"
	"github.com/arzzra/callkeep/pkg/logger"
	"github.com/arzzra/callkeep/pkg/metrics"
	"github.com/arzzra/callkeep/pkg/provider/mockprovider"
	"github.com/arzzra/callkeep/pkg/session"
)

func main() {
	configPath := flag.String("config", "", "путь к INI-файлу конфигурации")
	serve := flag.Bool("serve", false, "не завершаться после сценариев, обслуживать /metrics")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.Fatalf("Ошибка загрузки конфигурации: %v", err)
		}
		cfg = loaded
	}

	lg := logger.New(cfg.Logging)
	defer lg.Close()
	logger.SetDefaultLogger(lg)

	registry := prometheus.NewRegistry()
	mc := cfg.MetricsCollectorConfig()
	mc.Registerer = registry
	collector := metrics.NewCollector(mc)

	if cfg.Metrics.Enabled && cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				lg.Error(context.Background(), "сервер метрик остановлен", logger.Err(err))
			}
		}()
		defer srv.Close()
		fmt.Printf("✓ Метрики доступны на http://%s/metrics\n", cfg.Metrics.Listen)
	}

	primitive := mockprovider.New()
	svc := callkeep.New(
		callkeep.WithPrimitive(primitive),
		callkeep.WithLogger(lg),
		callkeep.WithMetrics(collector),
		callkeep.WithTombstones(cfg.Store.Tombstones),
		callkeep.WithDispatchConfig(cfg.Dispatch),
	)

	ctx := context.Background()
	if err := run(ctx, svc, primitive, cfg); err != nil {
		fmt.Printf("✗ %v\n", err)
		closeService(svc)
		os.Exit(1)
	}

	fmt.Printf("\nВызовы примитива: %d\n", len(primitive.Calls()))
	closeService(svc)

	if *serve {
		fmt.Println("Ожидание, Ctrl+C для выхода")
		select {}
	}
}

func closeService(svc *callkeep.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		log.Printf("Ошибка остановки: %v", err)
	}
}

func run(ctx context.Context, svc *callkeep.Service, primitive *mockprovider.Primitive, cfg config.Config) error {
	fmt.Println("=== Демонстрация CallKeep ===")

	if err := svc.RegisterProvider(ctx, cfg.Provider.Name, cfg.Provider.SupportsVideo); err != nil {
		return fmt.Errorf("регистрация провайдера: %w", err)
	}
	fmt.Printf("✓ Провайдер %q зарегистрирован\n", cfg.Provider.Name)

	listener := dispatch.ListenerFunc(func(ctx context.Context, n dispatch.Notification) error {
		fmt.Printf("  → %s session=%s %s\n", n.Kind, n.SessionID, details(n))
		return nil
	})
	if err := svc.SetListener(ctx, listener); err != nil {
		return err
	}

	if err := incomingScenario(ctx, svc); err != nil {
		return err
	}
	if err := outgoingScenario(ctx, svc); err != nil {
		return err
	}
	return providerScenario(ctx, svc, primitive)
}

func incomingScenario(ctx context.Context, svc *callkeep.Service) error {
	fmt.Println("\n--- Входящий звонок ---")
	steps := []struct {
		name string
		do   func() error
	}{
		{"offerIncoming", func() error { return svc.OfferIncoming(ctx, "c1", "+15551234567", "", "number", false) }},
		{"answer", func() error { return svc.Answer(ctx, "c1") }},
		{"setOnHold", func() error { return svc.SetOnHold(ctx, "c1", true) }},
		{"endCall", func() error { return svc.EndCall(ctx, "c1") }},
		{"endCall (повтор)", func() error { return svc.EndCall(ctx, "c1") }},
	}
	return runSteps(svc, "c1", steps)
}

func outgoingScenario(ctx context.Context, svc *callkeep.Service) error {
	fmt.Println("\n--- Исходящие звонки и endAll ---")
	steps := []struct {
		name string
		do   func() error
	}{
		{"placeOutgoing c2", func() error { return svc.PlaceOutgoing(ctx, "c2", "+15559876543", "", "number", true) }},
		{"reportConnected c2", func() error { return svc.ReportConnected(ctx, "c2") }},
		{"placeOutgoing c3", func() error { return svc.PlaceOutgoing(ctx, "c3", "sip:bob@example.com", "", "", false) }},
		{"endAll", func() error { return svc.EndAll(ctx) }},
	}
	if err := runSteps(svc, "c2", steps); err != nil {
		return err
	}
	if svc.HasActiveManagedCall() {
		return errors.New("после endAll остались звонки")
	}
	return nil
}

func providerScenario(ctx context.Context, svc *callkeep.Service, primitive *mockprovider.Primitive) error {
	fmt.Println("\n--- События провайдера ---")
	cb := primitive.Callbacks()
	cb.OnIncomingConnection("os-1", primitive.NewConnection("os-1"), "+15550001111", "Dave", false)
	cb.OnAnswered("os-1")
	cb.OnHoldChanged("os-1", true)
	cb.OnHoldChanged("os-1", false)
	cb.OnDtmfTone("os-1", "5")
	cb.OnAudioRouteChanged("Speaker", "override")
	cb.OnDisconnected("os-1", session.DisconnectCause{Code: session.CauseRemote})
	cb.OnAudioSessionDeactivated()

	// Обратные вызовы обрабатываются асинхронно
	syncCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Sync(syncCtx); err != nil {
		return fmt.Errorf("ожидание событий провайдера: %w", err)
	}

	if _, err := svc.Session("os-1"); !session.IsAlreadyEnded(err) {
		return fmt.Errorf("os-1 должен быть завершен: %v", err)
	}
	fmt.Println("✓ Звонок ОС обработан")

	if err := svc.Answer(ctx, "missing"); err != nil {
		fmt.Printf("✓ Ожидаемая ошибка: %v\n", err)
	}
	return nil
}

func runSteps(svc *callkeep.Service, id string, steps []struct {
	name string
	do   func() error
}) error {
	for _, step := range steps {
		if err := step.do(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		state := "removed"
		if cs, err := svc.Session(id); err == nil {
			state = cs.State.String()
		}
		fmt.Printf("✓ %s (%s: %s)\n", step.name, id, state)
	}
	return nil
}

func details(n dispatch.Notification) string {
	switch n.Kind {
	case dispatch.KindCallEnded:
		return "reason=" + n.Reason
	case dispatch.KindHoldChanged:
		return fmt.Sprintf("on_hold=%v", n.OnHold)
	case dispatch.KindMuteChanged:
		return fmt.Sprintf("muted=%v", n.Muted)
	case dispatch.KindDTMFReceived:
		return "digit=" + n.Digit
	case dispatch.KindAudioRouteChanged:
		return "output=" + n.Output
	case dispatch.KindOutgoingCallStarted:
		return "handle=" + n.Handle
	}
	return ""
}

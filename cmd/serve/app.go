package serve

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tphakala/skywatch/internal/api"
	"github.com/tphakala/skywatch/internal/broadcast"
	"github.com/tphakala/skywatch/internal/conf"
	"github.com/tphakala/skywatch/internal/datastore"
	"github.com/tphakala/skywatch/internal/errors"
	"github.com/tphakala/skywatch/internal/history"
	"github.com/tphakala/skywatch/internal/imagestore"
	"github.com/tphakala/skywatch/internal/ingest"
	"github.com/tphakala/skywatch/internal/logger"
	"github.com/tphakala/skywatch/internal/mqtt"
	"github.com/tphakala/skywatch/internal/notification"
	"github.com/tphakala/skywatch/internal/observability"
)

// app holds the assembled service. Optional parts are nil when disabled.
type app struct {
	log        logger.Logger
	store      datastore.Interface
	images     *imagestore.Store
	hub        *broadcast.Hub
	ingest     *ingest.Service
	server     *api.Server
	subscriber *mqtt.Subscriber
	notifier   *notification.Service
}

// newApp opens storage and wires every component from settings.
func newApp(settings *conf.Settings, log logger.Logger) (*app, error) {
	a := &app{log: log}

	a.store = datastore.New(settings)
	if a.store == nil {
		return nil, errors.Newf("no datastore backend enabled").
			Component("main").
			Category(errors.CategoryConfiguration).
			Build()
	}
	if err := a.store.Open(); err != nil {
		return nil, err
	}

	images, err := imagestore.New(settings.Uploads.Path, settings.Uploads.URLPrefix)
	if err != nil {
		a.close()
		return nil, err
	}
	a.images = images

	metrics, err := observability.NewMetrics()
	if err != nil {
		a.close()
		return nil, err
	}

	a.hub = broadcast.NewHub(
		broadcast.WithBuffer(settings.Stream.ClientBuffer),
		broadcast.WithMetrics(metrics.Broadcast))
	hist := history.New(a.store, history.WithCacheTTL(settings.History.CacheTTL))
	a.ingest = ingest.NewService(
		ingest.NewCoordinator(a.store, a.hub, hist, nil),
		a.images,
		ingest.WithRecorder(metrics.Ingest))

	if settings.Notification.Enabled {
		a.notifier, err = notification.New(&settings.Notification, notification.WithRecorder(metrics.Notification))
		if err != nil {
			a.close()
			return nil, err
		}
	}

	if settings.MQTT.Enabled {
		a.subscriber = mqtt.NewSubscriber(mqtt.ConfigFromSettings(&settings.MQTT), a.ingest,
			mqtt.WithMetrics(metrics.MQTT))
	}

	a.server, err = api.New(settings,
		api.WithIngest(a.ingest),
		api.WithHistory(hist),
		api.WithHub(a.hub),
		api.WithImages(a.images),
		api.WithMetrics(metrics))
	if err != nil {
		a.close()
		return nil, err
	}

	return a, nil
}

// run serves HTTP, consumes the bus and delivers notifications until ctx is
// cancelled or the HTTP server fails.
func (a *app) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(a.server.Serve)
	g.Go(func() error {
		<-gctx.Done()
		return a.server.Shutdown(context.Background())
	})

	if a.notifier != nil {
		sub := a.hub.Subscribe(broadcast.EventDefensiveAlert)
		g.Go(func() error {
			defer a.hub.Unsubscribe(sub)
			return a.notifier.Run(gctx, sub)
		})
	}

	if a.subscriber != nil {
		// the bus is optional: HTTP ingestion keeps working without it
		if err := a.subscriber.Start(gctx); err != nil {
			a.log.Error("MQTT subscriber not started", logger.Error(err))
		}
	}

	err := g.Wait()
	a.log.Info("SkyWatch stopped")
	return err
}

// close releases everything newApp acquired. It tolerates a partially
// built app.
func (a *app) close() {
	if a.subscriber != nil {
		a.subscriber.Stop()
	}
	if a.hub != nil {
		a.hub.Close()
	}
	if a.images != nil {
		if err := a.images.Close(); err != nil {
			a.log.Warn("failed to close image store", logger.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("failed to close datastore", logger.Error(err))
		}
	}
}

// Printernizer is a multi-printer fleet monitoring and management service.
// It connects to each configured printer over its native protocol, keeps a
// live picture of its state in sqlite, catalogs printed files in a
// content-addressed library, and republishes everything for
// home-automation and notification consumers.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/printernizer/printernizer/engine"
	"github.com/printernizer/printernizer/modules/camera"
	"github.com/printernizer/printernizer/modules/discovery"
	"github.com/printernizer/printernizer/modules/inventory"
	"github.com/printernizer/printernizer/modules/library"
	"github.com/printernizer/printernizer/modules/metadata"
	"github.com/printernizer/printernizer/modules/notifications"
	"github.com/printernizer/printernizer/modules/printers"
	"github.com/printernizer/printernizer/modules/printers/bambu"
	"github.com/printernizer/printernizer/modules/printers/bambuftp"
	"github.com/printernizer/printernizer/modules/printers/download"
	"github.com/printernizer/printernizer/modules/printers/octoprint"
	"github.com/printernizer/printernizer/modules/printers/prusa"
)

type Config struct {
	DatabasePath string `envDefault:"printernizer.sqlite3"`

	// Printers is a JSON array seeding the printer table, e.g.
	// [{"name":"X1C","kind":"bambu","host":"10.0.0.5","access_code":"12345678","serial_number":"01S00A000000000"}]
	Printers string

	MonitoringIntervalS   int `envDefault:"30"`
	MonitoringBackoffMaxS int `envDefault:"300"`
	MonitoringDiscoveryS  int `envDefault:"60"`
	MonitoringMaxFailures int `envDefault:"10"`

	FtpRetryCount     int     `envDefault:"3"`
	FtpRetryDelayS    int     `envDefault:"2"`
	FtpRetryMaxDelayS int     `envDefault:"30"`
	FtpRetryJitter    float64 `envDefault:"0.1"`

	MqttAutoReconnectDelayS int `envDefault:"60"`

	LibraryEnabled           bool   `envDefault:"true"`
	LibraryPath              string `envDefault:"library"`
	LibraryChecksumAlgorithm string `envDefault:"sha256"`
	LibraryProcessingWorkers int    `envDefault:"2"`
	LibraryPreserveOriginals bool   `envDefault:"true"`

	MaxFileSizeMb          int64 `envDefault:"500"`
	DownloadChunkSizeBytes int   `envDefault:"8192"`
	MaxConcurrentDownloads int   `envDefault:"2"`

	EnableMqttDiscovery bool
	MqttPrefix          string `envDefault:"homeassistant"`
	MqttHost            string
	MqttPort            int `envDefault:"1883"`
	MqttUsername        string
	MqttPassword        string

	DiscordWebhookURL string
	SlackWebhookURL   string
	NtfyServerURL     string
	NtfyTopic         string
}

// seedPrinter is one entry of the Printers JSON.
type seedPrinter struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	printers.Endpoint
}

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	// The MQTT library logs a lot of noise using the stdlib log package.
	log.SetOutput(io.Discard)

	conf, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "PRINTERNIZER_", UseFieldNameByDefault: true})
	if err != nil {
		panic(err)
	}
	if conf.LibraryChecksumAlgorithm != "sha256" {
		panic("unsupported checksum algorithm: " + conf.LibraryChecksumAlgorithm)
	}

	app, err := newApp(conf)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	app.Run(ctx)
}

func newApp(conf Config) (*engine.App, error) {
	db, err := engine.OpenDB(conf.DatabasePath)
	if err != nil {
		return nil, err
	}

	bus := engine.NewBus()
	app := engine.NewApp(bus)

	store := printers.NewStore(db)
	if conf.Printers != "" {
		if err := seedPrinters(store, conf.Printers); err != nil {
			slog.Error("failed to seed printers from config", "error", err)
		}
	}

	lib := library.New(db, bus, library.Config{
		Root:              conf.LibraryPath,
		Enabled:           conf.LibraryEnabled,
		PreserveOriginals: conf.LibraryPreserveOriginals,
	})
	if err := lib.Init(); err != nil {
		return nil, err
	}

	extractor := metadata.New(lib, bus, conf.LibraryProcessingWorkers)
	lib.SetExtractor(extractor)

	factory := clientFactory(conf, bus)
	manager := printers.NewManager(store, bus, factory, printers.MonitorConfig{
		Interval:       time.Duration(conf.MonitoringIntervalS) * time.Second,
		BackoffMax:     time.Duration(conf.MonitoringBackoffMaxS) * time.Second,
		DiscoveryDelay: time.Duration(conf.MonitoringDiscoveryS) * time.Second,
		MaxFailures:    conf.MonitoringMaxFailures,
	})

	snapshots := camera.New()
	manager.SetSnapshotGateway(snapshots)

	inv := inventory.New(store, manager, lib, handlerFactory(conf), inventory.Config{
		MaxFileSizeMB: conf.MaxFileSizeMb,
		MaxConcurrent: conf.MaxConcurrentDownloads,
		ChunkSize:     conf.DownloadChunkSizeBytes,
	})

	var adapters []notifications.Adapter
	if conf.DiscordWebhookURL != "" {
		adapters = append(adapters, &notifications.DiscordAdapter{WebhookURL: conf.DiscordWebhookURL})
	}
	if conf.SlackWebhookURL != "" {
		adapters = append(adapters, &notifications.SlackAdapter{WebhookURL: conf.SlackWebhookURL})
	}
	if conf.NtfyTopic != "" {
		adapters = append(adapters, &notifications.NtfyAdapter{ServerURL: conf.NtfyServerURL, Topic: conf.NtfyTopic})
	}

	app.Add(manager)
	app.Add(extractor)
	app.Add(inv)
	app.Add(notifications.New(db, bus, nil, adapters...))
	app.Add(discovery.New(bus, discovery.Config{
		Enabled:  conf.EnableMqttDiscovery && conf.MqttHost != "",
		Host:     conf.MqttHost,
		Port:     conf.MqttPort,
		Username: conf.MqttUsername,
		Password: conf.MqttPassword,
		Prefix:   conf.MqttPrefix,
	}))
	return app, nil
}

// seedPrinters inserts configured printers that are not yet in the table.
func seedPrinters(store *printers.Store, printersJSON string) error {
	var seeds []seedPrinter
	if err := json.Unmarshal([]byte(printersJSON), &seeds); err != nil {
		return err
	}

	ctx := context.Background()
	existing, err := store.List(ctx)
	if err != nil {
		return err
	}
	byName := map[string]bool{}
	for _, p := range existing {
		byName[p.Name] = true
	}

	for _, seed := range seeds {
		if byName[seed.Name] {
			continue
		}
		p := &printers.Printer{
			ID:       uuid.NewString(),
			Name:     seed.Name,
			Kind:     printers.Kind(seed.Kind),
			Endpoint: seed.Endpoint,
			Enabled:  true,
		}
		if err := store.Create(ctx, p); err != nil {
			return err
		}
		slog.Info("seeded printer from config", "name", p.Name, "kind", p.Kind)
	}
	return nil
}

// clientFactory builds the protocol client for each printer kind.
func clientFactory(conf Config, bus *engine.Bus) printers.ClientFactory {
	return func(p *printers.Printer) (printers.ProtocolClient, error) {
		switch p.Kind {
		case printers.KindBambu:
			if p.Endpoint.Host == "" || p.Endpoint.AccessCode == "" || p.Endpoint.Serial == "" {
				return nil, engine.Kind(engine.ErrConfig, "bambu printer %s needs host, access code, and serial", p.Name)
			}
			ftp := bambuftp.NewClient(p.Endpoint.Host, p.Endpoint.AccessCode, 30*time.Second)
			return bambu.NewClient(bambu.Config{
				Host:           p.Endpoint.Host,
				AccessCode:     p.Endpoint.AccessCode,
				Serial:         p.Endpoint.Serial,
				ReconnectDelay: time.Duration(conf.MqttAutoReconnectDelayS) * time.Second,
			}, ftp), nil

		case printers.KindPrusa:
			if p.Endpoint.URL == "" || p.Endpoint.APIKey == "" {
				return nil, engine.Kind(engine.ErrConfig, "prusa printer %s needs a URL and API key", p.Name)
			}
			return prusa.NewClient(p.Endpoint.URL, p.Endpoint.APIKey), nil

		case printers.KindOctoPrint:
			if p.Endpoint.URL == "" || p.Endpoint.APIKey == "" {
				return nil, engine.Kind(engine.ErrConfig, "octoprint printer %s needs a URL and API key", p.Name)
			}
			client := octoprint.NewClient(p.Endpoint.URL, p.Endpoint.APIKey)
			printerID, printerName := p.ID, p.Name
			client.SetOnEvent(func(eventType string, payload map[string]any) {
				bus.Publish("octoprint_"+eventType, map[string]any{
					"printer_id":   printerID,
					"printer_name": printerName,
					"payload":      payload,
				})
			})
			return client, nil

		default:
			return nil, engine.Kind(engine.ErrConfig, "unknown printer kind %q", p.Kind)
		}
	}
}

// handlerFactory builds the download strategy chain for each printer kind.
func handlerFactory(conf Config) inventory.HandlerFactory {
	retry := download.RetryShape{
		MaxRetries: conf.FtpRetryCount,
		Delay:      time.Duration(conf.FtpRetryDelayS) * time.Second,
		MaxDelay:   time.Duration(conf.FtpRetryMaxDelayS) * time.Second,
		Jitter:     conf.FtpRetryJitter,
	}
	return func(p *printers.Printer) *download.Handler {
		switch p.Kind {
		case printers.KindBambu:
			ftp := bambuftp.NewClient(p.Endpoint.Host, p.Endpoint.AccessCode, 30*time.Second)
			return download.NewHandler(p.ID, retry,
				download.NewFTPStrategy(ftp),
				download.NewHTTPStrategy(p.Endpoint.Host, nil),
				download.NewMQTTStrategy(),
			)
		default:
			host := ""
			if u, err := url.Parse(p.Endpoint.URL); err == nil {
				host = u.Host
			}
			return download.NewHandler(p.ID, retry,
				download.NewHTTPStrategy(host, []string{p.Endpoint.URL + "/downloads/files/local/"}),
				download.NewMQTTStrategy(),
			)
		}
	}
}

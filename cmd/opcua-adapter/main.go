package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/clearblade/paho.mqtt.golang"
	"github.com/docopt/docopt-go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/clearblade/opcua-command-adapter/internal/bridge"
	"github.com/clearblade/opcua-command-adapter/internal/config"
	"github.com/clearblade/opcua-command-adapter/internal/dispatcher"
	"github.com/clearblade/opcua-command-adapter/internal/envelope"
	"github.com/clearblade/opcua-command-adapter/internal/logging"
	"github.com/clearblade/opcua-command-adapter/internal/metrics"
	"github.com/clearblade/opcua-command-adapter/internal/session"
	"github.com/clearblade/opcua-command-adapter/internal/stack/uastack"
)

const (
	adapterName = "opc-ua-adapter"
	version     = "0.1.0"
)

const usage = `OPC UA command adapter.

Bridges MQTT request topics to OPC UA client sessions, subscriptions,
discovery and an embedded server.

Usage:
    opcua-adapter [--config=<path>] [--log-level=<level>] [--broker=<url>]
        [--topic-root=<root>] [--metrics-addr=<addr>]
    opcua-adapter -h | --help
    opcua-adapter --version

Options:
    -h --help                Show this screen.
    --version                Show version.
    --config=<path>          Adapter settings file, YAML or JSON.
    --log-level=<level>      DEBUG, INFO, WARN, ERROR or FATAL.
    --broker=<url>           MQTT broker url, e.g. tcp://localhost:1883.
    --topic-root=<root>      Root of the request and response topics.
    --metrics-addr=<addr>    Serve /metrics and /health on this address.`

// mqttPublisher publishes bridge messages with QoS 0.
type mqttPublisher struct {
	client mqtt.Client
}

func (p *mqttPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func loadConfig(opts docopt.Opts) *config.Config {
	cfg := config.Default()
	if path, _ := opts.String("--config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("[FATAL] Failed to load adapter settings: %s\n", err)
		}
		cfg = loaded
	}
	if v, _ := opts.String("--log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v, _ := opts.String("--broker"); v != "" {
		cfg.Broker.URL = v
	}
	if v, _ := opts.String("--topic-root"); v != "" {
		cfg.TopicRoot = v
	}
	if v, _ := opts.String("--metrics-addr"); v != "" {
		cfg.MetricsAddr = v
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[FATAL] Invalid adapter settings: %s\n", err)
	}
	return cfg
}

func newAdapter(cfg *config.Config, m *metrics.Metrics) *dispatcher.Adapter {
	level := logging.Normalize(cfg.LogLevel)
	st := uastack.New(uastack.Options{
		CertFile:       cfg.CertFile,
		KeyFile:        cfg.KeyFile,
		RequestTimeout: cfg.RequestTimeout(),
		Debug:          level == "DEBUG",
	})

	types, _ := cfg.SupportedTypes()
	a, err := dispatcher.New(st, dispatcher.Options{
		RequestTimeout:       cfg.RequestTimeout(),
		ContinuationCapacity: cfg.ContinuationCapacity,
		LifetimeBudget:       cfg.LifetimeBudget(),
		KeepAliveDefault:     cfg.KeepAliveDefault,
		KeepAlive: session.KeepAlive{
			Interval: cfg.KeepAlivePoll(),
			Retries:  cfg.KeepAliveRetries,
		},
		SupportedTypes: types,
		LANWindow:      cfg.MDNSWindow(),
		Metrics:        m,
	})
	if err != nil {
		log.Fatalf("[FATAL] Failed to initialize adapter: %s\n", err)
	}
	return a
}

func connectMQTT(cfg *config.Config, b func(pub bridge.Publisher) *bridge.Bridge) (mqtt.Client, *bridge.Bridge) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker.URL)
	opts.SetClientID(cfg.Broker.ClientID)
	opts.SetUsername(cfg.Broker.Username)
	opts.SetPassword(cfg.Broker.Password)
	opts.SetAutoReconnect(true)

	var br *bridge.Bridge
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Printf("[INFO] connectMQTT - Connected to broker, subscribing to %s\n", br.Filter())
		token := c.Subscribe(br.Filter(), 0, func(_ mqtt.Client, msg mqtt.Message) {
			br.Handle(msg.Topic(), msg.Payload())
		})
		if token.Wait() && token.Error() != nil {
			log.Printf("[ERROR] connectMQTT - Failed to subscribe to %s: %s\n", br.Filter(), token.Error())
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[WARN] connectMQTT - Connection to broker lost: %s\n", err)
	})

	client := mqtt.NewClient(opts)
	br = b(&mqttPublisher{client: client})
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("[FATAL] Failed to connect MQTT: %s\n", token.Error())
	}
	return client, br
}

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		log.Fatalf("[FATAL] Failed to parse arguments: %s\n", err)
	}

	cfg := loadConfig(opts)
	level := logging.Setup(cfg.LogLevel, os.Stdout)
	log.Printf("[INFO] main - Starting %s %s with log level %s\n", adapterName, version, level)

	m := metrics.New(prometheus.DefaultRegisterer)
	a := newAdapter(cfg, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var httpErr <-chan error
	if cfg.MetricsAddr != "" {
		httpErr = runHTTPServer(ctx, cfg.MetricsAddr, a)
	}

	client, _ := connectMQTT(cfg, func(pub bridge.Publisher) *bridge.Bridge {
		return bridge.New(cfg.TopicRoot, a, pub)
	})

	for _, ep := range cfg.Endpoints {
		r := a.Dispatch(&envelope.Message{Command: envelope.CmdStartClient, Endpoint: ep.Ref()})
		if !r.IsOK() {
			log.Printf("[ERROR] main - Failed to start client for %s: %s\n", ep.URL, r)
		}
	}

	// wait for signal to stop/kill process to allow for graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-c:
		log.Printf("[INFO] OS signal %s received, gracefully shutting down adapter.\n", sig)
	case err := <-httpErr:
		log.Printf("[ERROR] main - Metrics server stopped: %s\n", err)
	}

	cancel()
	a.Close()
	client.Disconnect(uint(time.Second / time.Millisecond))
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	flag "github.com/spf13/pflag"

	"github.com/fragotesac/frazkteco-devices/internal/app"
	"github.com/fragotesac/frazkteco-devices/internal/terminal/mqttgw"
)

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	topic := flag.String("topic", "zkcontrol/terminal", "gateway topic prefix")
	discover := flag.Bool("discover", false, "locate the broker and topic through mDNS instead of --broker/--topic")
	seedPath := flag.StringP("seed", "s", "", "YAML file with initial users and attendance logs")
	terminalAddr := flag.String("terminal", "192.168.18.201:4370", "terminal address reported in heartbeats")
	heartbeat := flag.Duration("heartbeat", 30*time.Second, "interval between status heartbeats")
	punchEvery := flag.Duration("punch-every", 0, "append a random attendance record at this interval (0 disables)")
	latency := flag.Duration("latency", 0, "artificial delay before every reply")
	rejectAttendance := flag.Bool("reject-attendance", false, "refuse attendance downloads like some terminal configurations do")
	verbose := flag.BoolP("verbose", "v", false, "debug logging")

	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *discover {
		url, t, err := discoverHub(ctx, 5*time.Second)
		if err != nil {
			logger.Error("hub discovery failed", "error", err)
			os.Exit(1)
		}
		*brokerAddr, *topic = url, t
		logger.Info("hub discovered", "broker", url, "topic", t)
	}

	sim := newSimulator(logger.With("component", "terminal-sim"))
	sim.latency = *latency
	sim.rejectAttendance = *rejectAttendance
	if *seedPath != "" {
		f, err := os.Open(*seedPath)
		if err != nil {
			logger.Error("open seed file", "error", err)
			os.Exit(1)
		}
		err = sim.loadSeed(f)
		_ = f.Close()
		if err != nil {
			logger.Error("load seed file", "error", err)
			os.Exit(1)
		}
	}

	gatewayID := mqttgw.GatewayClientPrefix + uuid.NewString()
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(gatewayID)
	opts = opts.SetOrderMatters(false).SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		logger.Error("failed to connect to broker", "broker", *brokerAddr, "error", token.Error())
		os.Exit(1)
	}
	logger.Info("connected to MQTT broker", "broker", *brokerAddr, "client", gatewayID)

	status := func() {
		st := mqttgw.Status{Gateway: gatewayID, Terminal: *terminalAddr, At: time.Now().UTC()}
		if err := mqttgw.PublishStatus(client, *topic, st); err != nil {
			logger.Warn("heartbeat failed", "error", err)
		}
	}
	status()

	go func() {
		ticker := time.NewTicker(*heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				status()
			}
		}
	}()

	if *punchEvery > 0 {
		go punchLoop(ctx, sim, *punchEvery, logger)
	}

	if err := mqttgw.Serve(ctx, client, *topic, sim, logger); err != nil {
		logger.Error("serve gateway", "error", err)
		client.Disconnect(250)
		os.Exit(1)
	}

	logger.Info("received shutdown signal, disconnecting")
	client.Disconnect(250)
}

func punchLoop(ctx context.Context, sim *simulator, every time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			ids := sim.userIDs()
			if len(ids) == 0 {
				continue
			}
			id := ids[rand.Intn(len(ids))]
			typ := rand.Intn(2)
			sim.punch(id, now, typ)
			logger.Info("simulated punch", "user_id", id, "type", typ)
		}
	}
}

// discoverHub browses for the ZKControl hub advertisement and returns its broker URL and topic.
func discoverHub(ctx context.Context, timeout time.Duration) (string, string, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", "", fmt.Errorf("create resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, app.MDNSServiceType, "local.", entries); err != nil {
		return "", "", fmt.Errorf("browse %s: %w", app.MDNSServiceType, err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", "", fmt.Errorf("no %s advertisement within %s", app.MDNSServiceType, timeout)
		case entry, ok := <-entries:
			if !ok {
				return "", "", fmt.Errorf("no %s advertisement within %s", app.MDNSServiceType, timeout)
			}
			if url, topic, ok := hubFromEntry(entry); ok {
				return url, topic, nil
			}
		}
	}
}

func hubFromEntry(entry *zeroconf.ServiceEntry) (string, string, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 || entry.Port == 0 {
		return "", "", false
	}
	txt := app.ParseTXT(entry.Text)
	topic := txt["topic"]
	if topic == "" {
		topic = "zkcontrol/terminal"
	}
	url := "tcp://" + net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(entry.Port))
	return url, topic, true
}

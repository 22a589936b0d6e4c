package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"pairline/cmd/internal/chat"
	"pairline/cmd/internal/restclient"
	"pairline/cmd/internal/wsclient"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Client is the pairline console client: REST and realtime collaborators,
// the conversation core, and the console driving it.
type Client struct {
	cfg     ClientConfig
	log     Logger
	core    *chat.Service
	console *Console
}

// NewClient wires a client that prints to out.
func NewClient(cfg ClientConfig, log Logger, out io.Writer) (*Client, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat, nil)
	}

	rest, err := restclient.New(cfg.BaseURL, &http.Client{Timeout: cfg.HTTPTimeout}, log)
	if err != nil {
		return nil, err
	}
	wsURL, err := wsclient.EndpointURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	transport, err := wsclient.New(wsclient.Options{URL: wsURL, Origin: cfg.WSOrigin}, log)
	if err != nil {
		return nil, err
	}

	console := NewConsole(out, rest, cfg.HTTPTimeout)
	core := chat.NewService(rest, rest, transport,
		chat.WithLogger(log),
		chat.WithListener(console),
	)
	console.Bind(core)

	return &Client{cfg: cfg, log: log, core: core, console: console}, nil
}

// Run drives the console until in is exhausted, /quit, or ctx ends.
func (c *Client) Run(ctx context.Context, in io.Reader) error {
	defer func() {
		if err := c.core.Close(); err != nil {
			c.log.Debug("client.close_error", "err", err)
		}
	}()

	if c.cfg.MetricsAddr != "" {
		stop := c.serveMetrics()
		defer stop()
	}

	c.log.Info("client.start", "base_url", c.cfg.BaseURL)
	return c.console.Run(ctx, in)
}

func (c *Client) serveMetrics() func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              c.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Warn("client.metrics.fail", "addr", c.cfg.MetricsAddr, "err", err)
		}
	}()
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

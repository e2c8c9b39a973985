package durablestreams

import (
	"fmt"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/caddyfile"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"github.com/durable-streams/streamd/store"
	"github.com/durable-streams/streamd/webhook"
)

func init() {
	caddy.RegisterModule(Handler{})
	httpcaddyfile.RegisterHandlerDirective("durable_streams", parseCaddyfile)
}

// Handler serves durable append-only streams over HTTP as a Caddy handler.
type Handler struct {
	// DataDir is the directory for persistent stream data.
	// If empty, state is held in memory only (for testing).
	DataDir string `json:"data_dir,omitempty"`

	// LongPollTimeout is the default timeout for long-poll requests.
	LongPollTimeout caddy.Duration `json:"long_poll_timeout,omitempty"`

	// SSEReconnectInterval is how often SSE connections are closed so CDNs
	// can collapse reconnecting readers.
	SSEReconnectInterval caddy.Duration `json:"sse_reconnect_interval,omitempty"`

	// CallbackBaseURL is the externally reachable URL prefix subscribers use
	// for webhook callbacks, without a trailing slash.
	CallbackBaseURL string `json:"callback_base_url,omitempty"`

	// MaxBodySize caps append and create bodies, in bytes.
	MaxBodySize int64 `json:"max_body_size,omitempty"`

	// CompressMinSize is the minimum response body size before gzip is
	// considered.
	CompressMinSize int `json:"compress_min_size,omitempty"`

	store    store.Store
	webhooks *webhook.Manager
	routes   *webhook.Routes
	logger   *zap.Logger
}

// CaddyModule returns the Caddy module information.
func (Handler) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.durable_streams",
		New: func() caddy.Module { return new(Handler) },
	}
}

// Provision sets up the stream store and the webhook subsystem.
func (h *Handler) Provision(ctx caddy.Context) error {
	h.logger = ctx.Logger()

	if h.LongPollTimeout == 0 {
		h.LongPollTimeout = caddy.Duration(30 * time.Second)
	}
	if h.SSEReconnectInterval == 0 {
		h.SSEReconnectInterval = caddy.Duration(60 * time.Second)
	}
	if h.MaxBodySize == 0 {
		h.MaxBodySize = 32 << 20
	}
	if h.CompressMinSize == 0 {
		h.CompressMinSize = 1024
	}
	if h.CallbackBaseURL == "" {
		h.CallbackBaseURL = "http://localhost:4437"
	}

	var persister webhook.Persister
	if h.DataDir == "" {
		h.store = store.NewMemoryStore(h.logger)
		h.logger.Info("using in-memory store (no data_dir configured)")
	} else {
		bolt, err := store.NewBoltStore(h.DataDir, h.logger)
		if err != nil {
			return fmt.Errorf("initializing persistent store: %w", err)
		}
		h.store = bolt
		persister = bolt
		h.logger.Info("using persistent store", zap.String("data_dir", h.DataDir))
	}

	subs := webhook.NewStore(persister, h.logger)
	if err := subs.Load(); err != nil {
		return fmt.Errorf("loading webhook state: %w", err)
	}

	tail := func(path string) (store.Offset, bool) {
		off, _, err := h.store.Tail(path)
		if err != nil {
			return store.Offset{}, false
		}
		return off, true
	}
	h.webhooks = webhook.NewManager(subs, webhook.NewTokenIssuer(), tail, h.CallbackBaseURL, h.logger)
	h.routes = webhook.NewRoutes(h.webhooks)

	h.store.SetHooks(store.Hooks{
		OnCreate: h.webhooks.OnStreamCreated,
		OnAppend: h.webhooks.OnStreamAppend,
		OnDelete: h.webhooks.OnStreamDeleted,
	})

	// Consumers restored with unacked data get a fresh wake.
	h.webhooks.ResumePending()

	return nil
}

// Validate ensures the handler configuration is valid.
func (h *Handler) Validate() error {
	if h.MaxBodySize < 0 {
		return fmt.Errorf("max_body_size must be non-negative")
	}
	return nil
}

// Cleanup releases resources.
func (h *Handler) Cleanup() error {
	if h.webhooks != nil {
		h.webhooks.Shutdown()
	}
	if h.store != nil {
		return h.store.Close()
	}
	return nil
}

// UnmarshalCaddyfile parses the Caddyfile syntax for durable_streams:
//
//	durable_streams {
//	    data_dir /var/lib/streamd
//	    long_poll_timeout 30s
//	    sse_reconnect_interval 60s
//	    callback_base_url https://streams.example.com
//	    max_body_size 33554432
//	    compress_min_size 1024
//	}
func (h *Handler) UnmarshalCaddyfile(d *caddyfile.Dispenser) error {
	for d.Next() {
		for d.NextBlock(0) {
			switch d.Val() {
			case "data_dir":
				if !d.Args(&h.DataDir) {
					return d.ArgErr()
				}
			case "long_poll_timeout":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.LongPollTimeout = caddy.Duration(dur)
			case "sse_reconnect_interval":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				dur, err := caddy.ParseDuration(val)
				if err != nil {
					return d.Errf("invalid duration: %v", err)
				}
				h.SSEReconnectInterval = caddy.Duration(dur)
			case "callback_base_url":
				if !d.Args(&h.CallbackBaseURL) {
					return d.ArgErr()
				}
			case "max_body_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseInt64Arg(val)
				if err != nil {
					return d.Errf("invalid max_body_size: %v", err)
				}
				h.MaxBodySize = n
			case "compress_min_size":
				var val string
				if !d.Args(&val) {
					return d.ArgErr()
				}
				n, err := parseInt64Arg(val)
				if err != nil {
					return d.Errf("invalid compress_min_size: %v", err)
				}
				h.CompressMinSize = int(n)
			default:
				return d.Errf("unknown subdirective: %s", d.Val())
			}
		}
	}
	return nil
}

func parseCaddyfile(helper httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	var handler Handler
	err := handler.UnmarshalCaddyfile(helper.Dispenser)
	return &handler, err
}

func parseInt64Arg(s string) (int64, error) {
	var val int64
	_, err := fmt.Sscanf(s, "%d", &val)
	return val, err
}

// Interface guards
var (
	_ caddy.Provisioner           = (*Handler)(nil)
	_ caddy.Validator             = (*Handler)(nil)
	_ caddy.CleanerUpper          = (*Handler)(nil)
	_ caddyhttp.MiddlewareHandler = (*Handler)(nil)
	_ caddyfile.Unmarshaler       = (*Handler)(nil)
)

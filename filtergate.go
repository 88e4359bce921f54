package filtergate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"

	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/compiler/goplugin"
	"github.com/zalando/filtergate/compiler/javascript"
	"github.com/zalando/filtergate/compiler/lua"
	"github.com/zalando/filtergate/filemanager"
	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/loader"
	"github.com/zalando/filtergate/logging"
	"github.com/zalando/filtergate/metrics"
	"github.com/zalando/filtergate/processor"
	"github.com/zalando/filtergate/requestcontext"
)

const (
	defaultShutdownTimeout = 10 * time.Second

	// Context keys set by ServeHTTP before the first filter runs.
	KeyMethod     = "request.method"
	KeyPath       = "request.path"
	KeyQuery      = "request.query"
	KeyHost       = "request.host"
	KeyRemoteAddr = "request.remote-addr"
	KeyHeaders    = "request.headers"
)

// Options to start a gateway.
type Options struct {

	// Phase labeled directories of the filter sources.
	Directories []filemanager.Directory

	// Interval of polling the directories. Defaults to
	// filemanager.DefaultPollInterval.
	PollInterval time.Duration

	// Enables reloading on file system notifications, in addition to
	// polling.
	Watch bool

	// File name suffixes of the filter sources. When empty, the files
	// accepted by the compiler backends are loaded: .lua, .js and .so.
	Suffixes []string

	// Custom compiler. When nil, the Lua, JavaScript and Go plugin
	// backends are used, selected by the file suffix.
	Compiler compiler.Compiler

	// Filters switched off at startup.
	DisabledFilters []string

	// Filters defined in code, published in addition to the loaded ones.
	InlineFilters []filters.Filter

	// Maximum number of idle Lua states per filter.
	LuaPoolSize int

	// Enabled Lua modules and symbols, all when empty.
	LuaModules []string

	// Maximum number of idle JavaScript runtimes per filter.
	JavaScriptPoolSize int

	// Compile the JavaScript sources in strict mode.
	JavaScriptStrict bool

	// Flavour of the metrics, "prometheus" or "codahale". Ignored when
	// Metrics is set.
	MetricsFlavour string

	// Prefix of the metric names.
	MetricsPrefix string

	// Custom metrics collector.
	Metrics metrics.Metrics

	// Tracer of the filter phases. Defaults to the global OpenTelemetry
	// tracer provider.
	Tracer trace.Tracer

	// Address of the listener serving the /metrics endpoint. No support
	// listener is started when empty.
	SupportListener string

	// Custom logger, logging.DefaultLog when nil.
	Log logging.Logger
}

// Gateway combines the filter engine components: the registry, the
// loader, the file manager and the processor.
type Gateway struct {
	registry    *filters.Registry
	switches    *filters.Switches
	loader      *loader.Loader
	fileManager *filemanager.FileManager
	processor   *processor.Processor
	metrics     metrics.Metrics
	log         logging.Logger
}

func newCompiler(o Options) (compiler.Compiler, compiler.FilenameFilter) {
	var accept compiler.FilenameFilter
	if len(o.Suffixes) > 0 {
		accept = compiler.SuffixFilter(o.Suffixes...)
	}

	if o.Compiler != nil {
		return o.Compiler, accept
	}

	m := compiler.Multi{{
		Compiler: lua.New(lua.Options{PoolSize: o.LuaPoolSize, Modules: o.LuaModules}),
		Accept:   lua.Accept,
	}, {
		Compiler: javascript.New(javascript.Options{PoolSize: o.JavaScriptPoolSize, Strict: o.JavaScriptStrict}),
		Accept:   javascript.Accept,
	}, {
		Compiler: goplugin.Compiler{},
		Accept:   goplugin.Accept,
	}}

	if accept == nil {
		return m, m.Accept
	}

	return m, func(name string) bool { return accept(name) && m.Accept(name) }
}

// New creates a gateway. It loads the filter sources found in the
// directories before returning, and keeps polling them until Close is
// called.
func New(o Options) (*Gateway, error) {
	l := logging.OrDefault(o.Log)
	m := o.Metrics
	if m == nil {
		m = metrics.New(metrics.Options{Flavour: o.MetricsFlavour, Prefix: o.MetricsPrefix})
	}

	c, accept := newCompiler(o)

	g := &Gateway{
		registry: filters.NewRegistry(),
		switches: filters.NewSwitches(o.DisabledFilters...),
		metrics:  m,
		log:      l,
	}

	var err error
	g.loader, err = loader.New(loader.Options{
		Compiler: c,
		Registry: g.registry,
		Log:      l,
		Metrics:  m,
	})

	if err != nil {
		return nil, err
	}

	g.processor, err = processor.New(processor.Options{
		Registry: g.registry,
		Switches: g.switches,
		Log:      l,
		Metrics:  m,
		Tracer:   o.Tracer,
	})

	if err != nil {
		return nil, err
	}

	for _, f := range o.InlineFilters {
		g.loader.Put(f)
	}

	if len(o.Directories) == 0 {
		l.Warn("No filter directories configured")
		return g, nil
	}

	g.fileManager = filemanager.New(g.loader, filemanager.Options{
		PollInterval: o.PollInterval,
		Directories:  o.Directories,
		Accept:       accept,
		Watch:        o.Watch,
		Log:          l,
	})

	if err := g.fileManager.Init(context.Background()); err != nil {
		return nil, err
	}

	return g, nil
}

// Process runs the filter chain of a request.
func (g *Gateway) Process(ctx context.Context, setup func(*requestcontext.Context)) (*processor.Result, error) {
	return g.processor.Process(ctx, setup)
}

func (g *Gateway) Registry() *filters.Registry           { return g.registry }
func (g *Gateway) Switches() *filters.Switches           { return g.switches }
func (g *Gateway) Loader() *loader.Loader                { return g.loader }
func (g *Gateway) Metrics() metrics.Metrics              { return g.metrics }
func (g *Gateway) FileManager() *filemanager.FileManager { return g.fileManager }

// Close stops polling the filter directories.
func (g *Gateway) Close() {
	if g.fileManager != nil {
		g.fileManager.Shutdown()
	}
}

func requestSetup(r *http.Request) func(*requestcontext.Context) {
	return func(ctx *requestcontext.Context) {
		headers := make(map[string]any, len(r.Header))
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}

		ctx.Set(KeyMethod, r.Method)
		ctx.Set(KeyPath, r.URL.Path)
		ctx.Set(KeyQuery, r.URL.RawQuery)
		ctx.Set(KeyHost, r.Host)
		ctx.Set(KeyRemoteAddr, r.RemoteAddr)
		ctx.Set(KeyHeaders, headers)
	}
}

// ServeHTTP runs the filter chain for an http request, and responds with
// the status and the body set by the filters. Without a routing
// decision, it responds with 502, and when the error phase failed, with
// 500. The routing decision is returned in the X-Filtergate-Route header.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	res, err := g.processor.Process(r.Context(), requestSetup(r))
	w.Header().Set("X-Request-Id", res.RequestID)

	var (
		cerr *processor.ChainConfigurationError
		ferr *processor.FatalEngineError
	)

	switch {
	case errors.As(err, &cerr):
		g.respond(w, res, http.StatusBadGateway)
	case errors.As(err, &ferr):
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	case errors.Is(err, processor.ErrCanceled):
		w.WriteHeader(http.StatusServiceUnavailable)
	case res.State == processor.AbortedToError:
		g.respond(w, res, http.StatusInternalServerError)
	default:
		if res.Routed {
			w.Header().Set("X-Filtergate-Route", res.Route)
		}

		g.respond(w, res, http.StatusOK)
	}
}

func (g *Gateway) respond(w http.ResponseWriter, res *processor.Result, defaultStatus int) {
	status := res.ResponseStatus
	if status == 0 {
		status = defaultStatus
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	if res.ResponseBody != "" {
		if _, err := w.Write([]byte(res.ResponseBody)); err != nil {
			g.log.Debugf("Failed to write response of request %s: %v", res.RequestID, err)
		}
	}
}

func listenAndServe(ctx context.Context, srv *http.Server) error {
	errs := make(chan error, 1)
	go func() { errs <- srv.ListenAndServe() }()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}

	sctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}

	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}

// Run starts a gateway listening on the address, and serves the
// requests until the process receives SIGINT or SIGTERM.
func Run(o Options, address string) error {
	g, err := New(o)
	if err != nil {
		return err
	}

	defer g.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if o.SupportListener != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", g.metrics.Handler())
		mux.HandleFunc("/filters", func(w http.ResponseWriter, _ *http.Request) {
			for _, name := range g.registry.Names() {
				state := "enabled"
				if g.switches.Disabled(name) {
					state = "disabled"
				}

				fmt.Fprintf(w, "%s %s\n", name, state)
			}
		})

		support := &http.Server{Addr: o.SupportListener, Handler: mux, ReadHeaderTimeout: time.Minute}
		go func() {
			log.Infof("Support listener on %v", o.SupportListener)
			if err := listenAndServe(ctx, support); err != nil {
				log.Errorf("Support listener failed: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: address, Handler: g, ReadHeaderTimeout: time.Minute}
	log.Infof("Listening on %v", address)
	return listenAndServe(ctx, srv)
}

package filtergate_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zalando/filtergate"
	"github.com/zalando/filtergate/compiler"
	"github.com/zalando/filtergate/filemanager"
	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/logging/loggingtest"
	"github.com/zalando/filtergate/processor"
	"github.com/zalando/filtergate/requestcontext"
)

const (
	recordLua = `
filter_order = %d

function run(ctx)
	ctx.set("trace", ctx.get_string("trace") .. "%s,")
end
`

	routeLua = `
filter_order = 100

function run(ctx)
	ctx.set_route("https://origin.example.org")
end
`

	auditJS = `
var filterOrder = 10;

function run(ctx) {
	ctx.set("audited", ctx.getString("trace"));
}
`
)

type dirs struct {
	pre, route, post, errors string
}

func newDirs(t *testing.T) dirs {
	root := t.TempDir()
	d := dirs{
		pre:    filepath.Join(root, "pre"),
		route:  filepath.Join(root, "route"),
		post:   filepath.Join(root, "post"),
		errors: filepath.Join(root, "error"),
	}

	for _, p := range []string{d.pre, d.route, d.post, d.errors} {
		require.NoError(t, os.Mkdir(p, 0o755))
	}

	return d
}

func (d dirs) directories() []filemanager.Directory {
	return []filemanager.Directory{
		{Phase: filters.Pre, Path: d.pre},
		{Phase: filters.Route, Path: d.route},
		{Phase: filters.Post, Path: d.post},
		{Phase: filters.Error, Path: d.errors},
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	mtime := time.Now()
	if info, err := os.Stat(path); err == nil {
		mtime = info.ModTime().Add(time.Second)
	}

	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func recorder(name string, order int) string {
	return fmt.Sprintf(recordLua, order, name)
}

func newGateway(t *testing.T, o filtergate.Options) *filtergate.Gateway {
	t.Helper()

	log := loggingtest.New()
	t.Cleanup(log.Close)

	if o.PollInterval == 0 {
		o.PollInterval = time.Hour
	}

	o.Log = log
	g, err := filtergate.New(o)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func trace(r *processor.Result) string {
	s, _ := r.Values["trace"].(string)
	return s
}

func TestOrderedExecutionAndDisabling(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.pre, "log.lua"), recorder("log", 20))
	writeFile(t, filepath.Join(d.pre, "auth.lua"), recorder("auth", 10))
	writeFile(t, filepath.Join(d.route, "route.lua"), routeLua)

	g := newGateway(t, filtergate.Options{Directories: d.directories()})

	r, err := g.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, processor.Completed, r.State)
	assert.Equal(t, "auth,log,", trace(r))
	assert.Equal(t, "https://origin.example.org", r.Route)

	g.Switches().Disable("auth")
	r, err = g.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "log,", trace(r))
}

func TestDisabledFiltersOption(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.pre, "auth.lua"), recorder("auth", 10))
	writeFile(t, filepath.Join(d.pre, "log.lua"), recorder("log", 20))
	writeFile(t, filepath.Join(d.route, "route.lua"), routeLua)

	g := newGateway(t, filtergate.Options{Directories: d.directories(), DisabledFilters: []string{"auth"}})

	r, err := g.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "log,", trace(r))
}

func TestDeletedRouteFilter(t *testing.T) {
	d := newDirs(t)
	route := filepath.Join(d.route, "route.lua")
	writeFile(t, route, routeLua)

	g := newGateway(t, filtergate.Options{Directories: d.directories()})
	_, err := g.Process(context.Background(), nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(route))
	res := g.FileManager().Scan()
	assert.Equal(t, 1, res.Removed)
	assert.Empty(t, g.Registry().Snapshot(filters.Route))

	r, err := g.Process(context.Background(), nil)
	var cerr *processor.ChainConfigurationError
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, processor.AbortedToError, r.State)
}

func TestSyntaxErrorKeepsServing(t *testing.T) {
	d := newDirs(t)
	auth := filepath.Join(d.pre, "auth.lua")
	writeFile(t, auth, recorder("auth", 10))
	writeFile(t, filepath.Join(d.route, "route.lua"), routeLua)

	g := newGateway(t, filtergate.Options{Directories: d.directories()})
	before, ok := g.Registry().Get("auth")
	require.True(t, ok)

	writeFile(t, auth, "function run(ctx")
	res := g.FileManager().Scan()
	require.Equal(t, 1, res.Failed)

	var cerr *compiler.CompilationError
	require.True(t, errors.As(res.Err(), &cerr))
	assert.Equal(t, auth, cerr.Name)

	after, ok := g.Registry().Get("auth")
	require.True(t, ok)
	assert.Same(t, before, after)

	r, err := g.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "auth,", trace(r))

	// fixing the file loads the new version
	writeFile(t, auth, recorder("auth2", 10))
	res = g.FileManager().Scan()
	require.Equal(t, 1, res.Loaded)

	r, err = g.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "auth2,", trace(r))
}

func TestEqualOrderIsDeterministic(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.pre, "beta.lua"), recorder("beta", 5))
	writeFile(t, filepath.Join(d.pre, "alpha.lua"), recorder("alpha", 5))
	writeFile(t, filepath.Join(d.route, "route.lua"), routeLua)

	g := newGateway(t, filtergate.Options{Directories: d.directories()})
	for i := 0; i < 20; i++ {
		r, err := g.Process(context.Background(), nil)
		require.NoError(t, err)
		require.Equal(t, "alpha,beta,", trace(r))
	}
}

func TestMixedBackendsAndInlineFilters(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.pre, "auth.lua"), recorder("auth", 10))
	writeFile(t, filepath.Join(d.post, "audit.js"), auditJS)
	writeFile(t, filepath.Join(d.post, "notes.txt"), "not a filter")

	router := filters.New("router", filters.Route, 0, func(ctx *requestcontext.Context) error {
		ctx.SetRoute("https://inline.example.org")
		return nil
	})

	g := newGateway(t, filtergate.Options{
		Directories:   d.directories(),
		InlineFilters: []filters.Filter{router},
	})

	assert.Equal(t, []string{"audit", "auth", "router"}, g.Registry().Names())

	r, err := g.Process(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "https://inline.example.org", r.Route)
	assert.Equal(t, "auth,", r.Values["audited"])
}

func TestSuffixesOption(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.pre, "auth.lua"), recorder("auth", 10))
	writeFile(t, filepath.Join(d.post, "audit.js"), auditJS)

	g := newGateway(t, filtergate.Options{Directories: d.directories(), Suffixes: []string{".lua"}})
	assert.Equal(t, []string{"auth"}, g.Registry().Names())
}

func TestHotReloadByPolling(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.route, "route.lua"), routeLua)

	g := newGateway(t, filtergate.Options{Directories: d.directories(), PollInterval: 10 * time.Millisecond})
	writeFile(t, filepath.Join(d.pre, "auth.lua"), recorder("auth", 10))

	require.Eventually(t, func() bool {
		r, err := g.Process(context.Background(), nil)
		return err == nil && trace(r) == "auth,"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServeHTTP(t *testing.T) {
	d := newDirs(t)
	writeFile(t, filepath.Join(d.pre, "auth.lua"), `
filter_order = 10

function run(ctx)
	local headers = ctx.get("request.headers")
	if headers["Authorization"] ~= "secret" then
		ctx.set_status(401)
		ctx.set_body("unauthorized")
		ctx.abort("missing credentials")
	end
end
`)
	writeFile(t, filepath.Join(d.route, "route.lua"), `
function run(ctx)
	ctx.set_route("https://origin.example.org" .. ctx.get_string("request.path"))
end
`)

	g := newGateway(t, filtergate.Options{Directories: d.directories()})

	t.Run("routed", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/products", nil)
		req.Header.Set("Authorization", "secret")
		rsp := httptest.NewRecorder()
		g.ServeHTTP(rsp, req)

		assert.Equal(t, http.StatusOK, rsp.Code)
		assert.Equal(t, "https://origin.example.org/products", rsp.Header().Get("X-Filtergate-Route"))
		assert.NotEmpty(t, rsp.Header().Get("X-Request-Id"))
	})

	t.Run("aborted", func(t *testing.T) {
		rsp := httptest.NewRecorder()
		g.ServeHTTP(rsp, httptest.NewRequest("GET", "/products", nil))

		assert.Equal(t, http.StatusUnauthorized, rsp.Code)
		assert.Equal(t, "unauthorized", rsp.Body.String())
		assert.Empty(t, rsp.Header().Get("X-Filtergate-Route"))
	})

	t.Run("no route", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(d.route, "route.lua")))
		g.FileManager().Scan()

		req := httptest.NewRequest("GET", "/products", nil)
		req.Header.Set("Authorization", "secret")
		rsp := httptest.NewRecorder()
		g.ServeHTTP(rsp, req)

		assert.Equal(t, http.StatusBadGateway, rsp.Code)
	})

	t.Run("fatal", func(t *testing.T) {
		writeFile(t, filepath.Join(d.errors, "broken.lua"), `
function run(ctx)
	error("broken error filter")
end
`)
		g.FileManager().Scan()

		req := httptest.NewRequest("GET", "/products", nil)
		req.Header.Set("Authorization", "secret")
		rsp := httptest.NewRecorder()
		g.ServeHTTP(rsp, req)

		assert.Equal(t, http.StatusInternalServerError, rsp.Code)
	})
}

func TestWithoutDirectories(t *testing.T) {
	g := newGateway(t, filtergate.Options{})
	assert.Nil(t, g.FileManager())

	_, err := g.Process(context.Background(), nil)
	var cerr *processor.ChainConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

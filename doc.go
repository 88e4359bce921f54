/*
Package filtergate provides the filter engine of an edge gateway, with
filters that can be changed at runtime, without restarting the process.

Filters are small request processing steps, written in Lua or
JavaScript, or built as Go plugins. They are loaded from directories,
each labeled with a phase:

	pre     runs before routing, e.g. authentication
	route   decides where the request goes
	post    runs after routing, e.g. response headers or auditing
	error   runs when the chain was aborted

The files are polled at a fixed interval. New and changed files are
compiled and published, deleted files are removed. A file that fails to
compile doesn't replace the filter that was loaded from it earlier.

Every request passes through the pre, route and post phases, and in
every phase, through the filters ordered by their declared order, and by
their names when the order is equal. The filters of a request share a
request context, a key/value store that lives as long as the request.

# Quickstart

Create the filter directories, and a Lua filter for the pre-routing
phase:

	mkdir -p filters/pre filters/route
	cat > filters/pre/auth.lua <<EOF
	filter_order = 10

	function run(ctx)
		if ctx.get("request.headers")["Authorization"] == nil then
			ctx.set_status(401)
			ctx.abort("unauthorized")
		end
	end
	EOF

and a routing filter:

	cat > filters/route/origin.lua <<EOF
	function run(ctx)
		ctx.set_route("https://origin.example.org")
	end
	EOF

Start the gateway:

	filtergate -filter-dir pre=filters/pre -filter-dir route=filters/route

and send a request:

	curl -i localhost:9090/

The response carries the routing decision in the X-Filtergate-Route
header. Editing the files changes the behavior within the poll interval.

# Filter sources

The filters declare their type, their order and optionally their name in
the source. When the type is not declared, the phase of the directory is
used, and when the name is not declared, the file name without the
extension. See the compiler/lua, compiler/javascript and
compiler/goplugin packages for the details of the supported formats.

# Embedding

The engine can be used as a library, too. Options.InlineFilters accepts
filters defined in code, created e.g. with filters.New, and
Gateway.Process runs the filter chain with a request context prepared by
the caller:

	g, err := filtergate.New(filtergate.Options{
		Directories: []filemanager.Directory{{Phase: filters.Pre, Path: "filters/pre"}},
		InlineFilters: []filters.Filter{
			filters.New("router", filters.Route, 100, func(ctx *requestcontext.Context) error {
				ctx.SetRoute("https://origin.example.org")
				return nil
			}),
		},
	})
	if err != nil {
		log.Fatal(err)
	}

	defer g.Close()
	result, err := g.Process(context.Background(), func(ctx *requestcontext.Context) {
		ctx.Set("user", "jdoe")
	})
*/
package filtergate

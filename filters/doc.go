/*
Package filters contains the contract of the filters executed by the
gateway, the registry holding the currently active filters, and the
switches used to disable filters manually.

A filter has a name, a phase (pre, route, post or error), an order within
its phase, a predicate deciding whether it applies to the current request,
and the Run method itself. Filters are either loaded from source files by
the loader package, or created in code with New:

	f := filters.New("stamp", filters.Pre, 50000, func(ctx *requestcontext.Context) error {
		ctx.Set("stamp-ran", true)
		return nil
	})

	registry.Put(f)

The Registry can be read by any number of concurrent requests without
locking. Writes replace the whole mapping atomically, so a request sees
either the old or the new version of a filter, never a mix.
*/
package filters

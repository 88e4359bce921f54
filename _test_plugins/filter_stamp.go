package main

import (
	"github.com/zalando/filtergate/filters"
	"github.com/zalando/filtergate/requestcontext"
)

func NewFilter(name string) (filters.Filter, error) {
	return filters.New(name, filters.Post, 50, func(ctx *requestcontext.Context) error {
		ctx.Set("stamped-by", name)
		return nil
	}), nil
}

package main

import (
	"github.com/zalando/filtergate/filters"
)

// this fails to load, because NewFilter has the wrong signature

func NewFilter() filters.Filter {
	return nil
}

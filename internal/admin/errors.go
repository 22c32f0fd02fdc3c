// Copyright 2025 James Ross
package admin

import "errors"

var (
	errNoRouter = errors.New("admin: no cognitive dispatcher wired")
	errNoGroups = errors.New("admin: no consumer-group manager wired")
)

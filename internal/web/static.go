package web

import (
	"embed"
)

// staticFiles holds the operator page: HTML, CSS and JS under static/.
//
//go:embed static/*
var staticFiles embed.FS

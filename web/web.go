// Package web embeds the browser test client served by the WHEP endpoint.
package web

import "embed"

//go:embed index.html whep.js favicon.ico
var Content embed.FS

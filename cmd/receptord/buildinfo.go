package main

// Overwritten at build time via -ldflags
var buildInfo = map[string]string{
	"buildVersion": "dev",
	"buildDate":    "unknown",
}

package main

// Build information, set at link time:
//
//	go build -ldflags "-X main.Version=v1.2.0 -X main.Commit=$(git rev-parse --short HEAD) -X main.BuildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

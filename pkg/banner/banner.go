package banner

import (
	"fmt"

	"nostrelay/pkg/config"
)

const banner = `
███╗   ██╗ ██████╗ ███████╗████████╗██████╗ ███████╗██╗      █████╗ ██╗   ██╗
████╗  ██║██╔═══██╗██╔════╝╚══██╔══╝██╔══██╗██╔════╝██║     ██╔══██╗╚██╗ ██╔╝
██╔██╗ ██║██║   ██║███████╗   ██║   ██████╔╝█████╗  ██║     ███████║ ╚████╔╝
██║╚██╗██║██║   ██║╚════██║   ██║   ██╔══██╗██╔══╝  ██║     ██╔══██║  ╚██╔╝
██║ ╚████║╚██████╔╝███████║   ██║   ██║  ██║███████╗███████╗██║  ██║   ██║
╚═╝  ╚═══╝ ╚═════╝ ╚══════╝   ╚═╝   ╚═╝  ╚═╝╚══════╝╚══════╝╚═╝  ╚═╝   ╚═╝
`

// Print writes the startup banner with the effective configuration.
func Print(cfg *config.Config, source, version string) {
	fmt.Print(banner)
	fmt.Println("== Config =====================================================")
	fmt.Printf("Listen:   ws://%s\n", cfg.Addr())
	fmt.Printf("DB Path:  %s\n", cfg.Storage.DBPath)
	if version != "" {
		fmt.Printf("Version:  %s\n", version)
	}
	if source != "" {
		fmt.Printf("Config source: %s\n", source)
	}
	fmt.Println("\n== Endpoints ==================================================")
	fmt.Println("GET /         - WebSocket (NIP-01), relay info with Accept: application/nostr+json")
	fmt.Println("GET /healthz  - liveness probe")
	fmt.Println("GET /readyz   - readiness probe")
	fmt.Println("GET /metrics  - Prometheus metrics")
	fmt.Println("GET /stats    - relay and storage counters")
	fmt.Println("\n== Limits =====================================================")
	fmt.Printf("Connections: %d, subscriptions/conn: %d, events/min: %d, REQs/min: %d\n",
		cfg.Limits.MaxConnections, cfg.Limits.MaxSubsPerConn,
		cfg.Limits.MaxEventsPerMin, cfg.Limits.MaxReqsPerMin)
}

package main

import (
	"flag"
	"log"

	"github.com/danmuck/securestore/internal/config"
)

func main() {
	kind := flag.String("kind", config.KindClient, "config kind: client|daemon")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		var err error
		switch *kind {
		case config.KindClient:
			_, err = config.LoadClient(path)
		case config.KindDaemon:
			_, err = config.LoadDaemon(path)
		}
		if err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated %s config at %s", *kind, path)
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote %s config template to %s", *kind, target)
}

func defaultPath(kind string) string {
	switch kind {
	case config.KindClient:
		return "cmd/storagectl/config.toml"
	case config.KindDaemon:
		return "cmd/storaged/config.toml"
	default:
		log.Fatalf("unknown kind: %s", kind)
		return ""
	}
}

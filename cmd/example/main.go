package main

import (
	"log"
	"net/http"

	"github.com/tapeshchavle/sentinai/internal/ai"
	"github.com/tapeshchavle/sentinai/internal/config"
	"github.com/tapeshchavle/sentinai/internal/engine"
	"github.com/tapeshchavle/sentinai/internal/filter"
	"github.com/tapeshchavle/sentinai/internal/logging"
	"github.com/tapeshchavle/sentinai/internal/module"
	"github.com/tapeshchavle/sentinai/internal/modules/bola"
	"github.com/tapeshchavle/sentinai/internal/modules/costprotection"
	"github.com/tapeshchavle/sentinai/internal/modules/credentialguard"
	"github.com/tapeshchavle/sentinai/internal/modules/dlp"
	"github.com/tapeshchavle/sentinai/internal/modules/queryshield"
	"github.com/tapeshchavle/sentinai/internal/store"
)

func main() {
	cfg, err := config.Load("sentinai.yaml", config.WithMode(config.ModeMonitor))
	if err != nil {
		log.Printf("sentinai: loading config failed, running on defaults: %v", err)
		cfg = config.Default()
	}

	logger := logging.NewSimple()

	st, err := store.New(cfg.Store, logger)
	if err != nil {
		log.Fatalf("sentinai: building decision store: %v", err)
	}

	var analyzer *ai.Analyzer
	if cfg.AI.APIKey != "" {
		analyzer = ai.NewAnalyzer(ai.NewHTTPChatCompleter(cfg.AI), logger)
	} else {
		analyzer = ai.NewAnalyzer(nil, logger)
	}

	registry := module.NewRegistry([]module.Module{
		credentialguard.New(),
		queryshield.New(0, 0, 0),
		bola.New(),
		dlp.New(),
		costprotection.New(),
	})

	eng := engine.New(cfg, st, registry, analyzer, logger)
	defer func() {
		eng.FlushEventBuffer()
		eng.Close()
	}()

	adapter := filter.New(cfg, eng, logger, nil)

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})

	handler := adapter.Wrap(mux)

	log.Println("sentinai: starting example server on :8080")
	if err := http.ListenAndServe(":8080", handler); err != nil {
		log.Fatal(err)
	}
}

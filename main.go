package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"sequence_doc_generator/config"
	"sequence_doc_generator/generator"
	"sequence_doc_generator/plan"
	"sequence_doc_generator/sequence"
	"sequence_doc_generator/server"
)

var verbose bool

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	configPath := flag.String("config", "config/config.json", "path to config.json")
	serve := flag.Bool("serve", false, "start api server")
	addr := flag.String("addr", "", "http listen address when --serve (overrides config.server_addr)")
	planPath := flag.String("plan", "", "path to plan.yaml for a foreground run")
	project := flag.String("project", "", "project id")
	session := flag.String("session", "", "session id (defaults to a fresh uuid)")
	memory := flag.Bool("memory", false, "use the in-process store instead of redis")
	flag.BoolVar(&verbose, "v", false, "enable verbose event logs")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	store, err := buildStore(cfg, *memory)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	llm, err := buildLLM(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	retriever := generator.NewRAGRetriever(ragOptions(cfg), nil, log.Default())
	editor, err := generator.NewEditor(llm, log.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	briefs, err := generator.NewBriefGenerator(llm, log.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	// API server mode
	if *serve {
		srv, err := server.New(store, retriever, editor, briefs, sequence.Options{}, log.Default())
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		listen := cfg.ServerAddr
		if *addr != "" {
			listen = *addr
		}
		if listen == "" {
			listen = ":8080"
		}
		log.Printf("Starting api server on %s", listen)
		if err := http.ListenAndServe(listen, srv.Routes()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	// Foreground run mode: seed a queue from a plan and drive it to the end.
	if *planPath == "" || *project == "" {
		fmt.Fprintln(os.Stderr, "--plan and --project are required (or use --serve)")
		os.Exit(1)
	}
	if *session == "" {
		*session = uuid.NewString()
	}
	p, err := plan.Load(*planPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := store.SaveQueue(ctx, *project, *session, p.Tasks(*session)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Printf("[cli] 启动序列生成 project=%s session=%s chapters=%d", *project, *session, len(p.Chapters))

	runner, err := sequence.NewRunner(store, retriever, editor, briefs, sequence.Options{}, cliSink, log.Default())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := runner.Run(ctx, *project, *session, p.ProjectName); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log.Printf("[cli] 序列生成结束 session=%s", *session)
	fmt.Println(*session)
}

func cliSink(ev sequence.Event) {
	if verbose {
		if payload, err := json.Marshal(ev); err == nil {
			log.Printf("[event] %s", payload)
			return
		}
	}
	log.Printf("[event] %s", ev.Type)
}

func buildStore(cfg config.Config, memory bool) (sequence.Store, error) {
	if memory {
		return sequence.NewMemoryStore(), nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	return sequence.NewRedisStore(client, log.Default())
}

func buildLLM(cfg config.Config) (generator.LLMClient, error) {
	if cfg.LLM == nil || cfg.LLM.Provider == "" {
		return nil, fmt.Errorf("llm config missing; please set llm.provider/model/api_key in config")
	}
	switch cfg.LLM.Provider {
	case "openai":
		return generator.NewOpenAILLMFromConfig(&generator.LLMSettings{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
		})
	case "deepseek":
		// DeepSeek 提供 OpenAI 兼容接口，需填写 base_url（例如官方/网关地址）。
		if cfg.LLM.BaseURL == "" {
			return nil, fmt.Errorf("llm provider deepseek requires base_url (OpenAI-compatible endpoint)")
		}
		return generator.NewOpenAILLMFromConfig(&generator.LLMSettings{
			Provider: cfg.LLM.Provider,
			Model:    cfg.LLM.Model,
			APIKey:   cfg.LLM.APIKey,
			BaseURL:  cfg.LLM.BaseURL,
		})
	case "mock":
		return generator.MockLLM{}, nil
	default:
		return nil, fmt.Errorf("llm provider %s not supported", cfg.LLM.Provider)
	}
}

func ragOptions(cfg config.Config) generator.RAGOptions {
	opts := generator.RAGOptions{}
	if cfg.RAG != nil {
		opts.BaseURL = cfg.RAG.BaseURL
		opts.TopK = cfg.RAG.TopK
		if cfg.RAG.TimeoutSeconds > 0 {
			opts.Timeout = time.Duration(cfg.RAG.TimeoutSeconds) * time.Second
		}
	}
	return opts
}

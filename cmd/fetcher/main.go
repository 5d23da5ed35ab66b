package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"gpu-job-fetcher/api/client"
	"gpu-job-fetcher/config"
	"gpu-job-fetcher/core/executor"
	"gpu-job-fetcher/core/runner"
	"gpu-job-fetcher/core/sysinfo"
	"gpu-job-fetcher/providers/aws"
)

var version = "dev"

func main() {
	cmd := "run"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "run":
		if err := run(); err != nil {
			log.Fatalf("Worker stopped: %v", err)
		}
	case "info":
		if err := info(); err != nil {
			log.Fatalf("Failed to collect system info: %v", err)
		}
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [run|info|version]\n", os.Args[0])
		os.Exit(2)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	session := client.NewSession(client.SessionOptions{
		RetryMax:     cfg.HTTPRetryMax,
		RetryWaitMin: cfg.HTTPRetryWaitMin,
		RetryWaitMax: cfg.HTTPRetryWaitMax,
		Timeout:      cfg.HTTPTimeout,
		Logger:       log.Default(),
	})

	// Access info is public, so the bootstrap client needs no token
	tokens, err := tokenSource(ctx, cfg, client.New(cfg.APIURL, session, nil))
	if err != nil {
		return err
	}
	api := client.New(cfg.APIURL, session, tokens)
	log.Printf("Using coordinator %s (auth: %s)", api.BaseURL(), cfg.AuthMode)

	collector, err := newCollector(ctx, cfg)
	if err != nil {
		return err
	}
	info, err := collector.Collect(ctx)
	if err != nil {
		return fmt.Errorf("failed to collect system info: %w", err)
	}
	log.Printf("Worker %s: %d cores, %d MB memory, %d GPUs", info.Host.Hostname, info.Sys.Cores, info.Sys.Memory, len(info.GPUs))

	docker, err := executor.NewDockerRuntime()
	if err != nil {
		return err
	}
	defer docker.Close()

	r := runner.NewRunner(
		api,
		func(jobID string) runner.JobClient { return api.Job(jobID) },
		executor.NewSupervisor(docker),
		info,
		runner.Options{
			PollInterval:   cfg.PollInterval,
			StatusInterval: cfg.StatusInterval,
			RunInterval:    cfg.RunInterval,
			MaxRunDuration: cfg.MaxRunDuration,
			PathBase:       cfg.PathBase,
			PathHostBase:   cfg.PathHostBase,
			MountPath:      cfg.ContainerMountPath,
			LogTailChars:   cfg.LogTailChars,
		},
	)
	defer r.Stop()

	log.Println("Starting job runner")
	if err := r.Start(ctx); err != nil {
		return err
	}
	log.Println("Runner exited")
	return nil
}

func tokenSource(ctx context.Context, cfg *config.Config, bootstrap *client.API) (client.TokenSource, error) {
	switch cfg.AuthMode {
	case config.AuthStatic:
		token := client.NewStaticToken(cfg.AccessToken)
		if exp, ok := token.Expiry(); ok {
			log.Printf("Static access token expires at %s", exp)
		}
		return token, nil
	case config.AuthCognito:
		access, err := bootstrap.AccessInfo(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch access info: %w", err)
		}
		cognito, err := aws.NewCognitoClient(ctx, access.Cognito.Region)
		if err != nil {
			return nil, err
		}
		tokens := aws.NewCognitoTokenSource(cognito, access.Cognito.ClientID, cfg.Username, cfg.Password, cfg.TokenMinValidity)
		// fail fast on bad credentials
		if _, err := tokens.Token(ctx); err != nil {
			return nil, err
		}
		return tokens, nil
	}
	return client.NoToken{}, nil
}

func newCollector(ctx context.Context, cfg *config.Config) (sysinfo.Collector, error) {
	host := sysinfo.NewHostCollector()
	if cfg.CapabilitySource != config.CapabilityEC2 {
		return host, nil
	}
	awsClient, err := aws.NewClient(ctx, cfg.AWSRegion)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS client: %w", err)
	}
	return aws.NewInstanceCollector(host, awsClient), nil
}

// info prints the capability facts without needing a coordinator
func info() error {
	ctx := context.Background()
	var collector sysinfo.Collector = sysinfo.NewHostCollector()
	if os.Getenv("CAPABILITY_SOURCE") == config.CapabilityEC2 {
		c, err := newCollector(ctx, &config.Config{CapabilitySource: config.CapabilityEC2, AWSRegion: os.Getenv("AWS_REGION")})
		if err != nil {
			return err
		}
		collector = c
	}

	sys, err := collector.Collect(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sys)
}

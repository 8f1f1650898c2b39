package main

import (
	"fmt"
	"io"

	"github.com/Mschirtzinger/quill/internal/orchestrator"
	"github.com/Mschirtzinger/quill/internal/publish"
	"github.com/Mschirtzinger/quill/internal/schema"
	"github.com/Mschirtzinger/quill/internal/store"
)

func newGenerator() (orchestrator.Generator, error) {
	switch cfg.Generator.Provider {
	case "static":
		return &orchestrator.Static{
			Chunks: []string{"Generated offline by the static provider.\n"},
			Usage:  schema.TokenUsage{Output: 8},
		}, nil
	default:
		return orchestrator.NewAnthropicGenerator(cfg.Generator.APIKey, cfg.Generator.Model, cfg.Generator.MaxTokens)
	}
}

// newPublisher builds the configured targets. It returns a nil Publisher
// when none is configured; closers must be closed on shutdown.
func newPublisher() (publish.Publisher, []io.Closer, error) {
	var targets publish.Multi
	var closers []io.Closer

	pc := cfg.Publish
	if pc.Git.Dir != "" {
		targets = append(targets, publish.NewGit(pc.Git.Dir))
	}
	if pc.S3.Bucket != "" {
		s3, err := publish.NewS3(publish.S3Config{
			Endpoint:  pc.S3.Endpoint,
			AccessKey: pc.S3.AccessKey,
			SecretKey: pc.S3.SecretKey,
			Bucket:    pc.S3.Bucket,
			Prefix:    pc.S3.Prefix,
			UseSSL:    pc.S3.UseSSL,
			BaseURL:   pc.S3.BaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, s3)
	}
	if pc.Redis.URL != "" {
		rs, err := publish.NewRedisStream(pc.Redis.URL, pc.Redis.Stream)
		if err != nil {
			return nil, nil, err
		}
		targets = append(targets, rs)
		closers = append(closers, rs)
	}
	if pc.Meili.URL != "" {
		targets = append(targets, publish.NewMeili(pc.Meili.URL, pc.Meili.APIKey, pc.Meili.Index))
	}

	if len(targets) == 0 {
		return nil, nil, nil
	}
	return publish.WithRetry(targets, pc.RetryFor), closers, nil
}

// newLoop wires the generator and publishers into an orchestrator loop.
func newLoop(st *store.Store) (*orchestrator.Loop, []io.Closer, error) {
	gen, err := newGenerator()
	if err != nil {
		return nil, nil, fmt.Errorf("generator: %w", err)
	}
	pub, closers, err := newPublisher()
	if err != nil {
		return nil, nil, fmt.Errorf("publisher: %w", err)
	}
	loop, err := orchestrator.New(st, gen, &orchestrator.Config{
		Interval:   cfg.Orchestrator.Interval,
		StaleAfter: cfg.Orchestrator.StaleAfter,
		Publisher:  pub,
		Logger:     logger("orchestrator"),
	})
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	return loop, closers, nil
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

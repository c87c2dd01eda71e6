// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm drafts claims and cross-checks admissibility with an
// OpenAI-compatible chat completion API.
//
// The generator and the checker share one client but are prompted
// independently; the checker never sees the generator's instructions.
package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianTrust/pkg/logging"
)

// DefaultSecretPath is read when no API key is configured.
const DefaultSecretPath = "/run/secrets/openai_api_key"

// ErrNoAPIKey is returned when no key is configured or mounted.
var ErrNoAPIKey = errors.New("llm: OPENAI_API_KEY not set and secret not found")

// ErrEmptyResponse is returned when the API returns no choices.
var ErrEmptyResponse = errors.New("llm: completion returned no choices")

// Config configures the client.
type Config struct {
	// APIKey overrides OPENAI_API_KEY and the mounted secret.
	APIKey string `yaml:"-"`
	// BaseURL targets a compatible endpoint. Empty uses api.openai.com.
	BaseURL string `yaml:"base_url"`
	// Model for claim generation. Default: gpt-4o-mini
	Model string `yaml:"model"`
	// CheckerModel for admissibility checks. Default: Model
	CheckerModel string `yaml:"checker_model"`
	// ChunkSize bounds each evidence excerpt in characters. Default: 1000
	ChunkSize int `yaml:"chunk_size" validate:"gte=0"`
	// MaxChunksPerAnchor bounds how much of one anchor reaches the prompt. Default: 2
	MaxChunksPerAnchor int `yaml:"max_chunks_per_anchor" validate:"gte=0"`
	// Seed requests deterministic sampling where supported.
	Seed *int `yaml:"seed"`
	// SecretPath is read when APIKey and OPENAI_API_KEY are empty.
	SecretPath string `yaml:"secret_path"`
}

func (c *Config) applyDefaults() {
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.CheckerModel == "" {
		c.CheckerModel = c.Model
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = 1000
	}
	if c.MaxChunksPerAnchor == 0 {
		c.MaxChunksPerAnchor = 2
	}
	if c.SecretPath == "" {
		c.SecretPath = DefaultSecretPath
	}
}

// Client wraps a chat completion client.
//
// # Thread Safety
//
// Safe for concurrent use.
type Client struct {
	api    *openai.Client
	cfg    Config
	logger *logging.Logger
}

// NewClient resolves the API key and builds a client.
//
// # Description
//
// The key is taken from cfg.APIKey, then OPENAI_API_KEY, then the mounted
// secret file. It is held in a memguard enclave until the client is built,
// which keeps a heap copy for request headers.
func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	key, err := resolveKey(cfg, logger)
	if err != nil {
		return nil, err
	}
	buf, err := key.Open()
	if err != nil {
		return nil, fmt.Errorf("llm: open api key: %w", err)
	}
	// buf.String aliases locked memory that Destroy unmaps; the client
	// needs its own copy.
	token := string(buf.Bytes())
	buf.Destroy()

	oc := openai.DefaultConfig(token)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	logger.Info("llm.client_initialized", "model", cfg.Model, "checker_model", cfg.CheckerModel)
	return &Client{api: openai.NewClientWithConfig(oc), cfg: cfg, logger: logger}, nil
}

func resolveKey(cfg Config, logger *logging.Logger) (*memguard.Enclave, error) {
	if cfg.APIKey != "" {
		return memguard.NewEnclave([]byte(cfg.APIKey)), nil
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		return memguard.NewEnclave([]byte(v)), nil
	}
	raw, err := os.ReadFile(cfg.SecretPath)
	if err != nil {
		logger.Error("llm.api_key_missing", "path", cfg.SecretPath)
		return nil, ErrNoAPIKey
	}
	trimmed := []byte(strings.TrimSpace(string(raw)))
	memguard.WipeBytes(raw)
	if len(trimmed) == 0 {
		return nil, ErrNoAPIKey
	}
	logger.Info("llm.api_key_loaded", "source", "secret")
	return memguard.NewEnclave(trimmed), nil
}

// complete sends one JSON-mode chat completion and returns the content.
func (c *Client) complete(ctx context.Context, model, system, user string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Seed: c.cfg.Seed,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	c.logger.Debug("llm.completion",
		"model", model, "finish_reason", string(resp.Choices[0].FinishReason),
		"prompt_tokens", resp.Usage.PromptTokens, "completion_tokens", resp.Usage.CompletionTokens)
	return resp.Choices[0].Message.Content, nil
}

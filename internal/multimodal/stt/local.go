package stt

import "time"

// LocalSTTConfig holds configuration for a local OpenAI-compatible Whisper server.
type LocalSTTConfig struct {
	BaseURL string // default: "http://localhost:8178/v1"
	Model   string
	Timeout time.Duration
}

// LocalSTT points the OpenAI client at a self-hosted Whisper server
// (whisper.cpp, faster-whisper-server, LocalAI) exposing /v1/audio/transcriptions.
type LocalSTT struct {
	*OpenAISTT
}

// NewLocalSTT creates a LocalSTT; no API key is sent.
func NewLocalSTT(cfg LocalSTTConfig) *LocalSTT {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:8178/v1"
	}
	return &LocalSTT{
		OpenAISTT: NewOpenAISTT(OpenAISTTConfig{
			BaseURL: baseURL,
			Model:   cfg.Model,
			Timeout: cfg.Timeout,
		}),
	}
}

func (l *LocalSTT) Name() string { return "local-whisper" }

package main

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const storytellerSystemPrompt = `You are the ship's narrator for a social deduction game set aboard a damaged spaceship. Crewmates repair systems while hidden impostors sabotage them and pick the crew off one by one. When something happens you describe it in 2-3 tense, atmospheric sentences. Never reveal who the impostors are.`

const (
	storyHistoryLimit = 20
	storyTimeout      = 30 * time.Second
)

// Storyteller narrates game events. onChunk is called with each text chunk
// as it streams in.
type Storyteller interface {
	Tell(ctx context.Context, history []string, onChunk func(string)) (string, error)
}

type llmStoryteller struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

func (s *llmStoryteller) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman,
			"Game history so far:\n"+strings.Join(history, "\n")+
				"\n\nTell a short dramatic story (2-3 sentences) about the last event."),
	}

	var fullText strings.Builder
	opts := append(slices.Clone(s.callOpts), llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		fullText.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil
	}))

	_, err := s.llm.GenerateContent(ctx, messages, opts...)
	return strings.TrimSpace(fullText.String()), err
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.StorytellerTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.StorytellerTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Storyteller: temperature=%.2f", f)
		} else {
			log.Printf("Storyteller: invalid temperature %q: %v", cfg.StorytellerTemperature, err)
		}
	}

	if cfg.StorytellerThinking != "" {
		mode := llms.ThinkingMode(cfg.StorytellerThinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Printf("Storyteller: thinking=%s", mode)
		default:
			log.Printf("Storyteller: invalid thinking %q (valid: none, low, medium, high, auto)", cfg.StorytellerThinking)
		}
	}

	return opts
}

// storytellerModel opens the chat model for the configured provider and
// returns a label for the startup log. A nil model means narration is off.
func storytellerModel(cfg AppConfig) (llms.Model, string, error) {
	model := cfg.StorytellerModel
	switch cfg.StorytellerProvider {
	case "":
		return nil, "", nil
	case "ollama":
		llm, err := ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.StorytellerOllamaURL))
		return llm, "Ollama model=" + model + " url=" + cfg.StorytellerOllamaURL, err
	case "openai":
		llm, err := openai.New(openai.WithModel(model))
		return llm, "OpenAI model=" + model, err
	case "claude":
		llm, err := anthropic.New(anthropic.WithModel(model))
		return llm, "Claude model=" + model, err
	case "gemini":
		llm, err := googleai.New(context.Background(), googleai.WithDefaultModel(model))
		return llm, "Gemini model=" + model, err
	case "groq":
		llm, err := openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
		return llm, "Groq model=" + model, err
	case "openai-compatible":
		if cfg.StorytellerURL == "" {
			return nil, "", fmt.Errorf("storyteller_url is required for openai-compatible provider")
		}
		opts := []openai.Option{openai.WithModel(model), openai.WithBaseURL(cfg.StorytellerURL)}
		if cfg.StorytellerAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.StorytellerAPIKey))
		}
		llm, err := openai.New(opts...)
		return llm, "openai-compatible model=" + model + " url=" + cfg.StorytellerURL, err
	default:
		return nil, "", fmt.Errorf("unknown provider %q (valid: ollama, openai, claude, gemini, groq, openai-compatible)", cfg.StorytellerProvider)
	}
}

// initStoryteller builds the storyteller from config. It returns nil when no
// provider is configured or the provider fails to start.
func initStoryteller(cfg AppConfig) Storyteller {
	llm, label, err := storytellerModel(cfg)
	if err != nil {
		log.Printf("Storyteller: failed to init %s: %v", cfg.StorytellerProvider, err)
		return nil
	}
	if llm == nil {
		log.Printf("Storyteller: disabled (set storyteller_provider to enable)")
		return nil
	}
	log.Printf("Storyteller: %s", label)
	return &llmStoryteller{llm: llm, systemPrompt: storytellerSystemPrompt, callOpts: buildCallOpts(cfg)}
}

// narrate asks the storyteller for a story about event in the background and
// appends it to the activity log. It does nothing without a storyteller.
func (e *Engine) narrate(event string) {
	if e.storyteller == nil {
		return
	}

	e.stories.Add(1)
	go func() {
		defer e.stories.Done()

		ctx, cancel := context.WithTimeout(context.Background(), storyTimeout)
		defer cancel()

		recent, err := e.activities.Recent(ctx, storyHistoryLimit)
		if err != nil {
			logError("narrate: fetch history", err)
			return
		}
		// Recent is newest first; the storyteller reads oldest first
		slices.Reverse(recent)
		history := make([]string, 0, len(recent)+1)
		for _, a := range recent {
			if a.Type != ActivityStory {
				history = append(history, a.Message)
			}
		}
		history = append(history, event)

		text, err := e.storyteller.Tell(ctx, history, func(chunk string) {
			DebugLog("narrate", "chunk: %q", chunk)
		})
		if err != nil {
			log.Printf("narrate: storyteller error: %v", err)
			return
		}
		if text == "" {
			return
		}
		if _, err := e.activities.Append(ctx, text, ActivityStory); err != nil {
			logError("narrate: append story", err)
			return
		}
		log.Printf("Storyteller: completed story for %q", event)
	}()
}

// WaitForStories blocks until every pending story has been written
func (e *Engine) WaitForStories() {
	e.stories.Wait()
}


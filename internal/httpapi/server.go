package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"noded/internal/coordinator"
	"noded/internal/inference"
	"noded/pkg/types"
)

// Service is everything the HTTP surface needs from the rest of the node:
// the OpenAI-compatible inference path (backed by the Request Coordinator)
// plus the small set of node-control operations (catalog, pull, health).
type Service interface {
	ChatCompletion(ctx context.Context, model string, messages []inference.Message, params inference.Params) (string, error)
	ChatCompletionStream(ctx context.Context, model string, messages []inference.Message, params inference.Params, fn inference.StreamFunc) error
	ListModels() ([]types.ModelObject, error)
	Pull(ctx context.Context, req types.PullRequest) error
	Ready() bool
	Uptime() float64
	PullCount() int64
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Get("/health", handleHealth)
	r.Get("/startup", handleStartup(svc))
	r.Get("/metrics", handleMetricsJSON(svc))
	r.Get("/metrics/prom", handleMetricsProm(svc))
	r.Post("/pull", handlePull(svc))
	r.Get("/log/level", handleGetLogLevel)
	r.Post("/log/level", handleSetLogLevel)

	r.Get("/v1/models", handleListModels(svc))
	r.Post("/v1/chat/completions", handleChatCompletions(svc))
	r.Post("/v1/completions", handleCompletions(svc))
	r.Post("/v1/embeddings", handleEmbeddings)

	MountSwagger(r)
	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
}

func handleStartup(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, types.HealthResponse{Status: "starting"})
	}
}

func handleMetricsJSON(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, types.MetricsResponse{
			UptimeSeconds: int64(svc.Uptime()),
			PullCount:     svc.PullCount(),
		})
	}
}

func handleMetricsProm(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodeUptimeSeconds.Set(svc.Uptime())
		nodePullTotal.Set(float64(svc.PullCount()))
		promMetricsHandler.ServeHTTP(w, r)
	}
}

func handlePull(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.PullRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Model) == "" {
			writeJSONError(w, http.StatusBadRequest, "model is required")
			return
		}
		go func() {
			ctx, cancel := context.WithCancel(serverBaseCtx)
			defer cancel()
			if err := svc.Pull(ctx, req); err != nil {
				if zlog != nil {
					zlog.Error().Str("model", req.Model).Err(err).Msg("pull failed")
				} else {
					log.Printf("pull failed for %s: %v", req.Model, err)
				}
			}
		}()
		writeJSON(w, http.StatusAccepted, types.PullResponse{Status: "accepted"})
	}
}

func handleGetLogLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.LogLevelResponse{Level: zerolog.GlobalLevel().String()})
}

func handleSetLogLevel(w http.ResponseWriter, r *http.Request) {
	var req types.LogLevelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	lvl, err := zerolog.ParseLevel(req.Level)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unknown log level: %s", req.Level))
		return
	}
	zerolog.SetGlobalLevel(lvl)
	writeJSON(w, http.StatusOK, types.LogLevelResponse{Level: lvl.String()})
}

func handleListModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListModels()
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, types.ModelsResponse{Data: models})
	}
}

func handleChatCompletions(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(req.Messages) == 0 {
			writeJSONError(w, http.StatusBadRequest, "messages is required")
			return
		}
		messages := toInferenceMessages(req.Messages)
		params := inference.Params{
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			TopK:          req.TopK,
			Stop:          req.Stop,
			Seed:          req.Seed,
			RepeatPenalty: req.RepeatPenalty,
		}

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		if req.Stream {
			streamChatCompletion(w, r, svc, joinedCtx, req.Model, messages, params)
			return
		}

		text, err := svc.ChatCompletion(joinedCtx, req.Model, messages, params)
		if err != nil {
			writeServiceError(w, req.Model, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ChatCompletionResponse{
			ID:      "chatcmpl-" + uuid.NewString(),
			Object:  "chat.completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []types.ChatCompletionChoice{{
				Index:        0,
				Message:      types.ChatMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			}},
		})
	}
}

func handleCompletions(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.CompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		messages := []inference.Message{{Role: "user", Content: req.Prompt}}
		params := inference.Params{
			MaxTokens:     req.MaxTokens,
			Temperature:   req.Temperature,
			TopP:          req.TopP,
			TopK:          req.TopK,
			Stop:          req.Stop,
			Seed:          req.Seed,
			RepeatPenalty: req.RepeatPenalty,
		}

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		if req.Stream {
			streamChatCompletion(w, r, svc, joinedCtx, req.Model, messages, params)
			return
		}

		text, err := svc.ChatCompletion(joinedCtx, req.Model, messages, params)
		if err != nil {
			writeServiceError(w, req.Model, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ChatCompletionResponse{
			ID:      "cmpl-" + uuid.NewString(),
			Object:  "text_completion",
			Created: time.Now().Unix(),
			Model:   req.Model,
			Choices: []types.ChatCompletionChoice{{
				Index:        0,
				Message:      types.ChatMessage{Role: "assistant", Content: text},
				FinishReason: "stop",
			}},
		})
	}
}

// handleEmbeddings always reports 501: the inference Engine contract
// (tokenize/prefill/generate) has no operation that yields an embedding
// vector, so there is nothing behind this route to wire it to yet.
func handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotImplemented, "embeddings are not supported by the loaded engine")
}

func streamChatCompletion(w http.ResponseWriter, r *http.Request, svc Service, ctx context.Context, model string, messages []inference.Message, params inference.Params) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := "chatcmpl-" + uuid.NewString()
	created := time.Now().Unix()
	sentAny := false
	err := svc.ChatCompletionStream(ctx, model, messages, params, func(piece string) bool {
		sentAny = true
		chunk := types.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []types.ChatCompletionChunkChoice{{
				Index: 0,
				Delta: types.ChatCompletionChunkDelta{Content: piece},
			}},
		}
		b, _ := json.Marshal(chunk)
		if _, werr := fmt.Fprintf(w, "data: %s\n\n", b); werr != nil {
			return false
		}
		flusher.Flush()
		return true
	})

	if err != nil && !sentAny {
		writeServiceError(w, model, err)
		return
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func toInferenceMessages(in []types.ChatMessage) []inference.Message {
	out := make([]inference.Message, len(in))
	for i, m := range in {
		out[i] = inference.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func writeServiceError(w http.ResponseWriter, model string, err error) {
	if errors.Is(err, coordinator.ErrRepairing) {
		writeJSON(w, http.StatusAccepted, types.RepairingResponse{Status: "repairing", Model: model})
		return
	}
	if coordinator.IsNotFound(err) {
		writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if he, ok := err.(HTTPError); ok {
		writeJSONError(w, he.StatusCode(), he.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

package server

import (
	"net/http"
	"strings"
	"time"
)

// contextLengths is a best-effort lookup of published context windows for
// well-known model families. Unmatched models fall back to defaultContextLen
// rather than failing the listing.
var contextLengths = []struct {
	prefix string
	length int
}{
	{"gpt-4o", 128_000},
	{"gpt-4-turbo", 128_000},
	{"gpt-4", 8_192},
	{"gpt-3.5", 16_385},
	{"o1", 200_000},
	{"claude-3-5", 200_000},
	{"claude-3", 200_000},
	{"claude-2", 100_000},
	{"llama3", 8_192},
	{"llama2", 4_096},
	{"mistral", 32_768},
	{"gemma", 8_192},
}

const defaultContextLen = 8_192

func contextLengthFor(model string) int {
	for _, c := range contextLengths {
		if strings.HasPrefix(model, c.prefix) {
			return c.length
		}
	}
	return defaultContextLen
}

// handleListModels returns the union of models advertised by every enabled
// provider link, per spec's {id, provider, created, owned_by, context_length}
// shape.
func (s *server) handleListModels(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeJSON(w, http.StatusOK, modelListResponse{Object: "list", Data: []modelEntry{}})
		return
	}
	links, err := s.deps.Store.ListProviderLinks(r.Context())
	if err != nil {
		writeAPIError(w, r.Context(), err)
		return
	}

	now := time.Now().Unix()
	seen := make(map[string]bool)
	data := make([]modelEntry, 0, len(links)*2)
	for _, link := range links {
		if !link.Enabled {
			continue
		}
		for _, m := range link.Models {
			key := string(link.Kind) + "/" + m
			if seen[key] {
				continue
			}
			seen[key] = true
			data = append(data, modelEntry{
				ID:            m,
				Object:        "model",
				Provider:      string(link.Kind),
				Created:       now,
				OwnedBy:       string(link.Kind),
				ContextLength: contextLengthFor(m),
			})
		}
	}

	writeJSON(w, http.StatusOK, modelListResponse{
		Object: "list",
		Data:   data,
	})
}

type modelEntry struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	Provider      string `json:"provider"`
	Created       int64  `json:"created"`
	OwnedBy       string `json:"owned_by"`
	ContextLength int    `json:"context_length"`
}

type modelListResponse struct {
	Object string       `json:"object"`
	Data   []modelEntry `json:"data"`
}

// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package builtin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

// AutoDetect is the source language that lets the model decide.
const AutoDetect = "Auto-detect"

// Languages offered by the translator page.
var Languages = []string{
	"English", "Spanish", "French", "German", "Italian", "Portuguese",
	"Chinese", "Japanese", "Korean", "Arabic", "Hindi", "Russian",
	"Dutch", "Swedish", "Polish", "Turkish", "Vietnamese", "Thai", "Greek", "Hebrew",
}

type translatorRequest struct {
	plugins.RunOptions
	Text   string `json:"text"`
	Source string `json:"source"`
	Target string `json:"target"`
}

// Translator streams a translation of free text.
type Translator struct{}

func (Translator) TemplateContext() map[string]any {
	return map[string]any{"languages": Languages}
}

func (Translator) RegisterRoutes(r chi.Router, p *platform.Platform) {
	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		body := translatorRequest{Source: AutoDetect, Target: "English"}
		if err := plugins.DecodeJSON(w, req, &body); err != nil {
			plugins.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if body.Target == "" {
			body.Target = "English"
		}
		text := strings.TrimSpace(body.Text)
		if text == "" {
			plugins.WriteError(w, http.StatusBadRequest, "No text")
			return
		}

		em := openEmitter(w)
		if em == nil {
			return
		}

		msgs := []stream.Message{
			{Role: stream.RoleSystem, Content: translatorPrompt(body.Source, body.Target)},
			{Role: stream.RoleUser, Content: text},
		}
		if _, err := plugins.Relay(req, p, em, msgs, body.Options()); err != nil {
			em.Fail(err.Error())
			return
		}
		em.Finish(map[string]bool{"done": true})
	})
}

func translatorPrompt(source, target string) string {
	from := ""
	if source != "" && source != AutoDetect {
		from = "from " + source + " "
	}
	return "You are a translator. Translate the following text " + from + "to " + target +
		". Output ONLY the translation, no explanations or notes. Preserve formatting, tone, and meaning."
}

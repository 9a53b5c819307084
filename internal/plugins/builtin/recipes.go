// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package builtin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/rigrun-gateway/internal/platform"
	"github.com/jeranaias/rigrun-gateway/internal/plugins"
	"github.com/jeranaias/rigrun-gateway/internal/stream"
)

type recipesRequest struct {
	plugins.RunOptions
	Ingredients string `json:"ingredients"`
	Dietary     string `json:"dietary"`
	Servings    int    `json:"servings"`
	MealType    string `json:"meal_type"`
}

// Recipes turns a list of ingredients into a structured recipe.
type Recipes struct{}

func (Recipes) RegisterRoutes(r chi.Router, p *platform.Platform) {
	r.Post("/run", func(w http.ResponseWriter, req *http.Request) {
		body := recipesRequest{Dietary: "None", Servings: 4, MealType: "Any"}
		if err := plugins.DecodeJSON(w, req, &body); err != nil {
			plugins.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		ingredients := strings.TrimSpace(body.Ingredients)
		if ingredients == "" {
			plugins.WriteError(w, http.StatusBadRequest, "No ingredients")
			return
		}

		em := openEmitter(w)
		if em == nil {
			return
		}

		system := fmt.Sprintf("You are a chef. Create a recipe using these ingredients: %s\n"+
			"Dietary: %s. Servings: %d. Meal: %s.\n\n"+
			"Return ONLY JSON, no other text, no markdown fences:\n"+
			`{"title": "Recipe Name", "prep_time": "10 min", "cook_time": "25 min", "servings": %d, `+
			`"ingredients": ["1 cup rice", ...], "steps": ["Step 1...", ...], "tips": "Optional tips"}`,
			ingredients, body.Dietary, body.Servings, body.MealType, body.Servings)
		msgs := []stream.Message{
			{Role: stream.RoleSystem, Content: system},
			{Role: stream.RoleUser, Content: "Make a recipe with: " + ingredients},
		}

		text, err := plugins.Relay(req, p, em, msgs, body.Options())
		if err != nil {
			em.Fail(err.Error())
			return
		}

		recipe, ok := parseRecipe(text)
		if !ok {
			em.Fail("Could not parse recipe. Try again.")
			return
		}
		em.Finish(map[string]any{"done": true, "recipe": recipe})
	})
}

// parseRecipe decodes the outermost JSON object in text. The shape is kept
// loose; models disagree on types such as servings.
func parseRecipe(text string) (map[string]any, bool) {
	raw := outermost(text, '{', '}')
	if raw == "" {
		return nil, false
	}
	var recipe map[string]any
	if err := json.Unmarshal([]byte(raw), &recipe); err != nil {
		return nil, false
	}
	return recipe, true
}

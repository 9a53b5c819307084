// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package imagegen

import (
	"context"
	"log"
	"regexp"
	"strings"

	"github.com/jeranaias/rigrun-gateway/internal/events"
)

// directivePattern matches inline image directives. Non-greedy, no nesting,
// and a directive never spans lines.
var directivePattern = regexp.MustCompile(`\[IMG:\s*(.+?)\]`)

// Directive is one [IMG: ...] occurrence. Start and End are byte offsets of
// the whole directive in the scanned text.
type Directive struct {
	Prompt string
	Start  int
	End    int
}

// FindDirectives returns all directives in text, left to right.
func FindDirectives(text string) []Directive {
	matches := directivePattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	dirs := make([]Directive, 0, len(matches))
	for _, m := range matches {
		dirs = append(dirs, Directive{Prompt: text[m[2]:m[3]], Start: m[0], End: m[1]})
	}
	return dirs
}

// StripDirectives removes every directive from text.
func StripDirectives(text string) string {
	return directivePattern.ReplaceAllString(text, "")
}

// Reference renders the markdown image link that replaces a directive.
func Reference(url string) string {
	return "![Generated Image](" + url + ")"
}

// Events receives the progress of an extraction. *events.Emitter
// implements it.
type Events interface {
	Status(status string) error
	ImageError(prompt, message string) error
	Images(images []events.Image) error
}

// Extract runs every directive in text through the generator and returns
// the rewritten text with the artifacts created.
//
// Each directive is replaced in place, by its own span, with one reference
// per generated image. A directive whose generation fails is reported with
// an image_error event and removed from the text; the rest still run.
// Text without directives is returned unchanged and no events are sent.
func (s *Service) Extract(ctx context.Context, owner, text string, ev Events) (string, []Artifact) {
	dirs := FindDirectives(text)
	if len(dirs) == 0 {
		return text, nil
	}

	var out strings.Builder
	var all []Artifact
	prev := 0

	for _, d := range dirs {
		out.WriteString(text[prev:d.Start])
		prev = d.End

		ev.Status(events.StatusGeneratingImage)

		arts, err := s.Produce(ctx, owner, DirectiveRequest(d.Prompt))
		if err != nil {
			log.Printf("IMAGE_FAILED | prompt=%q error=%v", d.Prompt, err)
			ev.ImageError(d.Prompt, err.Error())
		}

		refs := make([]string, 0, len(arts))
		for _, a := range arts {
			refs = append(refs, Reference(a.URL))
		}
		out.WriteString(strings.Join(refs, "\n"))
		all = append(all, arts...)
	}
	out.WriteString(text[prev:])

	if len(all) > 0 {
		imgs := make([]events.Image, 0, len(all))
		for _, a := range all {
			imgs = append(imgs, events.Image{URL: a.URL, Seed: a.Seed, Prompt: a.Prompt})
		}
		ev.Images(imgs)
	}

	return out.String(), all
}

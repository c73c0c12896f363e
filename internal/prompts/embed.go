// Package prompts provides externalized prompt templates with override support.
package prompts

import "embed"

//go:embed templates/*.md templates/strategies/*.md
var embeddedFS embed.FS

package gemini

import "go.opentelemetry.io/otel"

const scopeName = "github.com/go-go-golems/lunabot/pkg/generation/gemini"

var tracer = otel.Tracer(scopeName)

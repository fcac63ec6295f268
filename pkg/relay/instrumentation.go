package relay

import "go.opentelemetry.io/otel"

const scopeName = "github.com/go-go-golems/lunabot/pkg/relay"

var tracer = otel.Tracer(scopeName)

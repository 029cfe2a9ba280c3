package provider

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/voxcall-labs/voxcall-core/internal/config"
)

// Build constructs one provider from its config entry. The realtime
// kind needs a live bus connection; the pipeline and local kinds shell
// out for speech and call an HTTP endpoint for language.
func Build(pcfg config.ProviderConfig, routing config.RoutingConfig, conn *nats.Conn, log *slog.Logger) (Provider, error) {
	switch pcfg.Kind {
	case "mock":
		return NewMockProvider(pcfg.Name, MockScript{}), nil

	case "realtime":
		if conn == nil {
			return nil, fmt.Errorf("provider %s: realtime kind needs a bus connection", pcfg.Name)
		}
		timeout := time.Duration(routing.StartTimeoutMS) * time.Millisecond
		return NewRealtimeProvider(pcfg, conn, timeout, log), nil

	case "pipeline", "local":
		stt, err := NewExecRecognizer(pcfg.STTCommand, "", pcfg.Language)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pcfg.Name, err)
		}
		if pcfg.Endpoint == "" {
			return nil, fmt.Errorf("provider %s: pipeline kind needs an endpoint", pcfg.Name)
		}
		llm := NewHTTPResponder(pcfg.Endpoint)
		rate := pcfg.SampleRate
		if rate == 0 {
			rate = 22050
		}
		tts, err := NewExecSynth(pcfg.TTSCommand, rate)
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", pcfg.Name, err)
		}
		turnBudget := time.Duration(routing.ResponseTimeout) * time.Millisecond
		return NewPipelineProvider(pcfg, stt, llm, tts, routing.ResponseRetries, turnBudget, log), nil

	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", pcfg.Name, pcfg.Kind)
	}
}

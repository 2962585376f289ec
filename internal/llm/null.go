package llm

import "context"

// NullProvider answers every request with empty output. It lets the
// prompt pipeline run with no backend configured.
type NullProvider struct{}

// Name implements Provider.
func (NullProvider) Name() string { return ProviderNull }

// Generate implements Provider.
func (NullProvider) Generate(context.Context, string, Input) Result {
	return Result{Provider: ProviderNull}
}

// Stream implements Provider.
func (NullProvider) Stream(_ context.Context, _ string, _ Input, emit StreamCallback) {
	emit(StreamEvent{Kind: KindToken})
	emit(StreamEvent{Kind: KindDone})
}

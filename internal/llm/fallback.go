package llm

import "context"

// generator is the subset of Provider needed by syncStream.
type generator interface {
	Generate(ctx context.Context, systemPrompt string, in Input) Result
}

// syncStream satisfies the streaming contract for backends streamed
// through one synchronous call: on failure it emits Error then Done,
// otherwise the whole output as a single Token then Done.
func syncStream(ctx context.Context, g generator, systemPrompt string, in Input, emit StreamCallback) {
	res := g.Generate(ctx, systemPrompt, in)
	if res.Failed() {
		emit(StreamEvent{Kind: KindError, Text: res.Error})
		emit(StreamEvent{Kind: KindDone})
		return
	}
	emit(StreamEvent{Kind: KindToken, Text: res.Output})
	emit(StreamEvent{Kind: KindDone})
}

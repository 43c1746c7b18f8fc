// Package provider implements a uniform chat interface over heterogeneous
// LLM APIs: OpenAI-compatible chat completions (DeepSeek by default or any
// custom base URL), Google Gemini, and blocking responses-style SDKs bridged
// through a producer goroutine with a bounded channel.
//
// All implementations satisfy ChatModel: Invoke for one-shot completions,
// Stream for per-delta streaming with an assembled final message, and
// BindTools to advertise tools. Generation parameters a provider does not
// support are dropped silently. Message content may be a plain string or a
// list of typed parts; ExtractText is the single normalization point.
package provider
